package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Bird73/SecuIntegrator24/internal/eventbus"
	logx "github.com/Bird73/SecuIntegrator24/pkg/logx"
)

// runLane is the per-registration loop. A panic escapes to the supervisor,
// which reports it through laneFaulted; the lane is not restarted.
func (e *Engine) runLane(ctx context.Context, r *registration, g *gate, next time.Time) error {
	poll := e.cfg.PollInterval
	t := time.NewTimer(poll)
	defer t.Stop()

	for ctx.Err() == nil {
		if r.getStatus() == StatusWaitingToStart && !next.IsZero() && !e.now().Before(next) {
			if g.open() {
				e.execute(ctx, r)
				next = e.nextFireTime(r)
				r.setNext(next)
				continue
			}
			if e.gateLog.Allow(r.name) {
				e.log.Debug("waiting for precondition", logx.String("task", r.name), logx.String("condition", g.cond.String()))
			}
		}

		t.Reset(poll)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
	return nil
}

// execute runs the job once. Whatever Run returns, the registration ends
// Completed; the outcome goes to logs, history and the bus.
func (e *Engine) execute(ctx context.Context, r *registration) {
	id := uuid.NewString()
	start := e.now()
	log := e.log.With(logx.String("task", r.name), logx.String("run_id", id))

	r.setStatus(StatusRunning)
	r.mu.Lock()
	r.lastStart = start
	r.mu.Unlock()

	log.Info("task started")
	e.publish(eventbus.TaskStarted, TaskEvent{ID: id, Name: r.name, Started: start})

	err := r.job.Run(ctx)
	dur := e.now().Sub(start)
	out := OutcomeOf(err)
	r.setStatus(StatusCompleted)

	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	r.mu.Lock()
	r.lastDur = dur
	r.lastOutcome = out
	r.lastErr = errStr
	r.runs++
	r.mu.Unlock()

	e.appendHistory(HistoryItem{ID: id, Name: r.name, Started: start, Duration: dur, Outcome: out, Error: errStr})
	ev := TaskEvent{ID: id, Name: r.name, Started: start, Duration: dur, Outcome: out.String(), Error: errStr}

	switch out {
	case OutcomeCompleted:
		log.Info("task finished", logx.Duration("took", dur))
		e.publish(eventbus.TaskFinished, ev)
	case OutcomeCancelled:
		log.Warn("task cancelled", logx.Duration("took", dur), logx.Err(err))
		e.publish(eventbus.TaskCancelled, ev)
	default:
		log.Error("task failed", logx.Duration("took", dur), logx.Err(err))
		e.publish(eventbus.TaskFailed, ev)
	}
}

// laneFaulted runs on the dying lane goroutine. It must not take e.mu:
// StopAll holds it while joining lanes.
func (e *Engine) laneFaulted(r *registration, p any) {
	r.setStatus(StatusFaulted)
	reason := fmt.Sprint(p)
	r.mu.Lock()
	r.lastErr = reason
	r.next = time.Time{}
	r.mu.Unlock()

	e.log.Error("lane stopped; task will not fire until the engine is restarted",
		logx.String("task", r.name),
		logx.Err(fmt.Errorf("%w: %s", ErrLaneFaulted, reason)),
	)
	e.publish(eventbus.LaneFaulted, LaneEvent{Name: r.name, Status: StatusFaulted.String(), Reason: reason})
}

func (e *Engine) firstFireTime(r *registration) time.Time {
	if r.schedule.RunOnStartup {
		return e.now().Add(e.cfg.StartupDelay)
	}
	return e.nextFireTime(r)
}

// nextFireTime wraps the calculator; a panic is logged and means never.
func (e *Engine) nextFireTime(r *registration) (t time.Time) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("next run time calculation failed", logx.String("task", r.name), logx.Any("panic", p))
			t = time.Time{}
		}
	}()

	t = e.calc(r.schedule, e.now().In(e.loc))
	if t.IsZero() {
		e.log.Info("task has no future fire time", logx.String("task", r.name))
	} else if e.log.Enabled(logx.LevelDebug) {
		e.log.Debug("next fire time", logx.String("task", r.name), logx.Time("at", t))
	}
	return t
}
