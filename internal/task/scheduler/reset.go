package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Bird73/SecuIntegrator24/internal/eventbus"
	"github.com/Bird73/SecuIntegrator24/internal/runtime/supervisor"
	logx "github.com/Bird73/SecuIntegrator24/pkg/logx"
)

// Reset cycle triggers, reported in ResetEvent.Reason.
const (
	ResetStartup  = "startup"
	ResetMidnight = "midnight"
	ResetRestart  = "restart"
)

var midnight = mustParse("@midnight")

func mustParse(spec string) cron.Schedule {
	s, err := cron.ParseStandard(spec)
	if err != nil {
		panic(err)
	}
	return s
}

// StartDailyReset launches the daily reset lane. It runs until ctx is done or
// the engine is closed; calling it again is a no-op.
func (e *Engine) StartDailyReset(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.reset != nil {
		return nil
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(e.log.With(logx.String("comp", "reset"))))
	sup.Go("daily-reset", e.runReset)
	e.reset = sup
	return nil
}

func (e *Engine) runReset(ctx context.Context) error {
	reason := ResetStartup
	for ctx.Err() == nil {
		cleared := e.resetCompleted()
		if !e.waitIdle(ctx, &cleared) {
			return nil
		}

		sig := e.currentSignal()
		now := e.now().In(e.loc)
		next := midnight.Next(now)
		e.log.Info("daily reset done",
			logx.String("reason", reason),
			logx.Int("cleared", cleared),
			logx.Time("next_reset", next),
		)
		e.publish(eventbus.SchedulerReset, ResetEvent{Reason: reason, Cleared: cleared, NextReset: next})

		t := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
			reason = ResetMidnight
		case <-sig.ctx.Done():
			t.Stop()
			// StopAll is running; loop again once it has installed a new signal.
			select {
			case <-ctx.Done():
				return nil
			case <-sig.renewed:
			}
			reason = ResetRestart
		}
	}
	return nil
}

// resetCompleted moves every Completed registration back to WaitingToStart.
func (e *Engine) resetCompleted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, r := range e.regs {
		if r.swapStatus(StatusCompleted, StatusWaitingToStart) {
			n++
		}
	}
	return n
}

// waitIdle polls until nothing is Running or Completed, clearing completions
// as they appear. It returns false if ctx ended first.
func (e *Engine) waitIdle(ctx context.Context, cleared *int) bool {
	t := time.NewTimer(e.cfg.ResetPollInterval)
	defer t.Stop()
	for {
		busy := false
		for _, r := range e.registrations() {
			switch r.getStatus() {
			case StatusCompleted:
				if r.swapStatus(StatusCompleted, StatusWaitingToStart) {
					*cleared++
				}
				busy = true
			case StatusRunning:
				busy = true
			}
		}
		if !busy {
			return true
		}
		t.Reset(e.cfg.ResetPollInterval)
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
}
