package app

import (
	"context"
	"time"

	"github.com/Bird73/SecuIntegrator24/internal/eventbus"
	"github.com/Bird73/SecuIntegrator24/internal/storage"
	"github.com/Bird73/SecuIntegrator24/internal/task/scheduler"
	logx "github.com/Bird73/SecuIntegrator24/pkg/logx"
)

func (a *App) consumeEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.handleEvent(ctx, e)
		}
	}
}

func (a *App) handleEvent(ctx context.Context, e eventbus.Event) {
	// Keep this debug-level to avoid noise.
	a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))

	if a.metrics != nil {
		a.metrics.Observe(e)
	}

	switch e.Type {
	case eventbus.TaskFinished, eventbus.TaskFailed, eventbus.TaskCancelled:
		te, ok := e.Data.(scheduler.TaskEvent)
		if !ok || a.store == nil {
			return
		}
		rec := storage.RunRecord{
			ID:       te.ID,
			Task:     te.Name,
			Started:  te.Started,
			Finished: te.Started.Add(te.Duration),
			Outcome:  te.Outcome,
			Error:    te.Error,
			TookMS:   te.Duration.Milliseconds(),
		}
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.store.AppendRun(wctx, rec); err != nil {
			a.log.Warn("run history write failed", logx.String("task", te.Name), logx.Err(err))
		}

	case eventbus.SchedulerReset:
		re, ok := e.Data.(scheduler.ResetEvent)
		if !ok {
			return
		}
		a.log.Info("daily reset", logx.String("reason", re.Reason), logx.Int("cleared", re.Cleared), logx.Time("next_reset", re.NextReset))
		if re.Reason == scheduler.ResetMidnight {
			a.dailyHousekeeping(ctx, e.Time)
		}
	}
}

// dailyHousekeeping closes the day: it reports and zeroes the log counters
// and prunes old run history.
func (a *App) dailyHousekeeping(ctx context.Context, now time.Time) {
	if a.logs != nil {
		c := a.logs.ResetCounts()
		a.log.Info("daily log summary",
			logx.Uint64("info", c.Info),
			logx.Uint64("warning", c.Warning),
			logx.Uint64("error", c.Error),
		)
	}

	keep := runRetention(a.cfgm.Get())
	if a.store == nil || keep <= 0 {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := a.store.Prune(pctx, now.Add(-keep))
	if err != nil {
		a.log.Warn("run history prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		a.log.Info("run history pruned", logx.Int("removed", n), logx.Duration("retention", keep))
	}
}
