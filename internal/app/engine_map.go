package app

import (
	"fmt"
	"strings"

	"github.com/Bird73/SecuIntegrator24/internal/eventbus"
	"github.com/Bird73/SecuIntegrator24/internal/jobs"
	"github.com/Bird73/SecuIntegrator24/internal/task/scheduler"
	logx "github.com/Bird73/SecuIntegrator24/pkg/logx"
)

// buildEngine creates an engine and registers every schedule entry in file
// order. Only the interval fields of timing are used. It does not start
// anything.
func buildEngine(cfg *Config, timing scheduler.Config, log logx.Logger, bus eventbus.Bus) (*scheduler.Engine, error) {
	catalogue, err := jobs.Build(cfg, log.With(logx.String("comp", "jobs")))
	if err != nil {
		return nil, err
	}

	sc := timing
	sc.Timezone = strings.TrimSpace(cfg.Scheduler.Timezone)
	sc.HistorySize = cfg.Scheduler.HistorySize
	eng := scheduler.New(sc, log.With(logx.String("comp", "scheduler")), bus)

	scheduled := make(map[string]bool, len(cfg.Schedules))
	for _, se := range cfg.Schedules {
		name := strings.TrimSpace(se.Name)
		job, ok := catalogue[name]
		if !ok {
			return nil, fmt.Errorf("schedules[%s]: no job named %q", name, name)
		}
		s, err := se.Schedule.ToSchedule()
		if err != nil {
			return nil, fmt.Errorf("schedules[%s].schedule: %w", name, err)
		}
		pre, err := se.Precondition.ToPrecondition()
		if err != nil {
			return nil, fmt.Errorf("schedules[%s].precondition: %w", name, err)
		}
		if err := eng.RegisterTask(job, s, pre); err != nil {
			return nil, err
		}
		scheduled[name] = true
	}

	for name := range catalogue {
		if !scheduled[name] {
			log.Warn("job has no schedule and will never run", logx.String("job", name))
		}
	}
	return eng, nil
}
