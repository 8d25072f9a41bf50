package config

import (
	"reflect"
	"strings"

	logx "github.com/Bird73/SecuIntegrator24/pkg/logx"
)

// Config sections reported by SummarizeConfigChange.
const (
	SectionLogging     = "logging"
	SectionScheduler   = "scheduler"
	SectionEnvironment = "environment"
	SectionStorage     = "storage"
	SectionMetrics     = "metrics"
	SectionJobs        = "jobs"
	SectionSchedules   = "schedules"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		oldCfg.Scheduler.HistorySize != newCfg.Scheduler.HistorySize {
		changed = append(changed, SectionScheduler)
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.Environment != newCfg.Environment {
		changed = append(changed, SectionEnvironment)
		attrs = append(attrs,
			logx.Int("environment.initial_year", newCfg.Environment.InitialYear),
			logx.String("environment.connection_interval", newCfg.Environment.ConnectionInterval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, SectionStorage)
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, SectionMetrics)
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
			logx.Bool("metrics.token_set", strings.TrimSpace(newCfg.Metrics.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, SectionJobs)
		attrs = append(attrs, logx.Int("jobs.count", len(newCfg.Jobs)))
	}
	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, SectionSchedules)
		attrs = append(attrs, logx.Int("schedules.count", len(newCfg.Schedules)))
	}

	return changed, attrs
}

// NeedsEngineRebuild reports whether any changed section affects what the
// scheduling engine has registered or how it evaluates schedules.
func NeedsEngineRebuild(changed []string) bool {
	for _, s := range changed {
		switch s {
		case SectionScheduler, SectionEnvironment, SectionJobs, SectionSchedules:
			return true
		}
	}
	return false
}

// NeedsRestart reports sections that only take effect after a process restart.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if s == SectionStorage || s == SectionMetrics {
			out = append(out, s)
		}
	}
	return out
}
