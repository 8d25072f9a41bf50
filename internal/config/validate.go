package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	logx "github.com/Bird73/SecuIntegrator24/pkg/logx"
)

// Validate checks cross-field rules that the strict decoder cannot express.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, a ...any) { errs = append(errs, fmt.Errorf(format, a...)) }

	if !logx.ValidLevel(cfg.Logging.Level) {
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.File.RetentionDays < 0 || cfg.Logging.File.MaxSizeMB < 0 || cfg.Logging.File.MaxBackups < 0 {
		add("logging.file: sizes and retention must be >= 0")
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: %v", err)
		}
	}
	if cfg.Scheduler.HistorySize < 0 {
		add("scheduler.history_size must be >= 0")
	}

	if y := cfg.Environment.InitialYear; y != 0 && (y < 1990 || y > time.Now().Year()) {
		add("environment.initial_year: %d out of range", y)
	}
	if _, err := ParseDurationField("environment.connection_interval", cfg.Environment.ConnectionInterval); err != nil {
		errs = append(errs, err)
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			add("storage.driver: unknown driver %q", st.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"metrics.read_timeout", cfg.Metrics.ReadTimeout},
		{"metrics.write_timeout", cfg.Metrics.WriteTimeout},
		{"metrics.idle_timeout", cfg.Metrics.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}

	jobs := make(map[string]struct{}, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			add("%s.name is empty", path)
			continue
		}
		path = fmt.Sprintf("jobs[%s]", name)
		if _, dup := jobs[name]; dup {
			add("%s: duplicate job name", path)
		}
		jobs[name] = struct{}{}
		if _, err := ParseDurationField(path+".timeout", j.Timeout); err != nil {
			errs = append(errs, err)
		}
		if err := validateJob(path, j); err != nil {
			errs = append(errs, err)
		}
	}

	scheduled := make(map[string]struct{}, len(cfg.Schedules))
	for i, s := range cfg.Schedules {
		name := strings.TrimSpace(s.Name)
		path := fmt.Sprintf("schedules[%d]", i)
		if name == "" {
			add("%s.name is empty", path)
			continue
		}
		path = fmt.Sprintf("schedules[%s]", name)
		if _, ok := jobs[name]; !ok {
			add("%s: no job named %q", path, name)
		}
		if _, dup := scheduled[name]; dup {
			add("%s: duplicate schedule", path)
		}
		scheduled[name] = struct{}{}
		if _, err := s.Schedule.ToSchedule(); err != nil {
			add("%s.schedule: %w", path, err)
		}
		if _, err := s.Precondition.ToPrecondition(); err != nil {
			add("%s.precondition: %w", path, err)
		}
	}

	return errors.Join(errs...)
}

func validateJob(path string, j JobConfig) error {
	switch strings.ToLower(strings.TrimSpace(j.Kind)) {
	case KindCommand:
		if j.Command == nil || strings.TrimSpace(j.Command.Path) == "" {
			return fmt.Errorf("%s.command.path is required", path)
		}
		if j.Download != nil {
			return fmt.Errorf("%s: download block set on a command job", path)
		}
	case KindDownload:
		d := j.Download
		if d == nil {
			return fmt.Errorf("%s.download is required", path)
		}
		if j.Command != nil {
			return fmt.Errorf("%s: command block set on a download job", path)
		}
		if strings.TrimSpace(d.URL) == "" || strings.TrimSpace(d.Output) == "" {
			return fmt.Errorf("%s.download: url and output are required", path)
		}
		if u, err := url.Parse(strings.SplitN(d.URL, "{{", 2)[0]); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%s.download.url: want an http(s) URL", path)
		}
		switch strings.ToLower(strings.TrimSpace(d.Every)) {
		case "day", "month", "year":
		default:
			return fmt.Errorf("%s.download.every: want day, month or year, got %q", path, d.Every)
		}
		if d.RetryMax < 0 {
			return fmt.Errorf("%s.download.retry_max must be >= 0", path)
		}
	default:
		return fmt.Errorf("%s.kind: unknown kind %q", path, j.Kind)
	}
	return nil
}
