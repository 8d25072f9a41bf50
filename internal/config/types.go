package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls whether the engine starts on its own and which
	// timezone schedules are evaluated in.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Environment carries settings shared by every job.
	Environment EnvironmentConfig `json:"environment"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Metrics MetricsConfig  `json:"metrics,omitempty"`

	// Jobs defines what can run; Schedules defines when.
	// Every schedule entry must name a job.
	Jobs      []JobConfig     `json:"jobs"`
	Schedules []ScheduleEntry `json:"schedules"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile controls the JSON log file. Rotation is size based; files older
// than retention_days are deleted (default 60).
type LoggingFile struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	MaxSizeMB     int    `json:"max_size_mb,omitempty"`
	MaxBackups    int    `json:"max_backups,omitempty"`
	RetentionDays int    `json:"retention_days,omitempty"`
	Compress      bool   `json:"compress,omitempty"`
}

// SchedulerConfig controls the scheduling engine.
//
// Enabled is the auto-run switch: when false the daemon loads and validates
// everything but does not start any lane.
type SchedulerConfig struct {
	Enabled     bool   `json:"enabled"`
	Timezone    string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Taipei"
	HistorySize int    `json:"history_size,omitempty"`
}

// EnvironmentConfig holds settings shared by the fetch jobs.
//
// Defaults:
//   - initial_year: current year
//   - connection_interval: "1s" (pause between outbound requests)
//   - data_dir: "./data"
type EnvironmentConfig struct {
	InitialYear        int    `json:"initial_year,omitempty"`
	ConnectionInterval string `json:"connection_interval,omitempty"`
	DataDir            string `json:"data_dir,omitempty"`
}

// StorageConfig controls the run history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./secuintegrator.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// RetentionDays prunes run history older than this after each midnight
	// reset. 0 means 60; negative keeps everything.
	RetentionDays int `json:"retention_days,omitempty"`
}

// MetricsConfig controls the HTTP server exposing /metrics, /healthz,
// /status and (optionally) /debug/pprof/.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// Job kinds.
const (
	KindCommand  = "command"
	KindDownload = "download"
)

// JobConfig defines one job. Exactly one of Command/Download must be set,
// matching Kind.
type JobConfig struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Timeout string `json:"timeout,omitempty"` // Go duration; 0 means no per-run timeout

	Command  *CommandJobConfig  `json:"command,omitempty"`
	Download *DownloadJobConfig `json:"download,omitempty"`
}

type CommandJobConfig struct {
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
	Dir  string   `json:"dir,omitempty"`
	Env  []string `json:"env,omitempty"`
}

// DownloadJobConfig fetches one file per period from environment.initial_year
// up to today, skipping files that already exist.
//
// URL and Output are text/template strings with .Year, .Month, .Day and .Date
// (YYYYMMDD) available. Output is relative to environment.data_dir.
type DownloadJobConfig struct {
	URL          string            `json:"url"`
	Output       string            `json:"output"`
	Every        string            `json:"every"` // "day", "month" or "year"
	SkipWeekends bool              `json:"skip_weekends,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	RetryMax     int               `json:"retry_max,omitempty"` // default 3
}

// ScheduleEntry binds a job name to a schedule and an optional precondition.
type ScheduleEntry struct {
	Name         string              `json:"name"`
	Schedule     ScheduleConfig      `json:"schedule"`
	Precondition *PreconditionConfig `json:"precondition,omitempty"`
}

// ScheduleConfig is the file form of a schedule.
//
// Example:
//
//	"schedule": {
//	  "weekly_days": ["Monday", "Thursday"],
//	  "monthly_days": [10],
//	  "yearly_dates": ["01-02"],
//	  "execution_time": "07:30:00",
//	  "run_on_startup": true
//	}
type ScheduleConfig struct {
	WeeklyDays    []string `json:"weekly_days,omitempty"`
	MonthlyDays   []int    `json:"monthly_days,omitempty"`
	YearlyDates   []string `json:"yearly_dates,omitempty"` // "MM-DD"
	ExecutionTime string   `json:"execution_time,omitempty"`
	RunOnStartup  bool     `json:"run_on_startup,omitempty"`
}

type PreconditionConfig struct {
	TaskNames []string `json:"task_names"`
	Condition string   `json:"condition"` // "AllCompleted" or "AnyCompleted"
}
