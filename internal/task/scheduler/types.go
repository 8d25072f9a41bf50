package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls engine timing.
//
// Only Timezone and HistorySize come from the config file. The interval
// fields exist so tests can run the engine on a compressed clock; zero means
// the production default.
type Config struct {
	Timezone    string // IANA TZ, e.g. "Asia/Taipei"; empty means Local
	HistorySize int

	PollInterval      time.Duration // lane poll (default 2s)
	StartupDelay      time.Duration // RunOnStartup delay (default 3s)
	StopTimeout       time.Duration // per-lane join in StopAll (default 5s)
	ResetPollInterval time.Duration // reset lane wait-for-idle poll (default 1s)
}

const (
	defaultPollInterval      = 2 * time.Second
	defaultStartupDelay      = 3 * time.Second
	defaultStopTimeout       = 5 * time.Second
	defaultResetPollInterval = time.Second
	defaultHistorySize       = 200
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.StartupDelay <= 0 {
		c.StartupDelay = defaultStartupDelay
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.ResetPollInterval <= 0 {
		c.ResetPollInterval = defaultResetPollInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Job is a schedulable unit of work.
//
// Run is invoked synchronously on the registration's lane with the engine's
// shared cancellation context. Jobs are expected to return promptly once ctx
// is done; the engine never pre-empts a running job.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	N  string
	Fn func(ctx context.Context) error
}

func (j JobFunc) Name() string { return j.N }

func (j JobFunc) Run(ctx context.Context) error {
	if j.Fn == nil {
		return nil
	}
	return j.Fn(ctx)
}

// Outcome is how a single Run call ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
	OutcomeFaulted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// OutcomeOf maps a Run error to an Outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCompleted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	default:
		return OutcomeFaulted
	}
}

// Status is the lifecycle state of a registration.
type Status int32

const (
	StatusWaitingToStart Status = iota
	StatusRunning
	StatusCompleted
	StatusCancelled
	StatusFaulted
)

func (s Status) String() string {
	switch s {
	case StatusWaitingToStart:
		return "WaitingToStart"
	case StatusRunning:
		return "Running"
	case StatusCompleted:
		return "Completed"
	case StatusCancelled:
		return "Cancelled"
	case StatusFaulted:
		return "Faulted"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// TimeOfDay is a wall-clock time applied to every computed trigger date.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60 && t.Second >= 0 && t.Second < 60
}

// YearlyDate is a (month, day) pair that triggers once per year.
type YearlyDate struct {
	Month time.Month
	Day   int
}

func (d YearlyDate) String() string { return fmt.Sprintf("%02d-%02d", int(d.Month), d.Day) }

// Schedule describes when a job fires. The three recurrence families combine
// with union semantics; all of them may be empty.
type Schedule struct {
	WeeklyDays    []time.Weekday
	MonthlyDays   []int
	YearlyDates   []YearlyDate
	ExecutionTime TimeOfDay
	RunOnStartup  bool
}

// Validate rejects values that can never describe a calendar slot.
// Dates that exist only in some months or years (31, Feb 29) are accepted.
func (s Schedule) Validate() error {
	if !s.ExecutionTime.valid() {
		return fmt.Errorf("%w: execution time %s out of range", ErrInvalidSchedule, s.ExecutionTime)
	}
	for _, d := range s.WeeklyDays {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: weekday %d out of range", ErrInvalidSchedule, int(d))
		}
	}
	for _, d := range s.MonthlyDays {
		if d < 1 || d > 31 {
			return fmt.Errorf("%w: monthly day %d out of range", ErrInvalidSchedule, d)
		}
	}
	for _, d := range s.YearlyDates {
		if d.Month < time.January || d.Month > time.December {
			return fmt.Errorf("%w: yearly date %s: month out of range", ErrInvalidSchedule, d)
		}
		if d.Day < 1 || d.Day > daysIn(d.Month, 2024) {
			return fmt.Errorf("%w: yearly date %s: day out of range", ErrInvalidSchedule, d)
		}
	}
	return nil
}

// Condition is the rule a Precondition applies to its referenced jobs.
type Condition int

const (
	AllCompleted Condition = iota
	AnyCompleted
)

func (c Condition) String() string {
	switch c {
	case AllCompleted:
		return "AllCompleted"
	case AnyCompleted:
		return "AnyCompleted"
	default:
		return fmt.Sprintf("Condition(%d)", int(c))
	}
}

// ParseCondition accepts the names produced by Condition.String (case-insensitive).
func ParseCondition(s string) (Condition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allcompleted", "all":
		return AllCompleted, nil
	case "anycompleted", "any":
		return AnyCompleted, nil
	default:
		return 0, fmt.Errorf("%w: unknown condition %q", ErrInvalidCondition, s)
	}
}

// Precondition gates a registration on the status of other registrations.
// Names that do not match a registered job are ignored.
type Precondition struct {
	TaskNames []string
	Condition Condition
}

func (p Precondition) Validate() error {
	if len(p.TaskNames) == 0 {
		return fmt.Errorf("%w: task_names is empty", ErrInvalidCondition)
	}
	for _, n := range p.TaskNames {
		if strings.TrimSpace(n) == "" {
			return fmt.Errorf("%w: empty task name", ErrInvalidCondition)
		}
	}
	if p.Condition != AllCompleted && p.Condition != AnyCompleted {
		return fmt.Errorf("%w: %s", ErrInvalidCondition, p.Condition)
	}
	return nil
}

// registration binds a job to its schedule. status is the only field shared
// across lanes; it is read without the engine lock.
type registration struct {
	name     string
	job      Job
	schedule Schedule
	pre      *Precondition

	status atomic.Int32

	// Diagnostics only.
	mu          sync.Mutex
	next        time.Time
	lastStart   time.Time
	lastDur     time.Duration
	lastOutcome Outcome
	lastErr     string
	runs        uint64
}

func (r *registration) getStatus() Status  { return Status(r.status.Load()) }
func (r *registration) setStatus(s Status) { r.status.Store(int32(s)) }

func (r *registration) swapStatus(from, to Status) bool {
	return r.status.CompareAndSwap(int32(from), int32(to))
}

func (r *registration) setNext(t time.Time) {
	r.mu.Lock()
	r.next = t
	r.mu.Unlock()
}

// HistoryItem records one Run call.
type HistoryItem struct {
	ID       string
	Name     string
	Started  time.Time
	Duration time.Duration
	Outcome  Outcome
	Error    string
}

// TaskEvent is the payload of task.* events on the bus.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  string        `json:"outcome,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// LaneEvent is the payload of lane.* events on the bus.
type LaneEvent struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ResetEvent is the payload of scheduler.reset.
type ResetEvent struct {
	Reason    string    `json:"reason"`
	Cleared   int       `json:"cleared"`
	NextReset time.Time `json:"next_reset"`
}

// TaskInfo is the per-registration part of Snapshot.
type TaskInfo struct {
	Name         string
	Status       Status
	Next         time.Time // zero means never
	LastStart    time.Time
	LastDuration time.Duration
	LastOutcome  string
	LastError    string
	Runs         uint64
	Precondition *Precondition
}

type Snapshot struct {
	Running      bool
	ResetRunning bool
	Timezone     string
	Tasks        []TaskInfo
	History      []HistoryItem
}
