package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Bird73/SecuIntegrator24/internal/eventbus"
	"github.com/Bird73/SecuIntegrator24/internal/runtime/supervisor"
	logx "github.com/Bird73/SecuIntegrator24/pkg/logx"
)

// Engine owns a set of registrations and the lanes that run them.
type Engine struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	bus eventbus.Bus
	loc *time.Location

	now  func() time.Time
	calc func(Schedule, time.Time) time.Time

	regs   []*registration
	byName map[string]*registration

	sig    *signal
	gen    *generation
	reset  *supervisor.Supervisor
	closed bool

	hmu     sync.Mutex
	history []HistoryItem

	gateLog *logx.Throttle
}

// signal is the shared cancellation of one start/stop cycle. renewed is
// closed once StopAll has installed the replacement.
type signal struct {
	ctx     context.Context
	cancel  context.CancelFunc
	renewed chan struct{}
}

func newSignal() *signal {
	ctx, cancel := context.WithCancel(context.Background())
	return &signal{ctx: ctx, cancel: cancel, renewed: make(chan struct{})}
}

// generation is the set of lanes launched by one StartAll.
type generation struct {
	sup       *supervisor.Supervisor
	lanes     []lane
	stopAfter func() bool
}

type lane struct {
	reg  *registration
	done <-chan struct{}
}

func laneName(task string) string { return "lane:" + task }

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		now:     time.Now,
		calc:    NextRunTime,
		byName:  map[string]*registration{},
		sig:     newSignal(),
		gateLog: logx.NewThrottle(time.Minute),
	}
	e.loc = loadLocation(cfg.Timezone, log)
	return e
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Any("err", err))
		return time.Local
	}
	return loc
}

// Location is the zone schedules are evaluated in.
func (e *Engine) Location() *time.Location { return e.loc }

// RegisterTask adds a job in WaitingToStart. Registrations are fixed while
// lanes are running; call it before StartAll or after StopAll.
func (e *Engine) RegisterTask(job Job, s Schedule, pre *Precondition) error {
	if job == nil {
		return ErrNilJob
	}
	name := strings.TrimSpace(job.Name())
	if name == "" {
		return ErrEmptyName
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("register %q: %w", name, err)
	}
	if pre != nil {
		if err := pre.Validate(); err != nil {
			return fmt.Errorf("register %q: %w", name, err)
		}
	}

	r := &registration{
		name: name,
		job:  job,
		schedule: Schedule{
			WeeklyDays:    append([]time.Weekday(nil), s.WeeklyDays...),
			MonthlyDays:   append([]int(nil), s.MonthlyDays...),
			YearlyDates:   append([]YearlyDate(nil), s.YearlyDates...),
			ExecutionTime: s.ExecutionTime,
			RunOnStartup:  s.RunOnStartup,
		},
	}
	if pre != nil {
		r.pre = &Precondition{TaskNames: append([]string(nil), pre.TaskNames...), Condition: pre.Condition}
	}
	r.setStatus(StatusWaitingToStart)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.gen != nil {
		return fmt.Errorf("register %q: %w", name, ErrRunning)
	}
	if _, dup := e.byName[name]; dup {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateName)
	}
	e.regs = append(e.regs, r)
	e.byName[name] = r
	e.log.Debug("task registered",
		logx.String("task", name),
		logx.String("at", s.ExecutionTime.String()),
		logx.Bool("run_on_startup", s.RunOnStartup),
		logx.Bool("precondition", pre != nil),
	)
	return nil
}

// StartAll launches one lane per registration. Lanes end when StopAll raises
// the shared signal or when ctx is done. Calling it while running is a no-op.
func (e *Engine) StartAll(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.gen != nil {
		return nil
	}

	byLane := make(map[string]*registration, len(e.regs))
	for _, r := range e.regs {
		byLane[laneName(r.name)] = r
	}
	gen := &generation{}
	gen.sup = supervisor.New(e.sig.ctx,
		supervisor.WithLogger(e.log.With(logx.String("comp", "lanes"))),
		supervisor.WithPanicHook(func(name string, p any) {
			if r := byLane[name]; r != nil {
				e.laneFaulted(r, p)
			}
		}),
	)

	launched := 0
	for _, r := range e.regs {
		if err := e.launchLane(gen, r); err != nil {
			e.log.Error("failed to start task", logx.String("task", r.name), logx.Err(err))
			continue
		}
		launched++
	}
	gen.stopAfter = context.AfterFunc(ctx, gen.sup.Cancel)
	e.gen = gen

	e.log.Info("lanes started", logx.Int("tasks", launched), logx.String("tz", e.loc.String()))
	return nil
}

func (e *Engine) launchLane(gen *generation, r *registration) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("launch lane: %v", p)
		}
	}()

	g := resolveGate(r.pre, e.byName)
	first := e.firstFireTime(r)
	r.setNext(first)
	done := gen.sup.Go(laneName(r.name), func(ctx context.Context) error {
		return e.runLane(ctx, r, g, first)
	})
	gen.lanes = append(gen.lanes, lane{reg: r, done: done})
	return nil
}

// StopAll raises the shared signal and waits up to StopTimeout for each lane.
// Lanes that end in time become Cancelled; a lane still blocked in a job keeps
// its status and is reported with a warning. A fresh signal is installed
// afterwards so StartAll can run again.
func (e *Engine) StopAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	start := time.Now()
	old := e.sig
	old.cancel()

	gen := e.gen
	e.gen = nil
	stopped, stuck := 0, 0
	if gen != nil {
		gen.stopAfter()
		for _, l := range gen.lanes {
			if e.joinLane(l) {
				stopped++
			} else {
				stuck++
			}
		}
	}

	e.sig = newSignal()
	close(old.renewed)

	if gen != nil {
		e.log.Info("lanes stopped", logx.Int("stopped", stopped), logx.Int("timed_out", stuck), logx.Duration("took", time.Since(start)))
	}
}

func (e *Engine) joinLane(l lane) bool {
	t := time.NewTimer(e.cfg.StopTimeout)
	defer t.Stop()
	select {
	case <-l.done:
		l.reg.setStatus(StatusCancelled)
		e.publish(eventbus.LaneStopped, LaneEvent{Name: l.reg.name, Status: StatusCancelled.String()})
		return true
	case <-t.C:
		st := l.reg.getStatus()
		e.log.Warn("task did not stop within the timeout period",
			logx.String("task", l.reg.name),
			logx.String("status", st.String()),
			logx.Duration("timeout", e.cfg.StopTimeout),
		)
		e.publish(eventbus.LaneStopped, LaneEvent{Name: l.reg.name, Status: st.String(), Reason: "timeout"})
		return false
	}
}

// Running reports whether lanes are live.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen != nil
}

// Status returns the current status of the named registration.
func (e *Engine) Status(name string) (Status, bool) {
	e.mu.Lock()
	r := e.byName[name]
	e.mu.Unlock()
	if r == nil {
		return 0, false
	}
	return r.getStatus(), true
}

// Close stops all lanes and the daily reset lane. The engine cannot be
// restarted afterwards.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.stopLocked()
	rs := e.reset
	e.reset = nil
	e.mu.Unlock()

	if rs != nil {
		return rs.Stop(ctx)
	}
	return nil
}

func (e *Engine) registrations() []*registration {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*registration, len(e.regs))
	copy(out, e.regs)
	return out
}

func (e *Engine) currentSignal() *signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sig
}

func (e *Engine) publish(typ string, data any) {
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: data})
}

func (e *Engine) appendHistory(it HistoryItem) {
	e.hmu.Lock()
	e.history = append(e.history, it)
	if len(e.history) > e.cfg.HistorySize {
		e.history = e.history[len(e.history)-e.cfg.HistorySize:]
	}
	e.hmu.Unlock()
}
