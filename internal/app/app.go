package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/Bird73/SecuIntegrator24/internal/config"
	"github.com/Bird73/SecuIntegrator24/internal/eventbus"
	"github.com/Bird73/SecuIntegrator24/internal/observability/metrics"
	"github.com/Bird73/SecuIntegrator24/internal/storage"
	"github.com/Bird73/SecuIntegrator24/internal/task/scheduler"
	logx "github.com/Bird73/SecuIntegrator24/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	metrics *metrics.Metrics
	server  *metrics.Server

	// timing overrides the engine's poll/startup/stop intervals (tests only).
	timing scheduler.Config

	mu  sync.RWMutex
	eng *scheduler.Engine
}

// Option customises NewApp.
type Option func(*App)

// WithEngineTiming overrides the engine intervals. Only the interval fields
// of c are used.
func WithEngineTiming(c scheduler.Config) Option {
	return func(a *App) { a.timing = c }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
	}
	for _, o := range opts {
		o(a)
	}

	// Storage (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.metrics = metrics.New(metrics.Sources{
		Tasks: func() []scheduler.TaskInfo {
			if eng := a.engine(); eng != nil {
				return eng.Snapshot().Tasks
			}
			return nil
		},
		BusDropped: a.bus.Dropped,
		LogCounts:  logSvc.Counts,
	})
	mcfg, enabled, err := mapMetricsConfig(cfg)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	if enabled {
		a.server = metrics.NewServer(mcfg, metrics.Handlers{
			Registry: a.metrics.Registry(),
			Status:   func() any { return a.status() },
			Healthy:  a.healthy,
		}, log)
	}

	eng, err := a.newEngine(cfg)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	a.eng = eng
	return a, nil
}

func (a *App) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
}

func (a *App) newEngine(cfg *Config) (*scheduler.Engine, error) {
	return buildEngine(cfg, a.timing, a.log, a.bus)
}

func (a *App) engine() *scheduler.Engine {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.eng
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapMetricsConfig(cfg); err != nil {
			return err
		}
		// Dry run: registration catches what Validate cannot.
		_, err := buildEngine(cfg, a.timing, logx.Nop(), eventbus.Nop{})
		return err
	})

	// Subscribe before the engine starts so no run is missed.
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.consume", func(c context.Context) {
		defer unsub()
		a.consumeEvents(c, events)
	})

	if err := a.startEngine(runCtx, a.engine(), a.cfgm.Get()); err != nil {
		return err
	}

	if a.server != nil {
		a.server.Start(runCtx)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.watchdog)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// startEngine starts the daily reset lane and, when auto-run is on, every task lane.
func (a *App) startEngine(ctx context.Context, eng *scheduler.Engine, cfg *Config) error {
	if cfg.Scheduler.Enabled {
		if err := eng.StartAll(ctx); err != nil {
			return fmt.Errorf("start lanes: %w", err)
		}
	} else {
		a.log.Info("auto-run disabled (scheduler.enabled=false); lanes not started")
	}
	if err := eng.StartDailyReset(ctx); err != nil {
		return fmt.Errorf("start daily reset: %w", err)
	}
	return nil
}

func (a *App) healthy() error {
	if a.sup != nil && a.sup.Context().Err() != nil {
		return errors.New("app stopping")
	}
	eng := a.engine()
	if eng == nil {
		return errors.New("no scheduler")
	}
	if cfg := a.cfgm.Get(); cfg != nil && cfg.Scheduler.Enabled && !eng.Running() {
		return errors.New("scheduler not running")
	}
	return nil
}

type statusView struct {
	Config    string             `json:"config"`
	AutoRun   bool               `json:"auto_run"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
	Lanes     SupervisorSnapshot `json:"lanes"`
	App       SupervisorSnapshot `json:"goroutines"`
	Logs      logx.Counts        `json:"logs"`
	Dropped   uint64             `json:"events_dropped"`
}

func (a *App) status() statusView {
	v := statusView{Config: a.cfgPath, Dropped: a.bus.Dropped(), Logs: a.logs.Counts()}
	if cfg := a.cfgm.Get(); cfg != nil {
		v.AutoRun = cfg.Scheduler.Enabled
	}
	if eng := a.engine(); eng != nil {
		v.Scheduler = eng.Snapshot()
		v.Lanes = eng.LaneStats()
	}
	if a.sup != nil {
		v.App = a.sup.Snapshot()
	}
	return v
}

// swapEngine stops the current engine and starts one built from cfg.
// On a build error the current engine keeps running.
func (a *App) swapEngine(ctx context.Context, cfg *Config) error {
	next, err := a.newEngine(cfg)
	if err != nil {
		return err
	}

	a.mu.Lock()
	prev := a.eng
	a.eng = next
	a.mu.Unlock()

	if prev != nil {
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := prev.Close(cctx)
		cancel()
		if err != nil {
			a.log.Warn("previous scheduler did not close cleanly", logx.Err(err))
		}
		if busy := a.waitDrained(ctx, prev, drainTimeout); len(busy) > 0 {
			a.log.Warn("jobs of the previous scheduler are still running; runs may overlap",
				logx.String("tasks", strings.Join(busy, ",")))
		}
	}
	return a.startEngine(ctx, next, cfg)
}

// drainTimeout bounds how long a reload waits for jobs the previous engine
// could not stop.
const drainTimeout = 2 * time.Minute

// waitDrained polls eng until none of its tasks is Running, for at most max.
// It returns the tasks still running when it gives up.
func (a *App) waitDrained(ctx context.Context, eng *scheduler.Engine, max time.Duration) []string {
	running := func() []string {
		var names []string
		for _, it := range eng.Snapshot().Tasks {
			if it.Status == scheduler.StatusRunning {
				names = append(names, it.Name)
			}
		}
		return names
	}

	busy := running()
	if len(busy) == 0 {
		return nil
	}
	a.log.Info("waiting for running jobs before starting the new scheduler",
		logx.String("tasks", strings.Join(busy, ",")), logx.Duration("max", max))

	deadline := time.NewTimer(max)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return running()
		case <-deadline.C:
			return running()
		case <-tick.C:
			if busy = running(); len(busy) == 0 {
				return nil
			}
		}
	}
}

func (a *App) reloadLoop(c context.Context, sub chan *Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, prev, next *Config) {
	sections, attrs := SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if r := config.NeedsRestart(sections); len(r) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(r, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))

	if config.NeedsEngineRebuild(sections) {
		if err := a.swapEngine(c, next); err != nil {
			a.log.Error("scheduler rebuild failed", logx.Err(err))
		} else {
			a.log.Info("scheduler rebuilt", logx.Int("tasks", len(next.Schedules)), logx.Bool("auto_run", next.Scheduler.Enabled))
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		a.stopStep(ctx, name, max, fn)
	}

	// Lanes may take StopTimeout each; give the scheduler the biggest share.
	step("scheduler", 10*time.Second, func(c context.Context) error {
		if eng := a.engine(); eng != nil {
			return eng.Close(c)
		}
		return nil
	})
	step("metrics", time.Second, func(c context.Context) error {
		if a.server != nil {
			return a.server.Stop(c)
		}
		return nil
	})
	// Wait for supervised goroutines (event consumer, config watch/reload) before closing the store they write to.
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	if a.logs != nil {
		c := a.logs.Counts()
		a.log.Info("stopped", logx.Uint64("warning", c.Warning), logx.Uint64("error", c.Error))
		_ = a.logs.Close()
	} else {
		a.log.Info("stopped")
	}
	return nil
}

// stopStep runs one shutdown step with an upper bound so one component can't stall the whole stop.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
