package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Bird73/SecuIntegrator24/internal/eventbus"
	logx "github.com/Bird73/SecuIntegrator24/pkg/logx"
)

func testConfig() Config {
	return Config{
		PollInterval:      5 * time.Millisecond,
		StartupDelay:      10 * time.Millisecond,
		StopTimeout:       200 * time.Millisecond,
		ResetPollInterval: 5 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	e := New(cfg, logx.Nop(), bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e, bus
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func statusIs(e *Engine, name string, want Status) func() bool {
	return func() bool {
		st, _ := e.Status(name)
		return st == want
	}
}

func startup() Schedule { return Schedule{RunOnStartup: true} }

// blockingJob runs until release is closed, ignoring ctx.
func blockingJob(name string, started chan<- struct{}, release <-chan struct{}) Job {
	return JobFunc{N: name, Fn: func(context.Context) error {
		if started != nil {
			started <- struct{}{}
		}
		<-release
		return nil
	}}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRegisterTaskErrors(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, testConfig())
	noop := JobFunc{N: "a"}

	if err := e.RegisterTask(nil, Schedule{}, nil); !errors.Is(err, ErrNilJob) {
		t.Fatalf("nil job: err = %v", err)
	}
	if err := e.RegisterTask(JobFunc{N: "  "}, Schedule{}, nil); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("empty name: err = %v", err)
	}
	if err := e.RegisterTask(noop, Schedule{MonthlyDays: []int{32}}, nil); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("bad schedule: err = %v", err)
	}
	if err := e.RegisterTask(noop, Schedule{}, &Precondition{}); !errors.Is(err, ErrInvalidCondition) {
		t.Fatalf("bad precondition: err = %v", err)
	}
	if err := e.RegisterTask(noop, Schedule{}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.RegisterTask(noop, Schedule{}, nil); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate: err = %v", err)
	}

	if err := e.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := e.RegisterTask(JobFunc{N: "b"}, Schedule{}, nil); !errors.Is(err, ErrRunning) {
		t.Fatalf("while running: err = %v", err)
	}
	e.StopAll()
	if err := e.RegisterTask(JobFunc{N: "b"}, Schedule{}, nil); err != nil {
		t.Fatalf("after StopAll: %v", err)
	}

	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.RegisterTask(JobFunc{N: "c"}, Schedule{}, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("after Close: err = %v", err)
	}
	if err := e.StartAll(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("StartAll after Close: err = %v", err)
	}
}

func TestRunOnStartupFiresOnce(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, testConfig())
	var mu sync.Mutex
	runs := 0
	job := JobFunc{N: "x", Fn: func(context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	}}
	if err := e.RegisterTask(job, startup(), nil); err != nil {
		t.Fatal(err)
	}
	if err := e.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "x completed", statusIs(e, "x", StatusCompleted))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Fatalf("runs = %d, want 1", runs)
	}
}

func TestPreconditionAllCompleted(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, testConfig())
	relA, relB := make(chan struct{}), make(chan struct{})
	t.Cleanup(func() {
		select {
		case <-relB:
		default:
			close(relB)
		}
	})
	must(t, e.RegisterTask(blockingJob("a", nil, relA), startup(), nil))
	must(t, e.RegisterTask(blockingJob("b", nil, relB), startup(), nil))
	must(t, e.RegisterTask(JobFunc{N: "c"}, startup(), &Precondition{TaskNames: []string{"a", "b"}, Condition: AllCompleted}))
	must(t, e.StartAll(context.Background()))

	close(relA)
	waitFor(t, "a completed", statusIs(e, "a", StatusCompleted))
	time.Sleep(50 * time.Millisecond)
	if st, _ := e.Status("c"); st != StatusWaitingToStart {
		t.Fatalf("c status = %v before b completed", st)
	}

	close(relB)
	waitFor(t, "c completed", statusIs(e, "c", StatusCompleted))
}

func TestPreconditionAnyCompleted(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, testConfig())
	relA, relB := make(chan struct{}), make(chan struct{})
	t.Cleanup(func() { close(relB) })
	must(t, e.RegisterTask(blockingJob("a", nil, relA), startup(), nil))
	must(t, e.RegisterTask(blockingJob("b", nil, relB), startup(), nil))
	must(t, e.RegisterTask(JobFunc{N: "c"}, startup(), &Precondition{TaskNames: []string{"a", "b"}, Condition: AnyCompleted}))
	must(t, e.StartAll(context.Background()))

	time.Sleep(50 * time.Millisecond)
	if st, _ := e.Status("c"); st != StatusWaitingToStart {
		t.Fatalf("c status = %v before any dependency completed", st)
	}
	close(relA)
	waitFor(t, "c completed", statusIs(e, "c", StatusCompleted))
	if st, _ := e.Status("b"); st != StatusRunning {
		t.Fatalf("b status = %v, want Running", st)
	}
}

func TestPreconditionUnknownNames(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, testConfig())
	must(t, e.RegisterTask(JobFunc{N: "all"}, startup(), &Precondition{TaskNames: []string{"ghost"}, Condition: AllCompleted}))
	must(t, e.RegisterTask(JobFunc{N: "any"}, startup(), &Precondition{TaskNames: []string{"ghost"}, Condition: AnyCompleted}))
	must(t, e.StartAll(context.Background()))

	waitFor(t, "all completed", statusIs(e, "all", StatusCompleted))
	if st, _ := e.Status("any"); st != StatusWaitingToStart {
		t.Fatalf("any status = %v, want WaitingToStart", st)
	}
}

func TestOutcomeRecordedButStatusCompleted(t *testing.T) {
	t.Parallel()

	e, bus := newTestEngine(t, testConfig())
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	boom := errors.New("boom")
	must(t, e.RegisterTask(JobFunc{N: "fail", Fn: func(context.Context) error { return boom }}, startup(), nil))
	must(t, e.RegisterTask(JobFunc{N: "cancel", Fn: func(context.Context) error { return context.Canceled }}, startup(), nil))
	must(t, e.StartAll(context.Background()))

	waitFor(t, "fail completed", statusIs(e, "fail", StatusCompleted))
	waitFor(t, "cancel completed", statusIs(e, "cancel", StatusCompleted))

	got := map[string]string{}
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-ch:
			if te, ok := ev.Data.(TaskEvent); ok && ev.Type != eventbus.TaskStarted {
				got[te.Name] = ev.Type
			}
		case <-timeout:
			t.Fatalf("events = %v", got)
		}
	}
	if got["fail"] != eventbus.TaskFailed || got["cancel"] != eventbus.TaskCancelled {
		t.Fatalf("events = %v", got)
	}

	snap := e.Snapshot()
	outcomes := map[string]Outcome{}
	for _, h := range snap.History {
		outcomes[h.Name] = h.Outcome
	}
	if outcomes["fail"] != OutcomeFaulted || outcomes["cancel"] != OutcomeCancelled {
		t.Fatalf("history outcomes = %v", outcomes)
	}
}

func TestDailyResetClearsCompleted(t *testing.T) {
	t.Parallel()

	e, bus := newTestEngine(t, testConfig())
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	must(t, e.RegisterTask(JobFunc{N: "x"}, startup(), nil))
	must(t, e.StartAll(context.Background()))
	waitFor(t, "x completed", statusIs(e, "x", StatusCompleted))

	must(t, e.StartDailyReset(context.Background()))
	waitFor(t, "x reset", statusIs(e, "x", StatusWaitingToStart))

	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type != eventbus.SchedulerReset {
				continue
			}
			re := ev.Data.(ResetEvent)
			if re.Reason != ResetStartup || re.Cleared != 1 || !re.NextReset.After(time.Now()) {
				t.Fatalf("reset event = %+v", re)
			}
			return
		case <-timeout:
			t.Fatal("no scheduler.reset event")
		}
	}
}

func TestDailyResetSurvivesStopAll(t *testing.T) {
	t.Parallel()

	e, bus := newTestEngine(t, testConfig())
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	must(t, e.RegisterTask(JobFunc{N: "x"}, Schedule{MonthlyDays: []int{1}}, nil))
	must(t, e.StartDailyReset(context.Background()))
	waitReset := func(reason string) {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case ev := <-ch:
				if ev.Type == eventbus.SchedulerReset && ev.Data.(ResetEvent).Reason == reason {
					return
				}
			case <-timeout:
				t.Fatalf("no %s reset cycle", reason)
			}
		}
	}
	waitReset(ResetStartup)

	must(t, e.StartAll(context.Background()))
	e.StopAll()
	waitReset(ResetRestart)
}

func TestStopAllIdleMarksCancelled(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, testConfig())
	must(t, e.RegisterTask(JobFunc{N: "a"}, Schedule{MonthlyDays: []int{1}}, nil))
	must(t, e.RegisterTask(JobFunc{N: "b"}, Schedule{YearlyDates: []YearlyDate{{time.January, 1}}}, nil))
	must(t, e.StartAll(context.Background()))

	start := time.Now()
	e.StopAll()
	if took := time.Since(start); took > 150*time.Millisecond {
		t.Fatalf("StopAll took %v on idle lanes", took)
	}
	for _, n := range []string{"a", "b"} {
		if st, _ := e.Status(n); st != StatusCancelled {
			t.Fatalf("%s status = %v, want Cancelled", n, st)
		}
	}
	if e.Running() {
		t.Fatal("Running() = true after StopAll")
	}
	must(t, e.StartAll(context.Background()))
	if !e.Running() {
		t.Fatal("StartAll after StopAll did not start lanes")
	}
}

func TestStopAllBlockedLaneKeepsStatus(t *testing.T) {
	t.Parallel()

	var logs syncBuffer
	cfg := testConfig()
	cfg.StopTimeout = 30 * time.Millisecond
	e := New(cfg, logx.NewWriter(&logs, "debug"), nil)
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	started, release := make(chan struct{}, 1), make(chan struct{})
	t.Cleanup(func() { close(release) })
	must(t, e.RegisterTask(blockingJob("stuck", started, release), startup(), nil))
	must(t, e.StartAll(context.Background()))
	<-started

	e.StopAll()
	if st, _ := e.Status("stuck"); st != StatusRunning {
		t.Fatalf("status = %v, want Running", st)
	}
	if !strings.Contains(logs.String(), "did not stop within the timeout period") {
		t.Fatalf("missing stop warning in logs: %s", logs.String())
	}
}

func TestLanePanicIsFailStop(t *testing.T) {
	t.Parallel()

	e, bus := newTestEngine(t, testConfig())
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	must(t, e.RegisterTask(JobFunc{N: "p", Fn: func(context.Context) error { panic("kaboom") }}, startup(), nil))
	must(t, e.RegisterTask(JobFunc{N: "ok"}, startup(), nil))
	must(t, e.StartAll(context.Background()))

	waitFor(t, "p faulted", statusIs(e, "p", StatusFaulted))
	waitFor(t, "ok completed", statusIs(e, "ok", StatusCompleted))

	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventbus.LaneFaulted {
				if le := ev.Data.(LaneEvent); le.Name != "p" {
					t.Fatalf("lane event = %+v", le)
				}
				return
			}
		case <-timeout:
			t.Fatal("no lane.faulted event")
		}
	}
}

func TestCalculationPanicMeansNever(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, testConfig())
	e.calc = func(Schedule, time.Time) time.Time { panic("bad calendar") }
	must(t, e.RegisterTask(JobFunc{N: "x"}, Schedule{MonthlyDays: []int{1}}, nil))
	must(t, e.StartAll(context.Background()))

	time.Sleep(30 * time.Millisecond)
	snap := e.Snapshot()
	if len(snap.Tasks) != 1 {
		t.Fatalf("tasks = %d", len(snap.Tasks))
	}
	if it := snap.Tasks[0]; it.Status != StatusWaitingToStart || !it.Next.IsZero() || it.Runs != 0 {
		t.Fatalf("task = %+v", it)
	}
	if !snap.Running {
		t.Fatal("lanes should still be running")
	}
}

func TestStartAllContextStopsLanes(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, testConfig())
	must(t, e.RegisterTask(JobFunc{N: "x"}, Schedule{MonthlyDays: []int{1}}, nil))
	ctx, cancel := context.WithCancel(context.Background())
	must(t, e.StartAll(ctx))
	cancel()

	e.mu.Lock()
	done := e.gen.lanes[0].done
	e.mu.Unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lane did not end with its start context")
	}

	e.StopAll()
	if st, _ := e.Status("x"); st != StatusCancelled {
		t.Fatalf("status = %v, want Cancelled", st)
	}
}

func TestEndToEndOrdering(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, testConfig())
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	job := func(name string) Job {
		return JobFunc{N: name, Fn: func(context.Context) error {
			record(name + ":start")
			time.Sleep(10 * time.Millisecond)
			record(name + ":end")
			return nil
		}}
	}

	must(t, e.RegisterTask(job("Z"), startup(), &Precondition{TaskNames: []string{"X", "Y"}, Condition: AnyCompleted}))
	must(t, e.RegisterTask(job("Y"), startup(), &Precondition{TaskNames: []string{"X"}, Condition: AllCompleted}))
	must(t, e.RegisterTask(job("X"), startup(), nil))
	must(t, e.StartAll(context.Background()))

	for _, n := range []string{"X", "Y", "Z"} {
		waitFor(t, n+" completed", statusIs(e, n, StatusCompleted))
	}

	mu.Lock()
	defer mu.Unlock()
	idx := map[string]int{}
	for i, s := range order {
		idx[s] = i
	}
	if order[0] != "X:start" {
		t.Fatalf("order = %v, X must start first", order)
	}
	if idx["Y:start"] < idx["X:end"] || idx["Z:start"] < idx["X:end"] {
		t.Fatalf("order = %v, Y and Z must start after X ends", order)
	}
}

// fakeClock is a settable engine clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestMonthEndLaneKeepsFiring(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Timezone = "UTC"
	e, _ := newTestEngine(t, cfg)
	clock := &fakeClock{now: at(2024, time.January, 31, 7, 0)}
	e.now = clock.Now

	must(t, e.RegisterTask(JobFunc{N: "GetMonthlyRevenues"}, Schedule{
		MonthlyDays:   []int{31},
		ExecutionTime: TimeOfDay{Hour: 7, Minute: 30},
	}, nil))
	must(t, e.StartAll(context.Background()))

	task := func() TaskInfo { return e.Snapshot().Tasks[0] }
	waitFor(t, "first fire time", func() bool { return task().Next.Equal(at(2024, time.January, 31, 7, 30)) })

	steps := []struct {
		fire time.Time
		next time.Time
	}{
		{at(2024, time.January, 31, 7, 30), at(2024, time.February, 29, 7, 30)},
		{at(2024, time.February, 29, 7, 30), at(2024, time.March, 31, 7, 30)},
		{at(2024, time.March, 31, 7, 30), at(2024, time.April, 30, 7, 30)},
	}
	for i, st := range steps {
		clock.Set(st.fire.Add(time.Second))
		runs := uint64(i + 1)
		waitFor(t, "run at "+st.fire.Format(time.DateOnly), func() bool {
			it := task()
			return it.Runs == runs && it.Next.Equal(st.next)
		})
		e.resetCompleted()
	}
}

func TestSnapshotReportsTasks(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, Config{Timezone: "UTC"})
	must(t, e.RegisterTask(JobFunc{N: "m"}, Schedule{MonthlyDays: []int{1}, ExecutionTime: TimeOfDay{Hour: 6}}, &Precondition{TaskNames: []string{"z"}, Condition: AnyCompleted}))
	must(t, e.StartAll(context.Background()))

	snap := e.Snapshot()
	if snap.Timezone != "UTC" || !snap.Running || snap.ResetRunning {
		t.Fatalf("snapshot = %+v", snap)
	}
	it := snap.Tasks[0]
	if it.Next.IsZero() || it.Next.Day() != 1 || it.Next.Hour() != 6 {
		t.Fatalf("next = %v", it.Next)
	}
	if it.Precondition == nil || it.Precondition.Condition != AnyCompleted {
		t.Fatalf("precondition = %+v", it.Precondition)
	}
}

func TestOutcomeOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeCompleted},
		{context.Canceled, OutcomeCancelled},
		{context.DeadlineExceeded, OutcomeCancelled},
		{errors.Join(errors.New("x"), context.Canceled), OutcomeCancelled},
		{errors.New("x"), OutcomeFaulted},
	}
	for _, tt := range tests {
		if got := OutcomeOf(tt.err); got != tt.want {
			t.Fatalf("OutcomeOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestParseCondition(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Condition{"AllCompleted": AllCompleted, "anycompleted": AnyCompleted, " any ": AnyCompleted} {
		got, err := ParseCondition(in)
		if err != nil || got != want {
			t.Fatalf("ParseCondition(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseCondition("some"); !errors.Is(err, ErrInvalidCondition) {
		t.Fatalf("err = %v", err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
