package jobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Bird73/SecuIntegrator24/internal/config"
	"github.com/Bird73/SecuIntegrator24/internal/task/scheduler"
	logx "github.com/Bird73/SecuIntegrator24/pkg/logx"
)

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

func fastBackOff(d *Download) {
	d.newBackOff = func() backoff.BackOff { return &backoff.ConstantBackOff{Interval: time.Millisecond} }
}

func TestDownloadPeriods(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.March, 5, 15, 0, 0, 0, time.UTC) // Tuesday
	tests := []struct {
		name  string
		cfg   config.DownloadJobConfig
		year  int
		count int
		first string
		last  string
	}{
		{"year", config.DownloadJobConfig{Every: "year"}, 2021, 4, "20210101", "20240101"},
		{"month", config.DownloadJobConfig{Every: "month"}, 2023, 15, "20230101", "20240301"},
		{"day", config.DownloadJobConfig{Every: "day"}, 2024, 65, "20240101", "20240305"},
		// 2024-01-01 is a Monday; 9 full weeks then Mon+Tue.
		{"weekdays", config.DownloadJobConfig{Every: "day", SkipWeekends: true}, 2024, 47, "20240101", "20240305"},
		{"future year clamps", config.DownloadJobConfig{Every: "year"}, 2030, 1, "20240101", "20240101"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.cfg.URL = "https://example.com/{{.Date}}"
			tt.cfg.Output = "{{.Date}}.csv"
			d, err := NewDownload("x", tt.cfg, Env{InitialYear: tt.year, Now: fixedNow(now)}, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			ps := d.periods()
			if len(ps) != tt.count {
				t.Fatalf("len = %d, want %d", len(ps), tt.count)
			}
			if ps[0].Date != tt.first || ps[len(ps)-1].Date != tt.last {
				t.Fatalf("range = %s..%s, want %s..%s", ps[0].Date, ps[len(ps)-1].Date, tt.first, tt.last)
			}
		})
	}
}

func TestDownloadRun(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		hits  = map[string]int{}
		agent string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		n := hits[r.URL.Path]
		agent = r.Header.Get("User-Agent")
		mu.Unlock()

		switch r.URL.Path {
		case "/2024/02":
			http.NotFound(w, r)
		case "/2024/03":
			if n == 1 {
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("march"))
		default:
			_, _ = w.Write([]byte("data " + r.URL.Path))
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "2024-01.csv"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := NewDownload("GetMonthlyRevenues", config.DownloadJobConfig{
		URL:     srv.URL + "/{{.Year}}/{{.Month}}",
		Output:  "{{.Year}}-{{.Month}}.csv",
		Every:   "month",
		Headers: map[string]string{"User-Agent": "secuintegrator-test"},
	}, Env{
		InitialYear: 2024,
		DataDir:     dir,
		Client:      srv.Client(),
		Now:         fixedNow(time.Date(2024, time.April, 2, 0, 0, 0, 0, time.UTC)),
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	fastBackOff(d)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if hits["/2024/01"] != 0 {
		t.Fatal("existing file was fetched again")
	}
	if hits["/2024/03"] != 2 {
		t.Fatalf("march hits = %d, want 2", hits["/2024/03"])
	}
	if agent != "secuintegrator-test" {
		t.Fatalf("User-Agent = %q", agent)
	}
	if b, _ := os.ReadFile(filepath.Join(dir, "2024-03.csv")); string(b) != "march" {
		t.Fatalf("march file = %q", b)
	}
	if _, err := os.Stat(filepath.Join(dir, "2024-02.csv")); !os.IsNotExist(err) {
		t.Fatal("404 period should not produce a file")
	}
	if b, _ := os.ReadFile(filepath.Join(dir, "2024-01.csv")); string(b) != "old" {
		t.Fatal("existing file was overwritten")
	}
}

func TestDownloadGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	d, err := NewDownload("x", config.DownloadJobConfig{
		URL: srv.URL + "/{{.Year}}", Output: "{{.Year}}", Every: "year", RetryMax: 2,
	}, Env{InitialYear: 2024, DataDir: t.TempDir(), Client: srv.Client(), Now: fixedNow(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	fastBackOff(d)

	err = d.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "http 502") {
		t.Fatalf("Run = %v, want http 502", err)
	}
	if scheduler.OutcomeOf(err) != scheduler.OutcomeFaulted {
		t.Fatalf("outcome = %v", scheduler.OutcomeOf(err))
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 3 {
		t.Fatalf("hits = %d, want 3", hits)
	}
}

func TestDownloadHonoursCancellation(t *testing.T) {
	t.Parallel()

	d, err := NewDownload("x", config.DownloadJobConfig{
		URL: "http://127.0.0.1:1/{{.Date}}", Output: "{{.Date}}", Every: "day",
	}, Env{InitialYear: 2024, DataDir: t.TempDir(), Now: fixedNow(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}

func TestCommandJob(t *testing.T) {
	t.Parallel()

	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	ok := NewCommand("ok", config.CommandJobConfig{Path: sh, Args: []string{"-c", "test \"$GREETING\" = hi"}, Env: []string{"GREETING=hi"}}, logx.Nop())
	if err := ok.Run(context.Background()); err != nil {
		t.Fatalf("ok.Run: %v", err)
	}

	fail := NewCommand("fail", config.CommandJobConfig{Path: sh, Args: []string{"-c", "echo nope >&2; exit 3"}}, logx.Nop())
	err = fail.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("fail.Run = %v", err)
	}

	slow := NewCommand("slow", config.CommandJobConfig{Path: sh, Args: []string{"-c", "sleep 5"}}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := slow.Run(ctx); scheduler.OutcomeOf(err) != scheduler.OutcomeCancelled {
		t.Fatalf("slow.Run = %v, want cancelled", err)
	}
}

func TestWithTimeout(t *testing.T) {
	t.Parallel()

	block := scheduler.JobFunc{N: "block", Fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	if WithTimeout(block, 0).Name() != "block" {
		t.Fatal("name lost")
	}

	err := WithTimeout(block, 10*time.Millisecond).Run(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run = %v, want ErrTimeout", err)
	}
	if scheduler.OutcomeOf(err) != scheduler.OutcomeFaulted {
		t.Fatal("own timeout should be a failure")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = WithTimeout(block, time.Minute).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Environment: config.EnvironmentConfig{ConnectionInterval: "10ms"},
		Jobs: []config.JobConfig{
			{Name: "GetHolidays", Kind: "command", Timeout: "1m", Command: &config.CommandJobConfig{Path: "/bin/true"}},
			{Name: "GetListingTradings", Kind: "download", Download: &config.DownloadJobConfig{URL: "https://x/{{.Date}}", Output: "{{.Date}}", Every: "day"}},
		},
	}
	jobs, err := Build(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("len = %d", len(jobs))
	}
	if _, ok := jobs["GetHolidays"].(timeoutJob); !ok {
		t.Fatalf("GetHolidays = %T, want timeoutJob", jobs["GetHolidays"])
	}
	if _, ok := jobs["GetListingTradings"].(*Download); !ok {
		t.Fatalf("GetListingTradings = %T", jobs["GetListingTradings"])
	}

	cfg.Jobs = append(cfg.Jobs, config.JobConfig{Name: "GetHolidays", Kind: "command", Command: &config.CommandJobConfig{Path: "x"}})
	if _, err := Build(cfg, logx.Nop()); err == nil {
		t.Fatal("duplicate accepted")
	}
}
