package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "github.com/Bird73/SecuIntegrator24/pkg/logx"
)

func openDriver(t *testing.T, driver string) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()

	for _, d := range []string{"", "none", " None "} {
		st, err := Open(Config{Driver: d}, logx.Logger{})
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path accepted")
	}
}

func TestStoreDrivers(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openDriver(t, driver)
			ctx := context.Background()

			base := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				started := base.Add(time.Duration(i) * 24 * time.Hour)
				rec := RunRecord{
					ID:       fmt.Sprintf("run-%d", i),
					Task:     "GetHolidays",
					Started:  started,
					Finished: started.Add(1500 * time.Millisecond),
					Outcome:  "succeeded",
					TookMS:   1500,
				}
				if i == 4 {
					rec.Outcome = "failed"
					rec.Error = "boom"
				}
				if err := st.AppendRun(ctx, rec); err != nil {
					t.Fatalf("AppendRun: %v", err)
				}
			}

			got, err := st.RecentRuns(ctx, 3)
			if err != nil {
				t.Fatalf("RecentRuns: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("len = %d, want 3", len(got))
			}
			for i, want := range []string{"run-4", "run-3", "run-2"} {
				if got[i].ID != want {
					t.Fatalf("got[%d].ID = %q, want %q", i, got[i].ID, want)
				}
			}
			if got[0].Error != "boom" || got[0].Outcome != "failed" {
				t.Fatalf("newest = %+v", got[0])
			}
			if !got[1].Started.Equal(base.Add(3 * 24 * time.Hour)) {
				t.Fatalf("started = %v", got[1].Started)
			}

			if none, err := st.RecentRuns(ctx, 0); err != nil || len(none) != 0 {
				t.Fatalf("RecentRuns(0) = %v, %v", none, err)
			}

			removed, err := st.Prune(ctx, base.Add(2*24*time.Hour))
			if err != nil {
				t.Fatalf("Prune: %v", err)
			}
			if removed != 2 {
				t.Fatalf("removed = %d, want 2", removed)
			}

			// Appends keep working after a prune.
			extra := RunRecord{ID: "run-5", Task: "x", Started: base.Add(10 * 24 * time.Hour), Finished: base.Add(10 * 24 * time.Hour), Outcome: "succeeded"}
			if err := st.AppendRun(ctx, extra); err != nil {
				t.Fatalf("AppendRun after prune: %v", err)
			}
			all, err := st.RecentRuns(ctx, 100)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 4 || all[0].ID != "run-5" || all[3].ID != "run-2" {
				t.Fatalf("after prune = %+v", all)
			}
		})
	}
}

func TestFileStoreSkipsTornLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "h.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.AppendRun(ctx, RunRecord{ID: "a", Task: "t", Started: time.Now()}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "h.runs.jsonl"), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"id":"b","task":`)
	_ = f.Close()

	got, err := st.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("got = %+v", got)
	}
}
