package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Bird73/SecuIntegrator24/internal/eventbus"
	"github.com/Bird73/SecuIntegrator24/internal/storage"
	"github.com/Bird73/SecuIntegrator24/internal/task/scheduler"
	logx "github.com/Bird73/SecuIntegrator24/pkg/logx"
)

// Check validates the config at cfgPath, registers every schedule on a
// throwaway engine and prints the next n fire times of each task.
func Check(cfgPath string, w io.Writer, n int, now time.Time) error {
	cfg, err := NewConfigManager(cfgPath).Load()
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg, scheduler.Config{}, logx.Nop(), eventbus.Nop{})
	if err != nil {
		return err
	}
	loc := eng.Location()
	now = now.In(loc)

	fmt.Fprintf(w, "config ok: %d jobs, %d schedules, tz=%s, auto_run=%t\n",
		len(cfg.Jobs), len(cfg.Schedules), loc, cfg.Scheduler.Enabled)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTARTUP\tPRECONDITION\tNEXT")
	for _, se := range cfg.Schedules {
		s, _ := se.Schedule.ToSchedule()
		pre := "-"
		if se.Precondition != nil {
			pre = fmt.Sprintf("%s(%s)", se.Precondition.Condition, strings.Join(se.Precondition.TaskNames, ","))
		}
		runs := scheduler.PreviewNextRuns(s, now, n)
		next := make([]string, 0, len(runs))
		for _, t := range runs {
			next = append(next, t.Format("2006-01-02 15:04:05 Mon"))
		}
		if len(next) == 0 {
			next = append(next, "never")
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", se.Name, s.RunOnStartup, pre, strings.Join(next, "; "))
	}
	return tw.Flush()
}

// History prints the n most recent runs from the configured store.
func History(ctx context.Context, cfgPath string, w io.Writer, n int) error {
	cfg, err := NewConfigManager(cfgPath).Load()
	if err != nil {
		return err
	}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if !enabled {
		return storage.ErrDisabled
	}
	st, err := storage.Open(sc, logx.Nop())
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.RecentRuns(ctx, n)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tTASK\tOUTCOME\tTOOK\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Started.Local().Format("2006-01-02 15:04:05"),
			r.Task, r.Outcome,
			(time.Duration(r.TookMS) * time.Millisecond).String(),
			r.Error,
		)
	}
	return tw.Flush()
}
