package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Bird73/SecuIntegrator24/internal/task/scheduler"
)

// ToSchedule converts the file form into an engine schedule.
func (s ScheduleConfig) ToSchedule() (scheduler.Schedule, error) {
	out := scheduler.Schedule{
		MonthlyDays:  append([]int(nil), s.MonthlyDays...),
		RunOnStartup: s.RunOnStartup,
	}
	for _, raw := range s.WeeklyDays {
		wd, err := ParseWeekday(raw)
		if err != nil {
			return scheduler.Schedule{}, err
		}
		out.WeeklyDays = append(out.WeeklyDays, wd)
	}
	for _, raw := range s.YearlyDates {
		d, err := ParseYearlyDate(raw)
		if err != nil {
			return scheduler.Schedule{}, err
		}
		out.YearlyDates = append(out.YearlyDates, d)
	}
	et, err := ParseTimeOfDay(s.ExecutionTime)
	if err != nil {
		return scheduler.Schedule{}, err
	}
	out.ExecutionTime = et
	if err := out.Validate(); err != nil {
		return scheduler.Schedule{}, err
	}
	return out, nil
}

// ToPrecondition returns nil for a nil receiver.
func (p *PreconditionConfig) ToPrecondition() (*scheduler.Precondition, error) {
	if p == nil {
		return nil, nil
	}
	cond, err := scheduler.ParseCondition(p.Condition)
	if err != nil {
		return nil, err
	}
	out := &scheduler.Precondition{Condition: cond}
	for _, n := range p.TaskNames {
		out.TaskNames = append(out.TaskNames, strings.TrimSpace(n))
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseWeekday accepts English day names or three-letter abbreviations.
func ParseWeekday(raw string) (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return 0, fmt.Errorf("invalid weekday %q", raw)
	}
	return wd, nil
}

// ParseYearlyDate parses "MM-DD" (e.g. "01-02").
func ParseYearlyDate(raw string) (scheduler.YearlyDate, error) {
	mm, dd, ok := strings.Cut(strings.TrimSpace(raw), "-")
	if !ok {
		return scheduler.YearlyDate{}, fmt.Errorf("invalid yearly date %q (want MM-DD)", raw)
	}
	m, err1 := strconv.Atoi(mm)
	d, err2 := strconv.Atoi(dd)
	if err1 != nil || err2 != nil {
		return scheduler.YearlyDate{}, fmt.Errorf("invalid yearly date %q (want MM-DD)", raw)
	}
	return scheduler.YearlyDate{Month: time.Month(m), Day: d}, nil
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS". Empty means midnight.
func ParseTimeOfDay(raw string) (scheduler.TimeOfDay, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return scheduler.TimeOfDay{}, nil
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return scheduler.TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		}
	}
	return scheduler.TimeOfDay{}, fmt.Errorf("invalid execution time %q (want HH:MM[:SS])", raw)
}
