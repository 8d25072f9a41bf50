package scheduler

import "time"

// NextRunTime returns the earliest fire time of s strictly after now, or the
// zero time if no rule produces one. Dates are built in now's location.
//
// Monthly and yearly days past the end of a month land on its last day, so
// day 31 fires on Apr 30 and 02-29 fires on Feb 28 in a common year. Once
// this period's slot has passed it moves exactly one month or year ahead.
//
// Weekly rules look only at the current week: if the matching weekday is
// today and its execution time has already passed, that weekday yields no
// candidate.
func NextRunTime(s Schedule, now time.Time) time.Time {
	var best time.Time
	consider := func(t time.Time) {
		if !t.After(now) {
			return
		}
		if best.IsZero() || t.Before(best) {
			best = t
		}
	}

	loc := now.Location()
	et := s.ExecutionTime

	for _, yd := range s.YearlyDates {
		t := clampedAt(now.Year(), yd.Month, yd.Day, et, loc)
		if !t.After(now) {
			t = clampedAt(now.Year()+1, yd.Month, yd.Day, et, loc)
		}
		consider(t)
	}

	for _, d := range s.MonthlyDays {
		t := clampedAt(now.Year(), now.Month(), d, et, loc)
		if !t.After(now) {
			y, m := now.Year(), now.Month()+1
			if m > time.December {
				y, m = y+1, time.January
			}
			t = clampedAt(y, m, d, et, loc)
		}
		consider(t)
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	for _, wd := range s.WeeklyDays {
		if wd < time.Sunday || wd > time.Saturday {
			continue
		}
		offset := (int(wd) - int(today.Weekday()) + 7) % 7
		d := today.AddDate(0, 0, offset)
		consider(time.Date(d.Year(), d.Month(), d.Day(), et.Hour, et.Minute, et.Second, 0, loc))
	}

	return best
}

// PreviewNextRuns returns up to n successive fire times of s after now.
// It stops early when the schedule runs out of future slots.
func PreviewNextRuns(s Schedule, now time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	cur := now
	for len(out) < n {
		t := NextRunTime(s, cur)
		if t.IsZero() {
			break
		}
		out = append(out, t)
		cur = t
	}
	return out
}

// clampedAt builds y-m-d@et in loc, moving d back to the month's last day
// when the month is shorter.
func clampedAt(y int, m time.Month, d int, et TimeOfDay, loc *time.Location) time.Time {
	if last := daysIn(m, y); d > last {
		d = last
	}
	return time.Date(y, m, d, et.Hour, et.Minute, et.Second, 0, loc)
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
