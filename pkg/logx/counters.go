package logx

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Counts is a point-in-time view of emitted events per level since the last reset.
type Counts struct {
	Info    uint64 `json:"info"`
	Warning uint64 `json:"warning"`
	Error   uint64 `json:"error"`
	Since   time.Time
}

// counters is a zerolog hook. It only sees events that passed the level filter.
type counters struct {
	info  atomic.Uint64
	warn  atomic.Uint64
	err   atomic.Uint64
	since atomic.Int64 // unix nano of the last reset; 0 means never reset
}

func (c *counters) Run(_ *zerolog.Event, level zerolog.Level, _ string) {
	switch {
	case level >= zerolog.ErrorLevel && level <= zerolog.PanicLevel:
		c.err.Add(1)
	case level == zerolog.WarnLevel:
		c.warn.Add(1)
	case level == zerolog.InfoLevel:
		c.info.Add(1)
	}
}

// Counts returns the event counters since the last ResetCounts.
func (s *Service) Counts() Counts {
	out := Counts{
		Info:    s.counts.info.Load(),
		Warning: s.counts.warn.Load(),
		Error:   s.counts.err.Load(),
	}
	if ns := s.counts.since.Load(); ns != 0 {
		out.Since = time.Unix(0, ns)
	}
	return out
}

// ResetCounts zeroes the counters and returns the values they held.
func (s *Service) ResetCounts() Counts {
	prev := Counts{
		Info:    s.counts.info.Swap(0),
		Warning: s.counts.warn.Swap(0),
		Error:   s.counts.err.Swap(0),
	}
	if ns := s.counts.since.Swap(time.Now().UnixNano()); ns != 0 {
		prev.Since = time.Unix(0, ns)
	}
	return prev
}

// Throttle gates repetitive log lines per key (for example one warning per
// schedule name) so a stuck component can't flood the sinks.
type Throttle struct {
	mu    sync.Mutex
	every time.Duration
	lim   map[string]*rate.Limiter
}

func NewThrottle(every time.Duration) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	return &Throttle{every: every, lim: map[string]*rate.Limiter{}}
}

// Allow reports whether a line for key may be emitted now.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	l := t.lim[key]
	if l == nil {
		l = rate.NewLimiter(rate.Every(t.every), 1)
		t.lim[key] = l
	}
	t.mu.Unlock()
	return l.Allow()
}
