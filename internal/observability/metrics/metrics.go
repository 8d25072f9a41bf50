// Package metrics exposes scheduler activity as Prometheus collectors and
// serves them, together with health, status and pprof endpoints, over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Bird73/SecuIntegrator24/internal/eventbus"
	"github.com/Bird73/SecuIntegrator24/internal/task/scheduler"
	logx "github.com/Bird73/SecuIntegrator24/pkg/logx"
)

const namespace = "secuintegrator"

// Sources are read on every scrape. Nil funcs are skipped.
type Sources struct {
	// Tasks returns the current status of every registration.
	Tasks      func() []scheduler.TaskInfo
	BusDropped func() uint64
	LogCounts  func() logx.Counts
}

// Metrics owns a private registry; nothing is registered globally.
type Metrics struct {
	reg *prometheus.Registry

	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	faults   *prometheus.CounterVec
	resets   *prometheus.CounterVec
}

func New(src Sources) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Job runs by task and outcome.",
		}, []string{"task", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_run_duration_seconds",
			Help:      "Job run duration in seconds.",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"task"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lane_faults_total",
			Help:      "Lanes that stopped because of a panic.",
		}, []string{"task"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Daily reset passes by reason.",
		}, []string{"reason"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs, m.duration, m.faults, m.resets,
	)
	if src.Tasks != nil {
		m.reg.MustRegister(&statusCollector{fn: src.Tasks, desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "task_status"),
			"Current lifecycle status of each task (1 for the active status).",
			[]string{"task", "status"}, nil,
		)})
	}
	if src.BusDropped != nil {
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Events dropped because a subscriber was full.",
		}, func() float64 { return float64(src.BusDropped()) }))
	}
	if src.LogCounts != nil {
		for _, lvl := range []string{"info", "warning", "error"} {
			lvl := lvl
			m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "log_events",
				Help:        "Log events emitted since the last daily reset.",
				ConstLabels: prometheus.Labels{"level": lvl},
			}, func() float64 {
				c := src.LogCounts()
				switch lvl {
				case "info":
					return float64(c.Info)
				case "warning":
					return float64(c.Warning)
				default:
					return float64(c.Error)
				}
			}))
		}
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Observe updates collectors from one bus event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TaskFinished, eventbus.TaskFailed, eventbus.TaskCancelled:
		te, ok := ev.Data.(scheduler.TaskEvent)
		if !ok {
			return
		}
		m.runs.WithLabelValues(te.Name, te.Outcome).Inc()
		m.duration.WithLabelValues(te.Name).Observe(te.Duration.Seconds())
	case eventbus.LaneFaulted:
		if le, ok := ev.Data.(scheduler.LaneEvent); ok {
			m.faults.WithLabelValues(le.Name).Inc()
		}
	case eventbus.SchedulerReset:
		if re, ok := ev.Data.(scheduler.ResetEvent); ok {
			m.resets.WithLabelValues(re.Reason).Inc()
		}
	}
}

var allStatuses = []scheduler.Status{
	scheduler.StatusWaitingToStart,
	scheduler.StatusRunning,
	scheduler.StatusCompleted,
	scheduler.StatusCancelled,
	scheduler.StatusFaulted,
}

type statusCollector struct {
	desc *prometheus.Desc
	fn   func() []scheduler.TaskInfo
}

func (c *statusCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *statusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, t := range c.fn() {
		for _, st := range allStatuses {
			v := 0.0
			if t.Status == st {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, v, t.Name, st.String())
		}
	}
}
