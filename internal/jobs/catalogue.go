package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Bird73/SecuIntegrator24/internal/config"
	"github.com/Bird73/SecuIntegrator24/internal/task/scheduler"
	logx "github.com/Bird73/SecuIntegrator24/pkg/logx"
)

// ErrTimeout is returned when a job exceeds its configured timeout.
var ErrTimeout = errors.New("job timed out")

const defaultConnectionInterval = time.Second

// Build turns the jobs section into scheduler jobs keyed by name.
// cfg is expected to have passed config.Validate.
func Build(cfg *config.Config, log logx.Logger) (map[string]scheduler.Job, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	interval := config.MustDuration(cfg.Environment.ConnectionInterval, defaultConnectionInterval)
	env := Env{
		InitialYear: cfg.Environment.InitialYear,
		DataDir:     cfg.Environment.DataDir,
		Limiter:     rate.NewLimiter(rate.Every(interval), 1),
		Client:      &http.Client{Timeout: 60 * time.Second},
	}

	out := make(map[string]scheduler.Job, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		name := strings.TrimSpace(jc.Name)
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("duplicate job name %q", name)
		}
		var j scheduler.Job
		switch strings.ToLower(strings.TrimSpace(jc.Kind)) {
		case config.KindCommand:
			if jc.Command == nil {
				return nil, fmt.Errorf("job %s: command block missing", name)
			}
			j = NewCommand(name, *jc.Command, log)
		case config.KindDownload:
			if jc.Download == nil {
				return nil, fmt.Errorf("job %s: download block missing", name)
			}
			d, err := NewDownload(name, *jc.Download, env, log)
			if err != nil {
				return nil, err
			}
			j = d
		default:
			return nil, fmt.Errorf("job %s: unknown kind %q", name, jc.Kind)
		}

		timeout, err := config.ParseDurationField("jobs["+name+"].timeout", jc.Timeout)
		if err != nil {
			return nil, err
		}
		out[name] = WithTimeout(j, timeout)
	}
	return out, nil
}

// WithTimeout bounds each Run of j to d. Zero leaves j unchanged.
func WithTimeout(j scheduler.Job, d time.Duration) scheduler.Job {
	if d <= 0 {
		return j
	}
	return timeoutJob{Job: j, d: d}
}

type timeoutJob struct {
	scheduler.Job
	d time.Duration
}

func (t timeoutJob) Run(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	err := t.Job.Run(rctx)
	// A deadline that belongs to us is a failure, not a cancellation.
	if err != nil && ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", ErrTimeout, t.d, err)
	}
	return err
}
