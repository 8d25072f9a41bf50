package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/Bird73/SecuIntegrator24/internal/config"
	logx "github.com/Bird73/SecuIntegrator24/pkg/logx"
)

// Env carries what every download job shares.
type Env struct {
	InitialYear int
	DataDir     string

	// Limiter paces outbound requests across all download jobs.
	Limiter *rate.Limiter
	Client  *http.Client
	Now     func() time.Time
}

// Period is the template data for one fetch.
type Period struct {
	Year  int
	Month string // "01".."12"
	Day   string // "01".."31"
	Date  string // YYYYMMDD
	Time  time.Time
}

func newPeriod(t time.Time) Period {
	return Period{
		Year:  t.Year(),
		Month: fmt.Sprintf("%02d", int(t.Month())),
		Day:   fmt.Sprintf("%02d", t.Day()),
		Date:  t.Format("20060102"),
		Time:  t,
	}
}

// errNoData marks a period the server has nothing for (HTTP 404).
var errNoData = errors.New("no data for period")

// Download fetches one file per period, oldest first, skipping files that
// already exist on disk.
type Download struct {
	name         string
	url          *template.Template
	output       *template.Template
	every        string
	skipWeekends bool
	headers      map[string]string
	retryMax     int
	env          Env
	log          logx.Logger
	newBackOff   func() backoff.BackOff
}

func NewDownload(name string, cfg config.DownloadJobConfig, env Env, log logx.Logger) (*Download, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	u, err := template.New("url").Option("missingkey=error").Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("job %s: url template: %w", name, err)
	}
	o, err := template.New("output").Option("missingkey=error").Parse(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("job %s: output template: %w", name, err)
	}
	every := strings.ToLower(strings.TrimSpace(cfg.Every))
	switch every {
	case "day", "month", "year":
	default:
		return nil, fmt.Errorf("job %s: every: want day, month or year, got %q", name, cfg.Every)
	}
	if env.Client == nil {
		env.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if env.Now == nil {
		env.Now = time.Now
	}
	if env.DataDir == "" {
		env.DataDir = "./data"
	}
	retryMax := cfg.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	d := &Download{
		name:         name,
		url:          u,
		output:       o,
		every:        every,
		skipWeekends: cfg.SkipWeekends,
		headers:      cfg.Headers,
		retryMax:     retryMax,
		env:          env,
		log:          log.With(logx.String("job", name)),
	}
	d.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 10 * time.Second
		b.MaxElapsedTime = 2 * time.Minute
		return b
	}
	return d, nil
}

func (d *Download) Name() string { return d.name }

func (d *Download) Run(ctx context.Context) error {
	periods := d.periods()
	var fetched, skipped, missing int
	start := time.Now()

	for _, p := range periods {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := render(d.output, p)
		if err != nil {
			return fmt.Errorf("output for %s: %w", p.Date, err)
		}
		dst := filepath.Join(d.env.DataDir, filepath.FromSlash(rel))
		if _, err := os.Stat(dst); err == nil {
			skipped++
			continue
		}
		src, err := render(d.url, p)
		if err != nil {
			return fmt.Errorf("url for %s: %w", p.Date, err)
		}

		err = d.fetch(ctx, src, dst)
		switch {
		case err == nil:
			fetched++
		case errors.Is(err, errNoData):
			missing++
			d.log.Debug("no data for period", logx.String("date", p.Date), logx.String("url", src))
		default:
			return fmt.Errorf("fetch %s: %w", src, err)
		}
	}

	d.log.Info("download finished",
		logx.Int("periods", len(periods)),
		logx.Int("fetched", fetched),
		logx.Int("skipped", skipped),
		logx.Int("missing", missing),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

// periods lists every period from Jan 1 of InitialYear up to today.
func (d *Download) periods() []Period {
	now := d.env.Now()
	year := d.env.InitialYear
	if year <= 0 || year > now.Year() {
		year = now.Year()
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	cur := time.Date(year, time.January, 1, 0, 0, 0, 0, now.Location())

	var out []Period
	for !cur.After(today) {
		switch d.every {
		case "year":
			out = append(out, newPeriod(cur))
			cur = cur.AddDate(1, 0, 0)
		case "month":
			out = append(out, newPeriod(cur))
			cur = cur.AddDate(0, 1, 0)
		default:
			if !d.skipWeekends || (cur.Weekday() != time.Saturday && cur.Weekday() != time.Sunday) {
				out = append(out, newPeriod(cur))
			}
			cur = cur.AddDate(0, 0, 1)
		}
	}
	return out
}

func (d *Download) fetch(ctx context.Context, src, dst string) error {
	var b backoff.BackOff = d.newBackOff()
	b = backoff.WithMaxRetries(b, uint64(d.retryMax))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	op := func() error {
		attempt++
		if d.env.Limiter != nil {
			if err := d.env.Limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		err := d.fetchOnce(ctx, src, dst)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		d.log.Debug("download retry scheduled", logx.String("url", src), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
	}
	return backoff.RetryNotify(op, b, notify)
}

func (d *Download) fetchOnce(ctx context.Context, src, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	resp, err := d.env.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return backoff.Permanent(errNoData)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("http %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return backoff.Permanent(fmt.Errorf("http %d", resp.StatusCode))
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return backoff.Permanent(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return backoff.Permanent(err)
	}
	_, err = io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return backoff.Permanent(err)
	}
	return nil
}

func render(t *template.Template, p Period) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, p); err != nil {
		return "", err
	}
	return sb.String(), nil
}
