package jobs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Bird73/SecuIntegrator24/internal/config"
	logx "github.com/Bird73/SecuIntegrator24/pkg/logx"
)

// maxOutputTail bounds how much combined output is attached to a failure.
const maxOutputTail = 2048

// Command runs an external program once per Run.
type Command struct {
	name string
	path string
	args []string
	dir  string
	env  []string
	log  logx.Logger
}

func NewCommand(name string, cfg config.CommandJobConfig, log logx.Logger) *Command {
	if log.IsZero() {
		log = logx.Nop()
	}
	var env []string
	if len(cfg.Env) > 0 {
		env = append(os.Environ(), cfg.Env...)
	}
	return &Command{
		name: name,
		path: strings.TrimSpace(cfg.Path),
		args: append([]string(nil), cfg.Args...),
		dir:  cfg.Dir,
		env:  env,
		log:  log.With(logx.String("job", name)),
	}
}

func (c *Command) Name() string { return c.name }

func (c *Command) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.path, c.args...)
	cmd.Dir = c.dir
	if c.env != nil {
		cmd.Env = c.env
	}
	// Give the child a moment to exit on SIGKILL before Wait returns.
	cmd.WaitDelay = 2 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return fmt.Errorf("%s: %w: %s", c.path, err, tail(out.String(), maxOutputTail))
	}
	c.log.Debug("command finished", logx.String("path", c.path), logx.Duration("took", time.Since(start)), logx.Int("output_bytes", out.Len()))
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
