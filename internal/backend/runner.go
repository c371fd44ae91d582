package backend

import (
	"context"
	"time"
)

// DefaultGrace is the wait between SIGTERM and SIGKILL.
const DefaultGrace = 3 * time.Second

// maxCapture bounds the stdout and stderr kept in a ProcessResult.
const maxCapture = 1 << 20

// ProcessSpec describes one external process invocation.
type ProcessSpec struct {
	Argv  []string
	Dir   string
	Env   []string
	Grace time.Duration
}

// ProcessResult is the captured outcome of a process that ran to exit.
type ProcessResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner starts processes for the shell backend. Run returns ctx.Err()
// once the process has been stopped because ctx ended; a non-zero exit is
// reported through ExitCode, not as an error.
type Runner interface {
	Run(ctx context.Context, spec ProcessSpec, onLine func(string)) (ProcessResult, error)
}

// cappedBuffer keeps at most limit bytes and remembers that it truncated.
type cappedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - len(c.buf)
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf = append(c.buf, p[:room]...)
		c.truncated = true
		return len(p), nil
	}
	c.buf = append(c.buf, p...)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return string(c.buf) + "\n... (truncated)"
	}
	return string(c.buf)
}
