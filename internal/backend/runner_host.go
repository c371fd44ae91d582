package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// HostRunner runs processes on the host in their own process group so a
// stop reaches every child.
type HostRunner struct{}

func (HostRunner) Run(ctx context.Context, spec ProcessSpec, onLine func(string)) (ProcessResult, error) {
	if len(spec.Argv) == 0 {
		return ProcessResult{}, errors.New("empty command")
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ProcessResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	var errBuf cappedBuffer
	errBuf.limit = maxCapture
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		return ProcessResult{}, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}

	var outBuf cappedBuffer
	outBuf.limit = maxCapture
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		scanLines(stdout, &outBuf, onLine)
	}()

	waitErr := make(chan error, 1)
	go func() {
		readers.Wait()
		waitErr <- cmd.Wait()
	}()

	var runErr error
	select {
	case runErr = <-waitErr:
	case <-ctx.Done():
		_ = stopProcess(cmd, spec.Grace, waitErr)
		return ProcessResult{Stdout: outBuf.String(), Stderr: errBuf.String(), ExitCode: -1}, ctx.Err()
	}

	res := ProcessResult{Stdout: outBuf.String(), Stderr: errBuf.String()}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("wait %s: %w", spec.Argv[0], runErr)
	}
	return res, nil
}

// stopProcess sends SIGTERM to the process group, escalating to SIGKILL
// when it has not exited within grace.
func stopProcess(cmd *exec.Cmd, grace time.Duration, waitErr <-chan error) error {
	if grace <= 0 {
		grace = DefaultGrace
	}
	_ = terminateProcess(cmd)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-waitErr:
		return err
	case <-timer.C:
		_ = killProcess(cmd)
		return <-waitErr
	}
}

func scanLines(r io.Reader, sink io.Writer, onLine func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxCapture)
	for sc.Scan() {
		line := sc.Text()
		_, _ = io.WriteString(sink, line+"\n")
		if onLine != nil {
			onLine(line)
		}
	}
	// Drain anything the scanner refused so the child never blocks on a
	// full pipe.
	_, _ = io.Copy(sink, r)
}
