package backend

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRunner runs shell-backend processes in ephemeral containers with
// the working directory bound at /workspace.
type DockerRunner struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	workspace   string
}

// NewDockerRunner connects to the docker daemon configured in the
// environment.
func NewDockerRunner(image string, memoryMB int64, networkMode, workspace string) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "node:22-alpine"
	}
	if memoryMB <= 0 {
		memoryMB = 1024
	}
	if networkMode == "" {
		networkMode = "bridge"
	}
	return &DockerRunner{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
		workspace:   workspace,
	}, nil
}

// Ping checks that the daemon answers.
func (d *DockerRunner) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

func (d *DockerRunner) Run(ctx context.Context, spec ProcessSpec, onLine func(string)) (ProcessResult, error) {
	if len(spec.Argv) == 0 {
		return ProcessResult{}, fmt.Errorf("empty command")
	}
	hostDir := spec.Dir
	if hostDir == "" {
		hostDir = d.workspace
	}
	hostCfg := &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryBytes},
		NetworkMode: container.NetworkMode(d.networkMode),
	}
	if hostDir != "" {
		hostCfg.Binds = []string{hostDir + ":/workspace"}
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        spec.Argv,
		Env:        spec.Env,
		WorkingDir: "/workspace",
		Tty:        false,
	}, hostCfg, nil, nil, "")
	if err != nil {
		return ProcessResult{}, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.client.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return ProcessResult{}, fmt.Errorf("start container: %w", err)
	}

	var exitCode int
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() == nil {
			return ProcessResult{}, fmt.Errorf("wait container: %w", err)
		}
		d.stop(id, spec.Grace)
		return ProcessResult{ExitCode: -1}, ctx.Err()
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		d.stop(id, spec.Grace)
		return ProcessResult{ExitCode: -1}, ctx.Err()
	}

	logs, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return ProcessResult{ExitCode: exitCode}, fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	stdout, stderr, err := demuxLogs(logs, onLine)
	if err != nil {
		return ProcessResult{ExitCode: exitCode}, fmt.Errorf("demux logs: %w", err)
	}
	return ProcessResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

// demuxLogs splits a multiplexed container log stream into capped stdout
// and stderr captures, reporting stdout lines as they arrive.
func demuxLogs(logs io.Reader, onLine func(string)) (string, string, error) {
	outBuf := cappedBuffer{limit: maxCapture}
	errBuf := cappedBuffer{limit: maxCapture}
	pr, pw := io.Pipe()
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanLines(pr, &outBuf, onLine)
	}()
	_, err := stdcopy.StdCopy(pw, &errBuf, logs)
	_ = pw.CloseWithError(err)
	<-scanned
	return outBuf.String(), errBuf.String(), err
}

// stop asks the daemon for SIGTERM, then SIGKILL after grace. The task
// context is already done, so a fresh one is used.
func (d *DockerRunner) stop(id string, grace time.Duration) {
	if grace <= 0 {
		grace = DefaultGrace
	}
	secs := int(grace.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
	defer cancel()
	_ = d.client.ContainerStop(ctx, id, container.StopOptions{Signal: "SIGTERM", Timeout: &secs})
}

// Close releases the docker client.
func (d *DockerRunner) Close() error {
	return d.client.Close()
}
