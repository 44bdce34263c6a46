// Package sandbox compiles and runs student submissions inside disposable
// containers: no network, capped memory and cpu, bounded wall time. It is
// the safe alternative to running unknown code directly on the grader's
// machine.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const workspaceMount = "/workspace"

var (
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tagrader",
		Subsystem: "sandbox",
		Name:      "run_duration_seconds",
		Help:      "Duration of sandboxed submission runs",
		Buckets:   prometheus.DefBuckets,
	}, []string{"image"})

	runTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagrader",
		Subsystem: "sandbox",
		Name:      "run_timeouts_total",
		Help:      "Number of sandboxed runs that hit the timeout",
	}, []string{"image"})

	runFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagrader",
		Subsystem: "sandbox",
		Name:      "run_failures_total",
		Help:      "Number of sandboxed runs that resulted in an error",
	}, []string{"image"})
)

// Config groups sandbox configuration values.
type Config struct {
	Host          string
	Image         string
	Timeout       time.Duration
	MemoryLimitMB int64
	CPUShares     int64
	Logger        zerolog.Logger
}

// Result summarises one sandboxed compile-and-run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Executor runs submissions in Docker containers.
type Executor struct {
	client *client.Client
	cfg    Config
	tracer trace.Tracer
	logger zerolog.Logger
}

// New constructs a Docker backed sandbox executor.
func New(cfg Config) (*Executor, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	if cfg.Image == "" {
		cfg.Image = "gcc:13"
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &Executor{
		client: cli,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/tagrader/pkg/sandbox"),
		logger: logger.With().Str("component", "sandbox").Logger(),
	}, nil
}

// CompileAndRun builds every C++ source in the workspace and executes the
// resulting binary inside the container, capturing its output.
func (e *Executor) CompileAndRun(ctx context.Context, workspace string) (Result, error) {
	script := fmt.Sprintf("g++ -g -o /tmp/run -I%s %s/*.cpp && /tmp/run", workspaceMount, workspaceMount)
	return e.Run(ctx, workspace, []string{"sh", "-c", script})
}

// Run executes cmd in a fresh container with the workspace bind-mounted
// read-only at /workspace.
func (e *Executor) Run(parent context.Context, workspace string, cmd []string) (Result, error) {
	ctx, span := e.tracer.Start(parent, "sandbox.run", trace.WithAttributes(
		attribute.String("sandbox.image", e.cfg.Image),
	))
	defer span.End()

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:    e.cfg.MemoryLimitMB * 1024 * 1024,
			CPUShares: e.cfg.CPUShares,
		},
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   workspace,
			Target:   workspaceMount,
			ReadOnly: true,
		}},
	}

	containerCfg := &container.Config{
		Image:        e.cfg.Image,
		Cmd:          cmd,
		WorkingDir:   workspaceMount,
		AttachStdout: true,
		AttachStderr: true,
	}

	start := time.Now()
	result := Result{}

	resp, err := e.client.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		runFailures.WithLabelValues(e.cfg.Image).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("container create: %w", err)
	}

	containerID := resp.ID
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.client.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			e.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to remove container")
		}
	}()

	if err := e.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		runFailures.WithLabelValues(e.cfg.Image).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("container start: %w", err)
	}

	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNextExit)

	var waitErr error
	select {
	case err := <-errCh:
		waitErr = err
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	result.Duration = time.Since(start)
	runDuration.WithLabelValues(e.cfg.Image).Observe(result.Duration.Seconds())

	if waitErr != nil {
		if errors.Is(waitErr, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			result.TimedOut = true
			runTimeouts.WithLabelValues(e.cfg.Image).Inc()
			killCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := e.client.ContainerKill(killCtx, containerID, "KILL"); err != nil {
				e.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to kill timed out container")
			}
			span.RecordError(waitErr)
			span.SetStatus(codes.Error, "run timed out")
		} else if !errors.Is(waitErr, context.Canceled) {
			runFailures.WithLabelValues(e.cfg.Image).Inc()
			span.RecordError(waitErr)
			span.SetStatus(codes.Error, waitErr.Error())
			return result, fmt.Errorf("container wait: %w", waitErr)
		}
	}

	logReader, err := e.client.ContainerLogs(parent, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err == nil {
		defer logReader.Close()
		stdout, stderr, err := splitLogs(logReader)
		if err != nil {
			e.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to read container logs")
		} else {
			result.Stdout = stdout
			result.Stderr = stderr
		}
	} else {
		e.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to fetch container logs")
	}

	if result.TimedOut {
		return result, fmt.Errorf("run timed out after %s", e.cfg.Timeout)
	}
	return result, nil
}

// Pause suspends a running container; the operator can hand the terminal
// back without losing the program's state.
func (e *Executor) Pause(ctx context.Context, containerID string) error {
	return e.client.ContainerPause(ctx, containerID)
}

// Resume continues a paused container.
func (e *Executor) Resume(ctx context.Context, containerID string) error {
	return e.client.ContainerUnpause(ctx, containerID)
}

func splitLogs(reader io.Reader) (string, string, error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, reader); err != nil {
		return "", "", err
	}
	return stdoutBuf.String(), stderrBuf.String(), nil
}

// Close shuts down the underlying Docker client.
func (e *Executor) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}
