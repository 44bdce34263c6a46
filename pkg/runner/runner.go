// Package runner compiles and runs student code as local child processes
// for graders working without a container runtime. The process may be
// paused and resumed by the operator mid-run.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/tagrader/pkg/archive"
)

// PollInterval is how often a running child is checked for exit.
const PollInterval = 100 * time.Millisecond

// ErrCompileFailed reports a build failure; the compiler output travels
// alongside it.
var ErrCompileFailed = errors.New("compile failed")

// ErrNoSources reports a part directory with nothing to compile.
var ErrNoSources = errors.New("no source files to compile")

// Runner builds and executes student submissions locally.
type Runner struct {
	compiler string
	logger   zerolog.Logger
}

// New constructs a local runner. compiler defaults to g++.
func New(compiler string, logger zerolog.Logger) *Runner {
	if compiler == "" {
		compiler = "g++"
	}
	return &Runner{
		compiler: compiler,
		logger:   logger.With().Str("component", "runner").Logger(),
	}
}

// Compile builds every C++ source under srcDir into a temp executable,
// returning the executable path. On build failure the compiler's stderr is
// returned with ErrCompileFailed.
func (r *Runner) Compile(ctx context.Context, srcDir string) (string, string, error) {
	sources, err := archive.SourceFilesWithExt(srcDir, ".cpp")
	if err != nil {
		return "", "", err
	}
	if len(sources) == 0 {
		return "", "", ErrNoSources
	}

	// The binary goes to its own temp dir so the workspace stays a pure
	// source tree for editors and diffs.
	buildDir, err := os.MkdirTemp("", "tagrader-build-")
	if err != nil {
		return "", "", fmt.Errorf("create build dir: %w", err)
	}
	executable := filepath.Join(buildDir, "run")

	args := append([]string{"-g", "-o", executable, "-I" + srcDir}, sources...)
	cmd := exec.CommandContext(ctx, r.compiler, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", stderr.String(), fmt.Errorf("%w: %v", ErrCompileFailed, err)
	}
	return executable, "", nil
}

// Start launches the executable (optionally under gdb) attached to the
// operator's terminal and returns a pausable handle.
func (r *Runner) Start(executable string, useGdb bool) (*Process, error) {
	var cmd *exec.Cmd
	if useGdb {
		cmd = exec.Command("gdb", executable)
	} else {
		cmd = exec.Command(executable)
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start student program: %w", err)
	}

	p := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	r.logger.Info().Int("pid", cmd.Process.Pid).Bool("gdb", useGdb).Msg("student program started")
	return p, nil
}

// Process is a running student program.
type Process struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

// Alive reports whether the child has not exited yet.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Pause suspends the child.
func (p *Process) Pause() error {
	return p.cmd.Process.Signal(syscall.SIGSTOP)
}

// Resume continues a suspended child.
func (p *Process) Resume() error {
	return p.cmd.Process.Signal(syscall.SIGCONT)
}

// Kill terminates the child.
func (p *Process) Kill() error {
	return p.cmd.Process.Kill()
}

// Wait polls until the child exits, the context is canceled, or cont
// reports the operator gave the terminal back while the child was paused.
// It returns true when the child is intentionally left paused.
func (p *Process) Wait(ctx context.Context, cont func() bool) (bool, error) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return false, p.exitError()
		case <-ctx.Done():
			return p.Alive(), ctx.Err()
		case <-ticker.C:
			if !cont() {
				return p.Alive(), nil
			}
		}
	}
}

func (p *Process) exitError() error {
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		// Nonzero student exits are ordinary.
		return nil
	}
	return p.waitErr
}
