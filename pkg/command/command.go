// Package command runs the external tools the pipeline delegates to
// (ostree, flatpak, flatpak-builder).
//
// Every invocation blocks until the process exits. The working directory is
// part of the command instead of being changed on the running process.
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
)

// Cmd describes one external invocation.
type Cmd struct {
	Name string
	Args []string
	Dir  string // working directory, empty for the caller's
}

func New(name string, args ...string) Cmd {
	return Cmd{Name: name, Args: args}
}

// In returns a copy of c that runs in dir.
func (c Cmd) In(dir string) Cmd {
	c.Dir = dir
	return c
}

// String is the command line used in logs and errors.
func (c Cmd) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// ExitError is returned when a tool could not be started or exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int // -1 if the process did not run to completion
	Err      error
}

func (e *ExitError) Error() string {
	if e.ExitCode < 0 {
		return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
}

func (e *ExitError) Unwrap() []error {
	return []error{errdefs.ErrInternal, e.Err}
}

type Runner interface {
	Run(ctx context.Context, cmd Cmd) error
}

// ExecRunner starts real processes. Tool output goes to Stdout and Stderr,
// which default to the process' own streams.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Logger: slog.Default(),
	}
}

// var alias for exec.CommandContext that can be replaced in tests
var execCommand = exec.CommandContext

func (r *ExecRunner) Run(ctx context.Context, c Cmd) error {
	r.Logger.DebugContext(ctx, "running command", "command", c.String(), "dir", c.Dir)

	cmd := execCommand(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr

	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return &ExitError{Command: c.String(), ExitCode: code, Err: err}
	}
	return nil
}

// Recorder is a Runner that only records commands. Fail makes the command
// at the given call index return an ExitError with status 1.
type Recorder struct {
	mu    sync.Mutex
	Calls []Cmd
	Fail  map[int]bool
}

func (r *Recorder) Run(_ context.Context, c Cmd) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := len(r.Calls)
	r.Calls = append(r.Calls, c)
	if r.Fail[idx] {
		return &ExitError{Command: c.String(), ExitCode: 1, Err: errors.New("exit status 1")}
	}
	return nil
}

// Lines returns the recorded command lines.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	lines := make([]string, len(r.Calls))
	for i, c := range r.Calls {
		lines[i] = c.String()
	}
	return lines
}
