// Package runner spawns external commands and exposes their output as a lazy
// line stream, plus termination and exit status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"DroidView/pkg/types"
)

// Command describes one external invocation
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to the (proxy-filtered) parent environment

	// StdoutFile, when set, receives stdout verbatim; only stderr is line-read.
	StdoutFile string
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// ExitStatus is the outcome of a finished process
type ExitStatus struct {
	Code     int  `json:"code"`
	Signaled bool `json:"signaled"`
}

func (s ExitStatus) Success() bool {
	return s.Code == 0 && !s.Signaled
}

// Process is a handle to a spawned child process
type Process interface {
	Pid() int
	// Lines yields output lines and is closed once the process output ends.
	Lines() <-chan string
	// Tail returns the most recent output lines, oldest first.
	Tail() []string
	// Terminate asks the process to exit (interrupt; kill on Windows).
	Terminate() error
	Kill() error
	// Done is closed once the exit status is known.
	Done() <-chan struct{}
	Wait(ctx context.Context) (ExitStatus, error)
}

// Runner creates processes. Spawn returns a *types.SpawnError when the binary cannot be started.
type Runner interface {
	Spawn(cmd Command) (Process, error)
}

// Result is the collected output of a finished short-lived command
type Result struct {
	Lines []string
	Exit  ExitStatus
}

func (r Result) Output() string {
	return strings.Join(r.Lines, "\n")
}

// LastLine returns the last non-empty output line
func (r Result) LastLine() string {
	for i := len(r.Lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(r.Lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// Contains reports whether any output line contains substr
func (r Result) Contains(substr string) bool {
	for _, l := range r.Lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// ExitError is returned by Run for a non-zero exit
type ExitError struct {
	Cmd    string
	Status ExitStatus
	Last   string
}

func (e *ExitError) Error() string {
	if e.Last != "" {
		return fmt.Sprintf("%s: exit status %d: %s", e.Cmd, e.Status.Code, e.Last)
	}
	return fmt.Sprintf("%s: exit status %d", e.Cmd, e.Status.Code)
}

// Run spawns cmd, drains its output and waits for it. When ctx ends first the
// process is killed and a *types.TimeoutError (deadline) or ctx.Err() is returned.
func Run(ctx context.Context, r Runner, cmd Command) (Result, error) {
	start := time.Now()
	p, err := r.Spawn(cmd)
	if err != nil {
		return Result{}, err
	}

	var res Result
	lines := p.Lines()
	for lines != nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			res.Lines = append(res.Lines, line)
		case <-ctx.Done():
			_ = p.Kill()
			return res, contextError(ctx, cmd, start)
		}
	}

	status, err := p.Wait(ctx)
	if err != nil {
		_ = p.Kill()
		return res, contextError(ctx, cmd, start)
	}
	res.Exit = status
	if !status.Success() {
		return res, &ExitError{Cmd: cmd.String(), Status: status, Last: res.LastLine()}
	}
	return res, nil
}

func contextError(ctx context.Context, cmd Command, start time.Time) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &types.TimeoutError{Op: cmd.String(), Timeout: time.Since(start).Round(time.Millisecond)}
	}
	return fmt.Errorf("%s: %w", cmd.String(), ctx.Err())
}
