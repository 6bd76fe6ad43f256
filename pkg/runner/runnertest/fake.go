// Package runnertest provides a scriptable in-memory runner.Runner for tests.
package runnertest

import (
	"context"
	"os"
	"strings"
	"sync"

	"DroidView/pkg/runner"
	"DroidView/pkg/types"
)

// Handler decides what a spawned command does
type Handler func(cmd runner.Command) (*Process, error)

// Runner records every Spawn and delegates to a Handler
type Runner struct {
	mu      sync.Mutex
	handler Handler
	calls   []runner.Command
}

func New(h Handler) *Runner {
	return &Runner{handler: h}
}

// SetHandler swaps the handler; later spawns use the new one
func (r *Runner) SetHandler(h Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

func (r *Runner) Spawn(cmd runner.Command) (runner.Process, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	h := r.handler
	r.mu.Unlock()

	if h == nil {
		return Completed(0), nil
	}
	p, err := h(cmd)
	if err != nil {
		return nil, err
	}
	if cmd.StdoutFile != "" {
		if err := os.WriteFile(cmd.StdoutFile, p.Stdout, 0644); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Calls returns a copy of every spawned command, in order
func (r *Runner) Calls() []runner.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]runner.Command, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns how many spawned commands contain the argument sequence
func (r *Runner) Count(seq ...string) int {
	n := 0
	for _, c := range r.Calls() {
		if Has(c, seq...) {
			n++
		}
	}
	return n
}

// Has reports whether cmd's arguments contain seq contiguously
func Has(cmd runner.Command, seq ...string) bool {
	if len(seq) == 0 {
		return true
	}
	for i := 0; i+len(seq) <= len(cmd.Args); i++ {
		match := true
		for j, s := range seq {
			if cmd.Args[i+j] != s {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// NotFound is a handler result for a missing binary
func NotFound(cmd runner.Command) error {
	return &types.SpawnError{Binary: cmd.Name, Err: errNotFound}
}

type notFoundError struct{}

func (notFoundError) Error() string { return "executable file not found in $PATH" }

var errNotFound = notFoundError{}

// Process is a fake child process controlled by the test
type Process struct {
	pid   int
	lines chan string
	done  chan struct{}

	mu         sync.Mutex
	status     runner.ExitStatus
	exited     bool
	tail       []string
	terminated bool
	killed     bool

	// IgnoreTerminate makes Terminate a no-op, modelling an unresponsive process.
	IgnoreTerminate bool
	// TerminateCode is the exit code reported after a honoured Terminate.
	TerminateCode int
	// Stdout is written to Command.StdoutFile when the command sets one.
	Stdout []byte
}

var (
	pidMu   sync.Mutex
	nextPid = 1000
)

// NewProcess returns a running process that exits only when told to
func NewProcess() *Process {
	pidMu.Lock()
	nextPid++
	pid := nextPid
	pidMu.Unlock()
	return &Process{
		pid:   pid,
		lines: make(chan string, 1024),
		done:  make(chan struct{}),
	}
}

// Completed returns a process that already printed lines and exited with code
func Completed(code int, lines ...string) *Process {
	p := NewProcess()
	for _, l := range lines {
		p.Emit(l)
	}
	p.Exit(code)
	return p
}

// Output splits text into lines and returns a completed process
func Output(code int, text string) *Process {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return Completed(code)
	}
	return Completed(code, strings.Split(text, "\n")...)
}

// Emit writes one output line; ignored after exit
func (p *Process) Emit(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.tail = append(p.tail, line)
	if len(p.tail) > 32 {
		p.tail = p.tail[1:]
	}
	p.lines <- line
}

// Exit finishes the process with code; later calls are ignored
func (p *Process) Exit(code int) {
	p.exitWith(runner.ExitStatus{Code: code})
}

func (p *Process) exitWith(st runner.ExitStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.status = st
	close(p.lines)
	close(p.done)
}

func (p *Process) Pid() int              { return p.pid }
func (p *Process) Lines() <-chan string  { return p.lines }
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Tail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.tail))
	copy(out, p.tail)
	return out
}

func (p *Process) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	ignore := p.IgnoreTerminate
	code := p.TerminateCode
	p.mu.Unlock()
	if !ignore {
		p.Exit(code)
	}
	return nil
}

func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exitWith(runner.ExitStatus{Code: -1, Signaled: true})
	return nil
}

func (p *Process) Wait(ctx context.Context) (runner.ExitStatus, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.status, nil
	case <-ctx.Done():
		return runner.ExitStatus{}, ctx.Err()
	}
}

func (p *Process) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}
