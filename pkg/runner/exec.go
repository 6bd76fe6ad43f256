package runner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"DroidView/pkg/types"

	"github.com/rs/zerolog"
)

const (
	defaultTailSize = 32
	waitDelay       = 2 * time.Second
)

// proxyVars are stripped from child environments; adb and scrcpy talk to local sockets only
var proxyVars = []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "all_proxy", "no_proxy"}

// ExecRunner spawns real OS processes
type ExecRunner struct {
	TailSize int
	Logger   zerolog.Logger
}

func NewExecRunner(logger zerolog.Logger) *ExecRunner {
	return &ExecRunner{TailSize: defaultTailSize, Logger: logger}
}

// Spawn starts cmd without waiting for it
func (r *ExecRunner) Spawn(cmd Command) (Process, error) {
	path, err := exec.LookPath(cmd.Name)
	if err != nil {
		return nil, &types.SpawnError{Binary: cmd.Name, Err: err}
	}

	c := exec.Command(path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(filterEnv(os.Environ()), cmd.Env...)

	var stdoutFile *os.File
	var pipes []*io.PipeWriter
	var readers []io.Reader
	if cmd.StdoutFile != "" {
		stdoutFile, err = os.Create(cmd.StdoutFile)
		if err != nil {
			return nil, &types.SpawnError{Binary: cmd.Name, Err: err}
		}
		c.Stdout = stdoutFile
	} else {
		pr, pw := io.Pipe()
		c.Stdout = pw
		pipes = append(pipes, pw)
		readers = append(readers, pr)
	}
	pr, pw := io.Pipe()
	c.Stderr = pw
	pipes = append(pipes, pw)
	readers = append(readers, pr)
	// a forked adb server daemon may inherit our pipes; do not wait on it forever
	c.WaitDelay = waitDelay

	if err := c.Start(); err != nil {
		closeFile(stdoutFile)
		for _, w := range pipes {
			w.Close()
		}
		return nil, &types.SpawnError{Binary: cmd.Name, Err: err}
	}

	tailSize := r.TailSize
	if tailSize <= 0 {
		tailSize = defaultTailSize
	}
	p := &execProcess{
		cmd:   c,
		lines: make(chan string),
		done:  make(chan struct{}),
		tail:  newLineRing(tailSize),
	}
	p.cond = sync.NewCond(&p.mu)

	r.Logger.Debug().Str("cmd", cmd.String()).Int("pid", c.Process.Pid).Msg("Process spawned")

	var readersWG sync.WaitGroup
	for _, rd := range readers {
		readersWG.Add(1)
		go func(rd io.Reader) {
			defer readersWG.Done()
			p.read(rd)
		}(rd)
	}
	go func() {
		readersWG.Wait()
		p.finishOutput()
	}()
	go p.pump()
	go func() {
		err := c.Wait()
		for _, w := range pipes {
			w.Close()
		}
		closeFile(stdoutFile)
		p.status = exitStatusOf(c, err)
		close(p.done)
		r.Logger.Debug().Str("cmd", cmd.String()).Int("code", p.status.Code).Msg("Process exited")
	}()

	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	lines  chan string
	done   chan struct{}
	status ExitStatus
	tail   *lineRing

	// pending output not yet consumed from lines; the child never blocks on a slow reader
	mu      sync.Mutex
	cond    *sync.Cond
	pending []string
	eof     bool
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Lines() <-chan string  { return p.lines }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) Tail() []string        { return p.tail.Lines() }

func (p *execProcess) Terminate() error {
	if runtime.GOOS == "windows" {
		return p.Kill()
	}
	return ignoreFinished(p.cmd.Process.Signal(os.Interrupt))
}

func (p *execProcess) Kill() error {
	return ignoreFinished(p.cmd.Process.Kill())
}

func (p *execProcess) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
		return p.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (p *execProcess) read(rd io.Reader) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		p.tail.Push(line)
		p.mu.Lock()
		p.pending = append(p.pending, line)
		p.cond.Signal()
		p.mu.Unlock()
	}
	// drain whatever remains so the child cannot block on a full pipe
	_, _ = io.Copy(io.Discard, rd)
}

func (p *execProcess) finishOutput() {
	p.mu.Lock()
	p.eof = true
	p.cond.Signal()
	p.mu.Unlock()
}

func (p *execProcess) pump() {
	defer close(p.lines)
	for {
		p.mu.Lock()
		for len(p.pending) == 0 && !p.eof {
			p.cond.Wait()
		}
		if len(p.pending) == 0 {
			p.mu.Unlock()
			return
		}
		line := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()
		p.lines <- line
	}
}

func exitStatusOf(c *exec.Cmd, err error) ExitStatus {
	if c.ProcessState == nil {
		return ExitStatus{Code: -1, Signaled: true}
	}
	code := c.ProcessState.ExitCode()
	if code == -1 {
		return ExitStatus{Code: -1, Signaled: true}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) && code == 0 {
		return ExitStatus{Code: -1}
	}
	return ExitStatus{Code: code}
}

func ignoreFinished(err error) error {
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	if strings.Contains(err.Error(), "already finished") {
		return nil
	}
	return err
}

func filterEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, e := range env {
		isProxy := false
		for _, v := range proxyVars {
			if strings.HasPrefix(e, v+"=") {
				isProxy = true
				break
			}
		}
		if !isProxy {
			out = append(out, e)
		}
	}
	return out
}

func closeFile(f *os.File) {
	if f != nil {
		f.Close()
	}
}
