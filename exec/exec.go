package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/flanksource/commons/logger"
	"github.com/flanksource/resultcache/shutdown"
)

// Process is a child process, typically another copy of this binary acting as
// a cache worker. Stdout is captured for the caller; stderr is captured and
// also streamed to our own stderr so worker logs stay visible.
type Process struct {
	Started *time.Time
	cmd     *exec.Cmd
	Env     map[string]string
	Cwd     string
	Err     error
	Log     logger.Logger
	Stderr  bytes.Buffer
	Stdout  bytes.Buffer
	Cmd     string
	Args    []string

	// Grace is how long Terminate waits after an interrupt before killing
	Grace time.Duration

	done chan struct{}
	once sync.Once
}

// Command prepares name to run with args
func Command(name string, args ...string) *Process {
	return &Process{
		Cmd:   name,
		Args:  args,
		Log:   logger.GetLogger("exec"),
		Grace: 10 * time.Second,
	}
}

// Self prepares the currently running executable to run with args
func Self(args ...string) (*Process, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	return Command(path, args...), nil
}

func (p *Process) WithEnv(env map[string]string) *Process {
	p.Env = env
	return p
}

func (p *Process) WithCwd(cwd string) *Process {
	p.Cwd = cwd
	return p
}

func (p *Process) WithLogger(log logger.Logger) *Process {
	p.Log = log
	return p
}

func (p *Process) Name() string {
	if p.cmd != nil && p.cmd.Process != nil {
		return fmt.Sprintf("%s[%d]", p.Cmd, p.cmd.Process.Pid)
	}
	return p.Cmd
}

// Out returns everything the process wrote
func (p *Process) Out() string {
	return p.Stderr.String() + p.Stdout.String()
}

// Start launches the process in the background. Cancelling ctx interrupts
// it, and a shutdown hook makes sure it is stopped before the database is
// touched on exit.
func (p *Process) Start(ctx context.Context) error {
	if p.cmd != nil {
		return fmt.Errorf("process %s already started", p.Name())
	}

	cmd := exec.CommandContext(ctx, p.Cmd, p.Args...)
	cmd.Dir = p.Cwd
	cmd.Stdout = &p.Stdout
	cmd.Stderr = io.MultiWriter(&p.Stderr, os.Stderr)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = p.Grace

	if len(p.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range p.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	if err := cmd.Start(); err != nil {
		p.Err = err
		return fmt.Errorf("failed to start %s: %w", p.Cmd, err)
	}
	started := time.Now()
	p.Started = &started
	p.cmd = cmd
	p.done = make(chan struct{})
	p.Log.Debugf("Started %s %v", p.Name(), p.Args)

	shutdown.AddHookWithPriority("Stopping "+p.Name(), shutdown.PriorityWorkers, func() {
		if err := p.Terminate(); err != nil {
			p.Log.Warnf("failed to stop %s: %v", p.Name(), err)
		}
	})
	return nil
}

// Wait blocks until the process exits and returns its error. It is safe to
// call more than once and from several goroutines.
func (p *Process) Wait() error {
	if p.cmd == nil {
		return fmt.Errorf("process %s not started", p.Cmd)
	}
	p.once.Do(func() {
		p.Err = p.cmd.Wait()
		close(p.done)
		if p.Err != nil {
			p.Log.Debugf("%s exited: %v", p.Name(), p.Err)
		}
	})
	<-p.done
	return p.Err
}

// Run starts the process and waits for it
func (p *Process) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	return p.Wait()
}

func (p *Process) IsOK() bool {
	return p.Err == nil && p.cmd != nil && p.cmd.ProcessState != nil && p.cmd.ProcessState.Success()
}

// Exited reports whether the process has been waited for
func (p *Process) Exited() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminate interrupts the process and kills it if it has not exited after
// Grace. Terminating an exited process is a no-op.
func (p *Process) Terminate() error {
	if p.cmd == nil || p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}

	exited := make(chan struct{})
	go func() {
		_ = p.Wait()
		close(exited)
	}()

	select {
	case <-exited:
		return nil
	case <-time.After(p.Grace):
		p.Log.Warnf("%s did not exit within %s, killing", p.Name(), p.Grace)
		return p.Kill()
	}
}

func (p *Process) Kill() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
