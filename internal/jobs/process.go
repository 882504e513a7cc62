package jobs

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrKilled reports that a process ignored its interrupt and had to be
// killed.
var ErrKilled = errors.New("process escalated to SIGKILL")

const killWait = 5 * time.Second

// Process is a running OS process owned by the server or a supervisor.
type Process interface {
	Pid() int
	// Alive reports whether the process has not yet been reaped.
	Alive() bool
	// Signal delivers sig to the process group. Signalling an exited
	// process is not an error.
	Signal(sig unix.Signal) error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Wait blocks until exit or until ctx ends.
	Wait(ctx context.Context) error
	Kill() error
}

// StartOptions tune how a process is spawned.
type StartOptions struct {
	// Quiet discards the child's stdout and stderr.
	Quiet  bool
	Stdout io.Writer
	Stderr io.Writer
	Env    []string
	Dir    string
}

// ExecProcess is a Process backed by os/exec. Each process leads its own
// process group and is reaped by a background goroutine.
type ExecProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

// Start launches argv.
func Start(argv []string, opts StartOptions) (*ExecProcess, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command line")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = opts.Env
	cmd.Dir = opts.Dir
	if !opts.Quiet {
		cmd.Stdout = opts.Stdout
		cmd.Stderr = opts.Stderr
		if cmd.Stdout == nil {
			cmd.Stdout = os.Stdout
		}
		if cmd.Stderr == nil {
			cmd.Stderr = os.Stderr
		}
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", argv[0])
	}
	p := &ExecProcess{cmd: cmd, done: make(chan struct{})}
	go p.reap()
	return p, nil
}

func (p *ExecProcess) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

func (p *ExecProcess) Pid() int { return p.cmd.Process.Pid }

func (p *ExecProcess) Done() <-chan struct{} { return p.done }

func (p *ExecProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Err returns the exit error once the process is reaped.
func (p *ExecProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *ExecProcess) Signal(sig unix.Signal) error {
	if !p.Alive() {
		return nil
	}
	pid := p.Pid()
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// the group leader may have changed groups; fall back to the pid
		err = unix.Kill(pid, sig)
	}
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return errors.Wrapf(err, "signal %s to %d", sig, pid)
	}
	return nil
}

func (p *ExecProcess) Kill() error { return p.Signal(unix.SIGKILL) }

func (p *ExecProcess) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop sends sig, waits up to grace, then escalates to SIGKILL and waits
// for the reaper.
func Stop(ctx context.Context, p Process, sig unix.Signal, grace time.Duration) error {
	if p == nil || !p.Alive() {
		return nil
	}
	if err := p.Signal(sig); err != nil {
		return err
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.Done():
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}
	if err := p.Kill(); err != nil {
		return err
	}
	select {
	case <-p.Done():
		return ErrKilled
	case <-time.After(killWait):
		return errors.Errorf("process %d did not exit after SIGKILL", p.Pid())
	}
}
