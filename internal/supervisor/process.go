package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Process is a supervised child process. Its exit is observed by a
// background goroutine so liveness can be queried without blocking.
type Process struct {
	name string
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitErr  error
	stopOnce sync.Once
}

// ProcessError reports an unexpected exit of a supervised process.
type ProcessError struct {
	Name string
	Err  error
}

// Error implements error.
func (e *ProcessError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("supervisor: %s exited", e.Name)
	}
	return fmt.Sprintf("supervisor: %s exited: %v", e.Name, e.Err)
}

// Unwrap returns the underlying wait error.
func (e *ProcessError) Unwrap() error { return e.Err }

// start launches cmd with standard output and error discarded.
func start(name string, cmd *exec.Cmd) (*Process, error) {
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start %s: %w", name, err)
	}
	p := &Process{name: name, cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	slog.Debug("supervisor: process started", "name", name, "pid", cmd.Process.Pid, "args", cmd.Args[1:])
	return p, nil
}

// Name returns the label the process was started under.
func (p *Process) Name() string { return p.name }

// PID returns the operating-system process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Running reports whether the process has not exited yet.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error once the process has exited, or nil while it
// runs or after a clean exit.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Stop sends SIGTERM, waits up to grace for the process to exit, then sends
// SIGKILL. It is idempotent and never returns an error; failures are logged.
func (p *Process) Stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		if !p.Running() {
			return
		}
		log := slog.With("name", p.name, "pid", p.PID())
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Warn("supervisor: terminate failed, killing", "err", err)
		} else {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-p.done:
				log.Debug("supervisor: process terminated")
				return
			case <-timer.C:
				log.Warn("supervisor: process ignored terminate, killing", "grace", grace)
			}
		}
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Error("supervisor: kill failed", "err", err)
			return
		}
		<-p.done
	})
}
