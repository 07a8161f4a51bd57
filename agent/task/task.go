package task

import (
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Task supervises a single child process spawned from a shell command line.
// It owns the process exclusively: the pid, the stdin pipe, and the
// stdout/stderr accumulators are never shared with another task.
type Task struct {
	// Name is the registry key, unique and immutable.
	Name string
	// ID is a stable identifier assigned at spawn, for logs and listings.
	ID string

	log *zap.SugaredLogger
	cmd *exec.Cmd

	stdout *outputBuffer
	stderr *outputBuffer

	mut      sync.Mutex
	stdin    io.WriteCloser
	state    State
	exitCode *int
}

// spawn starts commandLine through the shell and begins capturing its output.
// The command line is interpreted shell syntax, not an argv vector: pipes,
// redirects, and shell operators are honored. On spawn failure nothing is
// left running and the error surfaces to the caller.
func spawn(log *zap.SugaredLogger, shell, name, commandLine string) (*Task, error) {
	t := &Task{
		Name:   name,
		ID:     uuid.NewString(),
		stdout: &outputBuffer{},
		stderr: &outputBuffer{},
		state:  StateRunning,
	}
	t.log = log.With("name", name, "id", t.ID)

	cmd := exec.Command(shell, "-c", commandLine)
	cmd.Stdout = t.stdout
	cmd.Stderr = t.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	t.cmd = cmd
	t.stdin = stdin

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("starting command: %w", err)
	}
	t.log.Debugf("spawned process %d", cmd.Process.Pid)

	go t.watchExit()

	return t, nil
}

// watchExit waits for the process to exit and records its exit code. The
// state transition races with Kill; first write wins, so if the task was
// already marked stopped by the kill path the exit code stays unset.
func (t *Task) watchExit() {
	err := t.cmd.Wait()
	code := t.cmd.ProcessState.ExitCode()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			t.log.Debugf("unexpected wait error: %s", err)
		}
	}

	t.mut.Lock()
	if t.state == StateRunning {
		t.state = StateStopped
		t.exitCode = &code
	}
	stdin := t.stdin
	t.stdin = nil
	t.mut.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	t.log.Debugf("process %d exited with code %d", t.PID(), code)
}

// Kill sends SIGKILL to the process and marks the task stopped. It is
// idempotent and optimistic: the local state flips synchronously without
// waiting for the OS to confirm the exit.
func (t *Task) Kill() {
	t.mut.Lock()
	if t.state == StateStopped {
		t.mut.Unlock()
		return
	}
	t.state = StateStopped
	stdin := t.stdin
	t.stdin = nil
	t.mut.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil {
			t.log.Debugf("error killing process %d: %s", t.PID(), err)
		}
	}
}

// Stdout returns the full accumulated stdout so far. Non-blocking, callable
// in any state, and never a drain: repeated calls return growing prefixes.
func (t *Task) Stdout() string {
	return t.stdout.String()
}

// Stderr returns the full accumulated stderr so far.
func (t *Task) Stderr() string {
	return t.stderr.String()
}

// WriteStdin queues data into the process's stdin pipe. It does not wait for
// the child to consume it. If the pipe is gone (task stopped, pipe closed, or
// the OS reports a broken pipe) it fails with ErrStdinUnavailable.
func (t *Task) WriteStdin(data []byte) error {
	t.mut.Lock()
	stdin := t.stdin
	t.mut.Unlock()

	if stdin == nil {
		return ErrStdinUnavailable
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %s", ErrStdinUnavailable, err)
	}
	return nil
}

func (t *Task) State() State {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.state
}

// ExitCode returns the recorded exit code, or nil if the process is still
// running or was killed before its exit was observed.
func (t *Task) ExitCode() *int {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.exitCode
}

// PID returns the OS process id, or -1 if the OS did not report one.
func (t *Task) PID() int {
	if t.cmd.Process == nil {
		return -1
	}
	return t.cmd.Process.Pid
}

// Info returns a snapshot of the task's identity and state.
func (t *Task) Info() Info {
	return Info{
		Name:  t.Name,
		ID:    t.ID,
		PID:   t.PID(),
		State: t.State(),
	}
}
