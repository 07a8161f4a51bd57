package task

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Reportable failure conditions. These are expected, recoverable outcomes
// that callers match with errors.Is, not defects.
var (
	// ErrTaskExists is returned by Start when the name is already taken,
	// even if the existing task has stopped.
	ErrTaskExists = errors.New("task already exists")

	// ErrTaskNotFound is returned by operations on a name with no entry.
	ErrTaskNotFound = errors.New("task not found")

	// ErrStdinUnavailable is returned by stdin writes when the pipe was
	// never established, was closed, or the OS reports a broken pipe.
	ErrStdinUnavailable = errors.New("stdin unavailable")
)

// DefaultShell runs command lines unless the registry is configured
// otherwise.
const DefaultShell = "/bin/sh"

// Info is a point-in-time snapshot of one task, as returned by List.
type Info struct {
	Name  string
	ID    string
	PID   int
	State State
}

// Registry tracks all supervised tasks by name. It enforces name uniqueness
// and dispatches operations to the owning task. All methods are safe for
// concurrent use.
//
// A task leaves the registry only through Stop. A process that exits on its
// own stays listed, stopped, with its final output intact.
type Registry struct {
	log   *zap.SugaredLogger
	shell string

	mut   sync.Mutex
	tasks map[string]*Task
	order []string
}

type RegistryOption func(r *Registry)

// WithShell sets the shell used to interpret command lines.
func WithShell(shell string) RegistryOption {
	return func(r *Registry) {
		r.shell = shell
	}
}

func NewRegistry(log *zap.SugaredLogger, opts ...RegistryOption) *Registry {
	r := &Registry{
		log:   log.Named("registry"),
		shell: DefaultShell,
		tasks: map[string]*Task{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start spawns commandLine as a new task under name and returns its pid.
// A taken name fails with ErrTaskExists regardless of the existing task's
// state. A spawn failure leaves the registry unchanged.
func (r *Registry) Start(name, commandLine string) (int, error) {
	r.mut.Lock()
	defer r.mut.Unlock()

	if _, ok := r.tasks[name]; ok {
		return -1, fmt.Errorf("task %q: %w", name, ErrTaskExists)
	}

	t, err := spawn(r.log, r.shell, name, commandLine)
	if err != nil {
		return -1, fmt.Errorf("spawning task %q: %w", name, err)
	}

	r.tasks[name] = t
	r.order = append(r.order, name)
	r.log.Debugw("started task", "Name", name, "ID", t.ID, "PID", t.PID())
	return t.PID(), nil
}

// Stop kills the named task and removes it from the registry. An unknown
// name reports ErrTaskNotFound, which is a normal outcome rather than a
// defect: stopping twice yields not-found on the second call.
func (r *Registry) Stop(name string) error {
	r.mut.Lock()
	t, ok := r.tasks[name]
	if ok {
		delete(r.tasks, name)
		for i, n := range r.order {
			if n == name {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mut.Unlock()

	if !ok {
		return fmt.Errorf("task %q: %w", name, ErrTaskNotFound)
	}
	t.Kill()
	r.log.Debugw("stopped task", "Name", name, "ID", t.ID)
	return nil
}

// List returns a snapshot of every tracked task in insertion order.
func (r *Registry) List() []Info {
	r.mut.Lock()
	defer r.mut.Unlock()

	infos := make([]Info, 0, len(r.order))
	for _, name := range r.order {
		infos = append(infos, r.tasks[name].Info())
	}
	return infos
}

// Info returns a snapshot of the named task.
func (r *Registry) Info(name string) (Info, error) {
	t, err := r.get(name)
	if err != nil {
		return Info{}, err
	}
	return t.Info(), nil
}

// Stdout returns the named task's accumulated stdout. An empty string is a
// meaningful result (no output yet), distinct from not-found.
func (r *Registry) Stdout(name string) (string, error) {
	t, err := r.get(name)
	if err != nil {
		return "", err
	}
	return t.Stdout(), nil
}

// Stderr returns the named task's accumulated stderr.
func (r *Registry) Stderr(name string) (string, error) {
	t, err := r.get(name)
	if err != nil {
		return "", err
	}
	return t.Stderr(), nil
}

// WriteStdin writes data to the named task's stdin. A failure affects only
// that task; every other entry is untouched.
func (r *Registry) WriteStdin(name string, data []byte) error {
	t, err := r.get(name)
	if err != nil {
		return err
	}
	return t.WriteStdin(data)
}

// ShutdownAll sends a kill to every tracked task. It is used during
// process-wide teardown, so entries are not removed; issuing the signals is
// instantaneous and does not wait for the children to exit.
func (r *Registry) ShutdownAll() {
	r.mut.Lock()
	tasks := make([]*Task, 0, len(r.order))
	for _, name := range r.order {
		tasks = append(tasks, r.tasks[name])
	}
	r.mut.Unlock()

	for _, t := range tasks {
		t.Kill()
	}
	r.log.Debugf("killed %d tasks", len(tasks))
}

// RunningCount returns the number of tasks currently in StateRunning.
func (r *Registry) RunningCount() int {
	r.mut.Lock()
	defer r.mut.Unlock()

	n := 0
	for _, t := range r.tasks {
		if t.State() == StateRunning {
			n++
		}
	}
	return n
}

func (r *Registry) get(name string) (*Task, error) {
	r.mut.Lock()
	defer r.mut.Unlock()

	t, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", name, ErrTaskNotFound)
	}
	return t, nil
}
