package task

// State is the lifecycle state of a task.
// A task starts Running and transitions to Stopped at most once, either when
// its process exit is observed or when it is killed. There is no way back.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// IsTerminal returns true if the state is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateStopped
}
