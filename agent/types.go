package agent

// StartTaskRequest asks the agent to spawn Command under the unique Name.
// Command is interpreted shell syntax, not an argv vector.
type StartTaskRequest struct {
	Name    string
	Command string
}

type StartTaskResponse struct {
	PID int
	ID  string
}

// TaskInfo is one entry of the task listing.
type TaskInfo struct {
	Name  string
	ID    string
	PID   int
	State string
}

type StopTaskResponse struct {
	Stopped bool
}

type WriteStdinResponse struct {
	Written int
}
