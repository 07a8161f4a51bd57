package task

import (
	"bytes"
	"sync"
)

// outputBuffer accumulates stdout or stderr bytes from a child process.
// Writes come from the exec.Cmd copier goroutine, reads come from callers
// polling the output, so both sides take the mutex. The buffer is append-only
// and unbounded: reads return the full history so far and never drain it, so
// a reader always sees a monotonically growing prefix of the output.
type outputBuffer struct {
	mut sync.Mutex
	buf bytes.Buffer
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.Write(p)
}

func (b *outputBuffer) String() string {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.String()
}

func (b *outputBuffer) Len() int {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.Len()
}
