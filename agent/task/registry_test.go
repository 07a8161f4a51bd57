package task

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func newTestRegistry(t *testing.T) *Registry {
	r := NewRegistry(log)
	t.Cleanup(r.ShutdownAll)
	return r
}

func waitForState(t *testing.T, r *Registry, name string, want State) {
	require.Eventually(t, func() bool {
		info, err := r.Info(name)
		if err != nil {
			return false
		}
		return info.State == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartReturnsPID(t *testing.T) {
	r := newTestRegistry(t)

	pid, err := r.Start("sleeper", "sleep 60")
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	require.NoError(t, r.Stop("sleeper"))
}

func TestDuplicateNameRejected(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Start("dup", "sleep 60")
	require.NoError(t, err)

	_, err = r.Start("dup", "sleep 60")
	require.ErrorIs(t, err, ErrTaskExists)
}

func TestDuplicateNameRejectedAfterExit(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Start("dup", "true")
	require.NoError(t, err)
	waitForState(t, r, "dup", StateStopped)

	// a stopped entry still blocks its name until explicitly stopped
	_, err = r.Start("dup", "sleep 60")
	require.ErrorIs(t, err, ErrTaskExists)

	require.NoError(t, r.Stop("dup"))
	_, err = r.Start("dup", "sleep 60")
	require.NoError(t, err)
}

func TestStopTwiceReportsNotFound(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Start("once", "sleep 60")
	require.NoError(t, err)

	require.NoError(t, r.Stop("once"))
	require.ErrorIs(t, r.Stop("once"), ErrTaskNotFound)
}

func TestListInsertionOrder(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Start("a", "sleep 60")
	require.NoError(t, err)
	_, err = r.Start("b", "sleep 60")
	require.NoError(t, err)
	_, err = r.Start("c", "sleep 60")
	require.NoError(t, err)

	infos := r.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].Name)
	assert.Equal(t, "b", infos[1].Name)
	assert.Equal(t, "c", infos[2].Name)

	require.NoError(t, r.Stop("a"))

	infos = r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "b", infos[0].Name)
	assert.Equal(t, "c", infos[1].Name)
}

func TestExitDoesNotEvict(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Start("short", "true")
	require.NoError(t, err)
	waitForState(t, r, "short", StateStopped)

	infos := r.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "short", infos[0].Name)
	assert.Equal(t, StateStopped, infos[0].State)

	require.NoError(t, r.Stop("short"))
	assert.Empty(t, r.List())
}

func TestMonotonicStdout(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Start("writer", "printf a; sleep 0.2; printf b")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out, err := r.Stdout("writer")
		return err == nil && out == "ab"
	}, 5*time.Second, 5*time.Millisecond)

	// reads never disagree on the prefix
	prev := ""
	for i := 0; i < 10; i++ {
		out, err := r.Stdout("writer")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, prev))
		prev = out
	}
}

func TestStderrCaptured(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Start("errs", "echo oops >&2")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out, err := r.Stderr("errs")
		return err == nil && strings.Contains(out, "oops")
	}, 5*time.Second, 10*time.Millisecond)

	out, err := r.Stdout("errs")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestWriteStdinRoundTrip(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Start("echoer", "cat")
	require.NoError(t, err)

	require.NoError(t, r.WriteStdin("echoer", []byte("hello\n")))

	require.Eventually(t, func() bool {
		out, err := r.Stdout("echoer")
		return err == nil && strings.Contains(out, "hello")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWriteStdinNotFound(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Start("bystander", "sleep 60")
	require.NoError(t, err)

	err = r.WriteStdin("nope", []byte("data"))
	require.ErrorIs(t, err, ErrTaskNotFound)

	// the failure leaves other tasks untouched
	info, err := r.Info("bystander")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, info.State)
}

func TestWriteStdinAfterExit(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Start("gone", "true")
	require.NoError(t, err)
	waitForState(t, r, "gone", StateStopped)

	err = r.WriteStdin("gone", []byte("data"))
	require.ErrorIs(t, err, ErrStdinUnavailable)
}

func TestSpawnFailureLeavesRegistryUnchanged(t *testing.T) {
	r := NewRegistry(log, WithShell("/nonexistent/shell"))

	_, err := r.Start("broken", "true")
	require.Error(t, err)
	assert.Empty(t, r.List())

	// the name was never claimed, so a retry fails on the spawn again,
	// not on a duplicate name
	_, err = r.Start("broken", "true")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTaskExists)
}

func TestShutdownAllKillsButKeepsEntries(t *testing.T) {
	r := NewRegistry(log)

	_, err := r.Start("s1", "sleep 60")
	require.NoError(t, err)
	_, err = r.Start("s2", "sleep 60")
	require.NoError(t, err)

	r.ShutdownAll()

	infos := r.List()
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.Equal(t, StateStopped, info.State)
	}
}
