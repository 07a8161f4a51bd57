package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	netutil "github.com/guseggert/taskagent/internal/net"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/guseggert/taskagent/agent/task"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

// startTestAgent runs an agent on an ephemeral port and returns a connected
// client.
func startTestAgent(t *testing.T, opts ...Option) *Client {
	certs, err := GenerateCerts()
	require.NoError(t, err)

	port, err := netutil.GetEphemeralTCPPort()
	require.NoError(t, err)

	opts = append([]Option{WithListenAddr(fmt.Sprintf("127.0.0.1:%d", port))}, opts...)
	a, err := NewTaskAgent(
		certs.CA.CertPEMBytes,
		certs.Server.CertPEMBytes,
		certs.Server.KeyPEMBytes,
		opts...,
	)
	require.NoError(t, err)

	go a.Run()
	t.Cleanup(func() {
		require.NoError(t, a.Stop())
	})

	client, err := NewClient(log, certs, "127.0.0.1", port)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))

	return client
}

func TestNegativeAuthz(t *testing.T) {
	// ensure that unauthorized clients are rejected
	serverCerts, err := GenerateCerts()
	require.NoError(t, err)

	port, err := netutil.GetEphemeralTCPPort()
	require.NoError(t, err)

	a, err := NewTaskAgent(
		serverCerts.CA.CertPEMBytes,
		serverCerts.Server.CertPEMBytes,
		serverCerts.Server.KeyPEMBytes,
		WithListenAddr(fmt.Sprintf("127.0.0.1:%d", port)),
	)
	require.NoError(t, err)

	go a.Run()
	defer func() {
		require.NoError(t, a.Stop())
	}()

	// generate some client certs with the same CA but with keys actually signed by some other CA
	// which should fail server-side validation
	clientCerts, err := GenerateCerts()
	require.NoError(t, err)
	clientCerts.CA = serverCerts.CA
	client, err := NewClient(log, clientCerts, "127.0.0.1", port, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)

	// give the server a moment to come up
	time.Sleep(100 * time.Millisecond)

	err = client.SendHeartbeat(context.Background())
	require.ErrorContains(t, err, "remote error: tls: bad certificate")
}

func TestStartAndPollStdout(t *testing.T) {
	ctx := context.Background()
	client := startTestAgent(t)

	resp, err := client.StartTask(ctx, "t1", "printf hi")
	require.NoError(t, err)
	assert.Greater(t, resp.PID, 0)
	assert.NotEmpty(t, resp.ID)

	require.Eventually(t, func() bool {
		out, err := client.Stdout(ctx, "t1")
		return err == nil && out == "hi"
	}, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, client.StopTask(ctx, "t1"))

	_, err = client.Stdout(ctx, "t1")
	require.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestDuplicateTaskName(t *testing.T) {
	ctx := context.Background()
	client := startTestAgent(t)

	_, err := client.StartTask(ctx, "dup", "sleep 60")
	require.NoError(t, err)

	_, err = client.StartTask(ctx, "dup", "sleep 60")
	require.ErrorIs(t, err, task.ErrTaskExists)
}

func TestListAndStop(t *testing.T) {
	ctx := context.Background()
	client := startTestAgent(t)

	_, err := client.StartTask(ctx, "a", "sleep 60")
	require.NoError(t, err)
	_, err = client.StartTask(ctx, "b", "sleep 60")
	require.NoError(t, err)

	infos, err := client.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Name)
	assert.Equal(t, "b", infos[1].Name)

	require.NoError(t, client.StopTask(ctx, "a"))

	infos, err = client.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "b", infos[0].Name)

	// stopping again reports not-found
	require.ErrorIs(t, client.StopTask(ctx, "a"), task.ErrTaskNotFound)
}

func TestExitedTaskStaysListed(t *testing.T) {
	ctx := context.Background()
	client := startTestAgent(t)

	_, err := client.StartTask(ctx, "short", "true")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		infos, err := client.ListTasks(ctx)
		return err == nil && len(infos) == 1 && infos[0].State == string(task.StateStopped)
	}, 10*time.Second, 50*time.Millisecond)
}

func TestWriteStdin(t *testing.T) {
	ctx := context.Background()
	client := startTestAgent(t)

	_, err := client.StartTask(ctx, "echoer", "cat")
	require.NoError(t, err)

	require.NoError(t, client.WriteStdin(ctx, "echoer", []byte("hello\n")))

	require.Eventually(t, func() bool {
		out, err := client.Stdout(ctx, "echoer")
		return err == nil && strings.Contains(out, "hello")
	}, 10*time.Second, 50*time.Millisecond)

	require.ErrorIs(t, client.WriteStdin(ctx, "nope", []byte("data")), task.ErrTaskNotFound)
}

func TestStderr(t *testing.T) {
	ctx := context.Background()
	client := startTestAgent(t)

	_, err := client.StartTask(ctx, "errs", "echo oops >&2")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out, err := client.Stderr(ctx, "errs")
		return err == nil && strings.Contains(out, "oops")
	}, 10*time.Second, 50*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	ctx := context.Background()
	client := startTestAgent(t)

	_, err := client.StartTask(ctx, "counted", "sleep 60")
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+"/metrics", nil)
	require.NoError(t, err)
	resp, err := client.HTTPClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(b)
	assert.Contains(t, body, "taskagent_tasks_started_total 1")
	assert.Contains(t, body, "taskagent_tasks_running 1")
}
