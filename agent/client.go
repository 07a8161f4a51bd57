package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/guseggert/taskagent/agent/task"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client talks to a task agent over mTLS HTTP. Reportable failures from the
// agent (not-found, duplicate name, stdin unavailable) come back as the task
// package's sentinel errors, so callers can match them with errors.Is.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	host                     string
	tlsClientConfig          *tls.Config
	dialCtx                  func(ctx context.Context, network, addr string) (net.Conn, error)
	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("taskagent_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(log *zap.SugaredLogger, certs *Certs, ipAddr string, port int, opts ...ClientOption) (*Client, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	httpDialAddrPort := fmt.Sprintf("%s:%d", ipAddr, port)

	// Don't do DNS lookup for dialing.
	// This prevents the default dialer from modifying the host header, which we need since we are not using public CAs.
	// Resulting behavior is that the addr host is used for the host header, but it does not resolve the name.
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", httpDialAddrPort)
	}

	tlsConfig, err := ClientTLSConfig(certs.CA.CertPEMBytes, certs.Client.CertPEMBytes, certs.Client.KeyPEMBytes)
	if err != nil {
		return nil, fmt.Errorf("building client TLS config: %w", err)
	}

	c := &Client{
		Logger:          log.Named("taskagent_client"),
		host:            serverName,
		baseURL:         fmt.Sprintf("https://%s:%d", serverName, port),
		tlsClientConfig: tlsConfig,
		dialCtx:         dialCtx,
		waitInterval:    100 * time.Millisecond,
		stopHeartbeat:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     dialCtx,
			MaxConnsPerHost: 0,
			TLSClientConfig: tlsConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: log}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()

	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	r.Close = true
}

// StartTask starts command under the given name and returns the new task's
// pid and id. A taken name fails with task.ErrTaskExists.
func (c *Client) StartTask(ctx context.Context, name, command string) (*StartTaskResponse, error) {
	reqBody, err := json.Marshal(StartTaskRequest{Name: name, Command: command})
	if err != nil {
		return nil, fmt.Errorf("marshaling start request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("starting task over HTTP: %w", err)
	}
	defer httpResp.Body.Close()
	if err := c.checkStatus(httpResp, name); err != nil {
		return nil, err
	}

	var resp StartTaskResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding start response: %w", err)
	}
	return &resp, nil
}

// StopTask kills the named task and removes it from the agent's registry.
// An unknown name fails with task.ErrTaskNotFound.
func (c *Client) StopTask(ctx context.Context, name string) error {
	u := c.baseURL + "/tasks/" + url.PathEscape(name)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("stopping task over HTTP: %w", err)
	}
	defer httpResp.Body.Close()
	return c.checkStatus(httpResp, name)
}

// ListTasks returns every tracked task in insertion order.
func (c *Client) ListTasks(ctx context.Context) ([]TaskInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tasks", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("listing tasks over HTTP: %w", err)
	}
	defer httpResp.Body.Close()
	if err := c.checkStatus(httpResp, ""); err != nil {
		return nil, err
	}

	var infos []TaskInfo
	if err := json.NewDecoder(httpResp.Body).Decode(&infos); err != nil {
		return nil, fmt.Errorf("decoding list response: %w", err)
	}
	return infos, nil
}

// Stdout returns the named task's accumulated stdout so far. An empty string
// means the task exists but has produced no output yet.
func (c *Client) Stdout(ctx context.Context, name string) (string, error) {
	return c.readOutput(ctx, name, "stdout")
}

// Stderr returns the named task's accumulated stderr so far.
func (c *Client) Stderr(ctx context.Context, name string) (string, error) {
	return c.readOutput(ctx, name, "stderr")
}

func (c *Client) readOutput(ctx context.Context, name, stream string) (string, error) {
	u := c.baseURL + "/tasks/" + url.PathEscape(name) + "/" + stream
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("reading %s over HTTP: %w", stream, err)
	}
	defer httpResp.Body.Close()
	if err := c.checkStatus(httpResp, name); err != nil {
		return "", err
	}

	b, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s body: %w", stream, err)
	}
	return string(b), nil
}

// WriteStdin queues data into the named task's stdin. It fails with
// task.ErrTaskNotFound or task.ErrStdinUnavailable.
func (c *Client) WriteStdin(ctx context.Context, name string, data []byte) error {
	u := c.baseURL + "/tasks/" + url.PathEscape(name) + "/stdin"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Close = true

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("writing stdin over HTTP: %w", err)
	}
	defer httpResp.Body.Close()
	return c.checkStatus(httpResp, name)
}

// checkStatus maps the agent's reportable failure statuses back onto the
// task package's sentinel errors.
func (c *Client) checkStatus(resp *http.Response, name string) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("task %q: %w", name, task.ErrTaskNotFound)
	case http.StatusConflict:
		return fmt.Errorf("task %q: %w", name, task.ErrTaskExists)
	case http.StatusGone:
		return fmt.Errorf("task %q: %w", name, task.ErrStdinUnavailable)
	}

	var body string
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		body = fmt.Errorf("error reading body: %w", err).Error()
	} else {
		body = string(b)
	}
	return fmt.Errorf("non-200 HTTP status code %d: %s", resp.StatusCode, body)
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	u := c.baseURL + "/heartbeat"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	c.prepReq(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

func (c *Client) StartHeartbeat() {
	go c.startHeartbeatOnce.Do(func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopHeartbeat:
				return
			case <-ticker.C:
			}
			err := c.SendHeartbeat(context.Background())
			if err != nil {
				c.Logger.Debugf("heartbeat error: %s", err)
			}
		}
	})
}

func (c *Client) StopHeartbeat() {
	c.stopHeartbeatOnce.Do(func() { close(c.stopHeartbeat) })
}
