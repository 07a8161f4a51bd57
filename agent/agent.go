package agent

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/taskagent/agent/task"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TaskAgent is an HTTP agent that supervises named background tasks.
// The agent requires mTLS for both traffic encryption and authz.
// It is a thin adapter: every task route validates and marshals, then
// delegates to the task registry.
type TaskAgent struct {
	logger   *zap.SugaredLogger
	registry *task.Registry
	metrics  *metrics

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string
	shell                   string

	httpServer *http.Server

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *TaskAgent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *TaskAgent) {
		a.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *TaskAgent) {
		a.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(a *TaskAgent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *TaskAgent) {
		a.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *TaskAgent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithShell sets the shell that task command lines run through.
func WithShell(shell string) Option {
	return func(a *TaskAgent) {
		a.shell = shell
	}
}

// NewTaskAgent constructs a new task agent.
func NewTaskAgent(caCertPEM, certPEM, keyPEM []byte, opts ...Option) (*TaskAgent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &TaskAgent{
		logger:           logger.Named("taskagent").Sugar(),
		caCertPEM:        caCertPEM,
		certPEM:          certPEM,
		keyPEM:           keyPEM,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8080",
		shell:            task.DefaultShell,
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.registry = task.NewRegistry(a.logger, task.WithShell(a.shell))
	a.metrics = newMetrics(a.registry)
	return a, nil
}

// Registry returns the agent's task registry, for embedding the agent in a
// larger program that wants direct access to the core operations.
func (a *TaskAgent) Registry() *task.Registry {
	return a.registry
}

// startHeartbeatCheck starts a goroutine that checks for a heartbeat timeout
// and invokes the failure handler when one occurs.
func (a *TaskAgent) startHeartbeatCheck() {
	go func() {
		a.heartbeatMut.Lock()
		a.lastHeartbeat = time.Now()
		a.heartbeatMut.Unlock()

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				if a.heartbeatFailureHandler != nil {
					a.heartbeatFailureHandler()
				}
			}
		}
	}()
}

func (a *TaskAgent) runHTTPServer() error {
	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
	if err != nil {
		return fmt.Errorf("building server TLS config: %w", err)
	}

	tlsListener := tls.NewListener(tcpListener, tlsConfig)

	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.POST("/tasks", a.startTask)
	router.GET("/tasks", a.listTasks)
	router.DELETE("/tasks/:name", a.stopTask)
	router.GET("/tasks/:name/stdout", a.taskStdout)
	router.GET("/tasks/:name/stderr", a.taskStderr)
	router.POST("/tasks/:name/stdin", a.taskStdin)
	router.Handler(http.MethodGet, "/metrics", a.metrics.handler())

	server := http.Server{Handler: router}
	a.httpServer = &server

	err = server.Serve(tlsListener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Run runs the task agent and returns once the agent has stopped.
func (a *TaskAgent) Run() error {
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

// Stop kills every tracked task and closes the HTTP server. Sending the kill
// signals is instantaneous; Stop does not wait for the children to exit.
func (a *TaskAgent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })
	a.registry.ShutdownAll()
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Close()
}

func (a *TaskAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	a.writeJSON(w, response)
}

func (a *TaskAgent) startTask(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req StartTaskRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "request contained no task name", http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(w, "request contained no command", http.StatusBadRequest)
		return
	}

	pid, err := a.registry.Start(req.Name, req.Command)
	if errors.Is(err, task.ErrTaskExists) {
		a.logger.Debugw("rejected duplicate task name", "Name", req.Name)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		// spawn failure: hard failure for this call only, nothing inserted;
		// 422 so clients don't retry it
		a.metrics.spawnFailures.Inc()
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	a.metrics.tasksStarted.Inc()

	info, err := a.registry.Info(req.Name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, StartTaskResponse{PID: pid, ID: info.ID})
}

func (a *TaskAgent) listTasks(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	infos := a.registry.List()
	resp := make([]TaskInfo, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, TaskInfo{
			Name:  info.Name,
			ID:    info.ID,
			PID:   info.PID,
			State: string(info.State),
		})
	}
	a.writeJSON(w, resp)
}

func (a *TaskAgent) stopTask(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	err := a.registry.Stop(name)
	if errors.Is(err, task.ErrTaskNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	a.metrics.tasksStopped.Inc()
	a.writeJSON(w, StopTaskResponse{Stopped: true})
}

func (a *TaskAgent) taskStdout(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeOutput(w, params.ByName("name"), a.registry.Stdout)
}

func (a *TaskAgent) taskStderr(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeOutput(w, params.ByName("name"), a.registry.Stderr)
}

// writeOutput sends the accumulated output of one stream as text/plain.
// An empty body is a meaningful response: the task exists but has produced
// no output yet.
func (a *TaskAgent) writeOutput(w http.ResponseWriter, name string, read func(string) (string, error)) {
	out, err := read(name)
	if errors.Is(err, task.ErrTaskNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Add("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.WriteString(w, out); err != nil {
		a.logger.Debugf("error sending output response: %s", err)
	}
}

func (a *TaskAgent) taskStdin(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = a.registry.WriteStdin(name, data)
	if errors.Is(err, task.ErrTaskNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if errors.Is(err, task.ErrStdinUnavailable) {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.metrics.stdinWrites.Inc()
	a.writeJSON(w, WriteStdinResponse{Written: len(data)})
}

func (a *TaskAgent) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		a.logger.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
