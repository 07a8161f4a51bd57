package agent

import (
	"net/http"

	"github.com/guseggert/taskagent/agent/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the agent's Prometheus instruments. Each agent carries its
// own registry so that multiple agents in one process (as in tests) don't
// collide on registration.
type metrics struct {
	reg *prometheus.Registry

	tasksStarted  prometheus.Counter
	tasksStopped  prometheus.Counter
	spawnFailures prometheus.Counter
	stdinWrites   prometheus.Counter
}

func newMetrics(tasks *task.Registry) *metrics {
	m := &metrics{
		reg: prometheus.NewRegistry(),
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskagent_tasks_started_total",
			Help: "Total tasks started",
		}),
		tasksStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskagent_tasks_stopped_total",
			Help: "Total tasks explicitly stopped",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskagent_spawn_failures_total",
			Help: "Total task spawn failures",
		}),
		stdinWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskagent_stdin_writes_total",
			Help: "Total successful stdin writes",
		}),
	}

	tasksRunning := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "taskagent_tasks_running",
		Help: "Tasks currently in the running state",
	}, func() float64 {
		return float64(tasks.RunningCount())
	})

	m.reg.MustRegister(m.tasksStarted, m.tasksStopped, m.spawnFailures, m.stdinWrites, tasksRunning)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
