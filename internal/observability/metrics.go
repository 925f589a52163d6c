package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "robothor"

type engineMetrics struct {
	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	tokensTotal   *prometheus.CounterVec
	costTotal     *prometheus.CounterVec
	modelFallback *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	locksHeld     prometheus.Gauge
	activeRuns    prometheus.Gauge
	schedulerSkip *prometheus.CounterVec
	circuitOpen   *prometheus.GaugeVec

	hookEvents  *prometheus.CounterVec
	hookRetries *prometheus.CounterVec
	hookDLQ     *prometheus.CounterVec

	spawnsTotal *prometheus.CounterVec

	ingressRequests *prometheus.CounterVec

	deliveries *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *engineMetrics
)

func getMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		m := &engineMetrics{
			runsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_runs_total",
					Help:      "Agent runs by agent, trigger kind and terminal status.",
				},
				[]string{"agent", "trigger", "status"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_run_duration_seconds",
					Help:      "Agent run wall time in seconds.",
					Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
				},
				[]string{"agent"},
			),
			tokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tokens_total",
					Help:      "Tokens consumed by agent, model and direction.",
				},
				[]string{"agent", "model", "direction"},
			),
			costTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "cost_usd_total",
					Help:      "Estimated spend in USD by agent.",
				},
				[]string{"agent"},
			),
			modelFallback: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "model_fallback_total",
					Help:      "Model fallbacks by failed model and reason.",
				},
				[]string{"model", "reason"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			locksHeld: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "dedup_locks_held",
					Help:      "Currently held dedup keys.",
				},
			),
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_runs",
					Help:      "Runs currently executing.",
				},
			),
			schedulerSkip: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "scheduler_skipped_total",
					Help:      "Scheduled fires skipped by job and reason.",
				},
				[]string{"job", "reason"},
			),
			circuitOpen: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "circuit_open",
					Help:      "1 when a job's circuit breaker is open.",
				},
				[]string{"job"},
			),
			hookEvents: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "hook_events_total",
					Help:      "Hook stream entries handled by stream and outcome.",
				},
				[]string{"stream", "outcome"},
			),
			hookRetries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "hook_retries_total",
					Help:      "Hook entries republished for retry.",
				},
				[]string{"stream"},
			),
			hookDLQ: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "hook_dead_letters_total",
					Help:      "Hook entries moved to the dead-letter stream.",
				},
				[]string{"stream"},
			),
			spawnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "spawns_total",
					Help:      "Sub-agent spawns by parent agent and outcome.",
				},
				[]string{"parent", "outcome"},
			),
			ingressRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "ingress_requests_total",
					Help:      "HTTP event ingress requests by source and response code.",
				},
				[]string{"source", "code"},
			),
			deliveries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "channel_deliveries_total",
					Help:      "Outbound channel deliveries by channel and outcome.",
				},
				[]string{"channel", "outcome"},
			),
		}

		prometheus.MustRegister(
			m.runsTotal,
			m.runDuration,
			m.tokensTotal,
			m.costTotal,
			m.modelFallback,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.locksHeld,
			m.activeRuns,
			m.schedulerSkip,
			m.circuitOpen,
			m.hookEvents,
			m.hookRetries,
			m.hookDLQ,
			m.spawnsTotal,
			m.ingressRequests,
			m.deliveries,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordAgentRun(agentID, trigger, status string, duration time.Duration) {
	m := getMetrics()
	m.runsTotal.WithLabelValues(agentID, trigger, status).Inc()
	m.runDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

func RecordUsage(agentID, model string, inputTokens, outputTokens int, costUSD float64) {
	m := getMetrics()
	m.tokensTotal.WithLabelValues(agentID, model, "input").Add(float64(inputTokens))
	m.tokensTotal.WithLabelValues(agentID, model, "output").Add(float64(outputTokens))
	if costUSD > 0 {
		m.costTotal.WithLabelValues(agentID).Add(costUSD)
	}
}

func RecordModelFallback(model, reason string) {
	getMetrics().modelFallback.WithLabelValues(model, reason).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func SetLocksHeld(n int) {
	getMetrics().locksHeld.Set(float64(n))
}

func AddActiveRuns(delta int) {
	getMetrics().activeRuns.Add(float64(delta))
}

func RecordSchedulerSkip(job, reason string) {
	getMetrics().schedulerSkip.WithLabelValues(job, reason).Inc()
}

func SetCircuitOpen(job string, open bool) {
	value := 0.0
	if open {
		value = 1.0
	}
	getMetrics().circuitOpen.WithLabelValues(job).Set(value)
}

func RecordHookEvent(stream, outcome string) {
	getMetrics().hookEvents.WithLabelValues(stream, outcome).Inc()
}

func RecordHookRetry(stream string) {
	getMetrics().hookRetries.WithLabelValues(stream).Inc()
}

func RecordHookDeadLetter(stream string) {
	getMetrics().hookDLQ.WithLabelValues(stream).Inc()
}

func RecordSpawn(parent, outcome string) {
	getMetrics().spawnsTotal.WithLabelValues(parent, outcome).Inc()
}

func RecordIngressRequest(source string, code int) {
	getMetrics().ingressRequests.WithLabelValues(source, strconv.Itoa(code)).Inc()
}

func RecordDelivery(channel string, err error) {
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	getMetrics().deliveries.WithLabelValues(channel, outcome).Inc()
}
