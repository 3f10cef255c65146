package metrics

import (
	"github.com/leozw/site-healer/internal/config"
	"github.com/leozw/site-healer/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector owns every healer metric. A nil *Collector is valid and records
// nothing, which keeps unit tests free of registry plumbing.
type Collector struct {
	config   *config.MimirConfig
	gatherer prometheus.Gatherer

	// Remote execution
	remoteCommands *prometheus.CounterVec
	remoteAttempts *prometheus.HistogramVec
	remoteDuration *prometheus.HistogramVec

	// Detection and discovery
	detections          *prometheus.CounterVec
	detectionConfidence *prometheus.HistogramVec
	discoveredApps      *prometheus.CounterVec
	discoveryErrors     *prometheus.CounterVec

	// Diagnosis
	checksTotal   *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	healthScore   *prometheus.GaugeVec

	// Healing
	healsTotal     *prometheus.CounterVec
	healDuration   *prometheus.HistogramVec
	healsBlocked   *prometheus.CounterVec
	circuitState   *prometheus.GaugeVec
	backupsTotal   *prometheus.CounterVec
	rollbacksTotal *prometheus.CounterVec

	// Workers
	tasksTotal *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
}

// NewCollector registers all metrics on reg. Pass prometheus.NewRegistry()
// per process (or per test) to avoid duplicate registration panics.
func NewCollector(reg *prometheus.Registry, cfg config.MimirConfig) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		config:   &cfg,
		gatherer: reg,

		remoteCommands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healer_remote_commands_total",
				Help: "Remote commands executed, by final outcome",
			},
			[]string{"server_id", "status"},
		),

		remoteAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "healer_remote_command_attempts",
				Help:    "Attempts needed per remote command",
				Buckets: []float64{1, 2, 3},
			},
			[]string{"server_id"},
		),

		remoteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "healer_remote_command_duration_seconds",
				Help:    "Wall time of remote commands including retries",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"server_id"},
		),

		detections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healer_stack_detections_total",
				Help: "Tech stack detections by resulting stack",
			},
			[]string{"stack"},
		),

		detectionConfidence: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "healer_stack_detection_confidence",
				Help:    "Confidence of tech stack detections",
				Buckets: []float64{0, .5, .7, .85, .9, .95, 1},
			},
			[]string{"stack"},
		),

		discoveredApps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healer_discovered_applications_total",
				Help: "Applications handled by discovery, by strategy and outcome",
			},
			[]string{"server_id", "strategy", "outcome"},
		),

		discoveryErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healer_discovery_errors_total",
				Help: "Per-path discovery failures",
			},
			[]string{"server_id", "strategy"},
		),

		checksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healer_diagnostic_checks_total",
				Help: "Diagnostic checks executed, by result status",
			},
			[]string{"stack", "check", "status"},
		),

		checkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "healer_diagnostic_check_duration_seconds",
				Help:    "Duration of diagnostic checks",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stack", "check"},
		),

		healthScore: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "healer_application_health_score",
				Help: "Most recent weighted health score (0-100)",
			},
			[]string{"application_id", "domain", "stack"},
		),

		healsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healer_healing_actions_total",
				Help: "Healing actions executed, by outcome",
			},
			[]string{"stack", "action", "outcome"},
		),

		healDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "healer_healing_action_duration_seconds",
				Help:    "Duration of healing actions",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"stack", "action"},
		),

		healsBlocked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healer_healing_blocked_total",
				Help: "Healing requests refused before execution",
			},
			[]string{"reason"},
		),

		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "healer_circuit_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"application_id"},
		),

		backupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healer_backups_total",
				Help: "Backups taken, by outcome",
			},
			[]string{"stack", "outcome"},
		),

		rollbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healer_rollbacks_total",
				Help: "Rollbacks attempted, by outcome",
			},
			[]string{"outcome"},
		),

		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healer_tasks_total",
				Help: "Queue tasks processed by workers",
			},
			[]string{"kind", "outcome"},
		),

		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "healer_queue_depth",
				Help: "Pending tasks per kind",
			},
			[]string{"kind"},
		),
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (c *Collector) RecordRemoteCommand(serverID string, attempts int, seconds float64, ok bool) {
	if c == nil {
		return
	}
	c.remoteCommands.WithLabelValues(serverID, outcome(ok)).Inc()
	c.remoteAttempts.WithLabelValues(serverID).Observe(float64(attempts))
	c.remoteDuration.WithLabelValues(serverID).Observe(seconds)
}

func (c *Collector) RecordDetection(stack core.StackKind, confidence float64) {
	if c == nil {
		return
	}
	c.detections.WithLabelValues(string(stack)).Inc()
	c.detectionConfidence.WithLabelValues(string(stack)).Observe(confidence)
}

func (c *Collector) RecordDiscovery(serverID, strategy string, created, updated, skipped, failed int) {
	if c == nil {
		return
	}
	c.discoveredApps.WithLabelValues(serverID, strategy, "created").Add(float64(created))
	c.discoveredApps.WithLabelValues(serverID, strategy, "updated").Add(float64(updated))
	c.discoveredApps.WithLabelValues(serverID, strategy, "skipped").Add(float64(skipped))
	c.discoveryErrors.WithLabelValues(serverID, strategy).Add(float64(failed))
}

func (c *Collector) RecordCheck(stack core.StackKind, result *core.DiagnosticResult) {
	if c == nil || result == nil {
		return
	}
	c.checksTotal.WithLabelValues(string(stack), result.CheckName, string(result.Status)).Inc()
	c.checkDuration.WithLabelValues(string(stack), result.CheckName).Observe(float64(result.ExecutionTimeMs) / 1000)
}

func (c *Collector) RecordHealthScore(app *core.Application, domain string, score int) {
	if c == nil {
		return
	}
	c.healthScore.WithLabelValues(app.ID, domain, string(app.TechStack)).Set(float64(score))
}

func (c *Collector) RecordHeal(stack core.StackKind, action string, ok bool, seconds float64) {
	if c == nil {
		return
	}
	c.healsTotal.WithLabelValues(string(stack), action, outcome(ok)).Inc()
	c.healDuration.WithLabelValues(string(stack), action).Observe(seconds)
}

func (c *Collector) RecordHealBlocked(reason string) {
	if c == nil {
		return
	}
	c.healsBlocked.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordCircuitState(applicationID string, state core.CircuitState) {
	if c == nil {
		return
	}
	var v float64
	switch state {
	case core.CircuitHalfOpen:
		v = 1
	case core.CircuitOpen:
		v = 2
	}
	c.circuitState.WithLabelValues(applicationID).Set(v)
}

func (c *Collector) RecordBackup(stack core.StackKind, ok bool) {
	if c == nil {
		return
	}
	c.backupsTotal.WithLabelValues(string(stack), outcome(ok)).Inc()
}

func (c *Collector) RecordRollback(ok bool) {
	if c == nil {
		return
	}
	c.rollbacksTotal.WithLabelValues(outcome(ok)).Inc()
}

func (c *Collector) RecordTask(kind core.TaskKind, ok bool) {
	if c == nil {
		return
	}
	c.tasksTotal.WithLabelValues(string(kind), outcome(ok)).Inc()
}

func (c *Collector) RecordQueueDepth(kind core.TaskKind, depth int64) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(string(kind)).Set(float64(depth))
}
