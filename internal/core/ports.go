package core

import (
	"context"
	"time"
)

// DefaultCommandTimeout bounds a single remote command.
const DefaultCommandTimeout = 60 * time.Second

// Executor runs a shell command on a registered server and returns stdout.
type Executor interface {
	Execute(ctx context.Context, serverID, command string, timeout time.Duration) (string, error)
}

type ConnectionInfo struct {
	Host       string `db:"host"`
	Port       int    `db:"port"`
	Username   string `db:"username"`
	Password   string `db:"password"`
	PrivateKey string `db:"private_key"`
}

type ServerRegistry interface {
	GetConnectionInfo(ctx context.Context, serverID string) (*ConnectionInfo, error)
	ServerExists(ctx context.Context, serverID string) (bool, error)
}

type ApplicationFilter struct {
	ServerID      string
	TechStack     StackKind
	HealerEnabled *bool
	Limit         int
	Offset        int
}

type ApplicationRepository interface {
	CreateApplication(ctx context.Context, app *Application) error
	GetApplication(ctx context.Context, id string) (*Application, error)
	GetApplicationByPath(ctx context.Context, serverID, path string) (*Application, error)
	ListApplications(ctx context.Context, filter ApplicationFilter) ([]*Application, error)
	UpdateApplication(ctx context.Context, app *Application) error
	UpdateHealth(ctx context.Context, id string, score int, status HealthStatus) error
	UpdateCircuitBreaker(ctx context.Context, id string, state CircuitBreakerState) error
	RecordDetectionAttempt(ctx context.Context, id string, at time.Time) error

	// UpdateDetection stores an automatic detection and clears the attempt
	// counter.
	UpdateDetection(ctx context.Context, id string, det StackDetection) error
	// MergeMetadata replaces the given top-level metadata keys and keeps the
	// rest.
	MergeMetadata(ctx context.Context, id string, metadata JSONB) error
	// UpdateRelatedDomainDetection and UpdateRelatedDomainHealth change the
	// entry for domain only. An unknown domain is a no-op.
	UpdateRelatedDomainDetection(ctx context.Context, id, domain string, det StackDetection) error
	UpdateRelatedDomainHealth(ctx context.Context, id, domain string, score int, status HealthStatus) error
}

// StackDetection is what a detection run writes back to a record.
type StackDetection struct {
	Stack      StackKind
	Version    *string
	Confidence float64
}

type DiagnosticStore interface {
	SaveDiagnosticResult(ctx context.Context, result *DiagnosticResult) error
	// RecentDiagnosticResults returns newest first. An empty subdomain selects
	// results recorded against the main application.
	RecentDiagnosticResults(ctx context.Context, applicationID, subdomain string, limit int) ([]*DiagnosticResult, error)
}

type TaskKind string

const (
	TaskDiscovery          TaskKind = "discovery"
	TaskMetadata           TaskKind = "metadata"
	TaskSubdomainDetection TaskKind = "subdomain_detection"
	TaskTechStackDetection TaskKind = "techstack_detection"
	TaskDiagnosis          TaskKind = "diagnosis"
)

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

type TaskProgress struct {
	TaskID    string     `json:"task_id"`
	Kind      TaskKind   `json:"kind"`
	Status    TaskStatus `json:"status"`
	Percent   int        `json:"percent"`
	Total     int        `json:"total"`
	Processed int        `json:"processed"`
	Failed    int        `json:"failed"`
	Errors    []string   `json:"errors,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type TaskQueue interface {
	Submit(ctx context.Context, kind TaskKind, payload map[string]interface{}) (string, error)
	GetProgress(ctx context.Context, taskID string) (*TaskProgress, error)
}

type AuditEvent struct {
	Type          string    `json:"type" db:"event_type"`
	ApplicationID string    `json:"application_id,omitempty" db:"application_id"`
	ServerID      string    `json:"server_id,omitempty" db:"server_id"`
	Message       string    `json:"message" db:"message"`
	Details       JSONB     `json:"details,omitempty" db:"details"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

const (
	AuditDetectionFailed = "detection_failed"
	AuditDiscoveryFailed = "discovery_failed"
	AuditHealExecuted    = "heal_executed"
	AuditHealFailed      = "heal_failed"
	AuditCircuitReset    = "circuit_reset"
)

// AuditSink is fire-and-forget; implementations must swallow their own
// failures.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}
