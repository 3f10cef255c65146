package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type StackKind string

const (
	StackWordPress  StackKind = "WORDPRESS"
	StackLaravel    StackKind = "LARAVEL"
	StackPHPGeneric StackKind = "PHP_GENERIC"
	StackNodeJS     StackKind = "NODEJS"
	StackExpress    StackKind = "EXPRESS"
	StackNextJS     StackKind = "NEXTJS"
	StackUnknown    StackKind = "UNKNOWN"
)

// ParseStackKind accepts labels case-insensitively ("wordpress", "NextJS").
func ParseStackKind(s string) (StackKind, bool) {
	switch StackKind(strings.ToUpper(strings.TrimSpace(s))) {
	case StackWordPress:
		return StackWordPress, true
	case StackLaravel:
		return StackLaravel, true
	case StackPHPGeneric, "PHP":
		return StackPHPGeneric, true
	case StackNodeJS, "NODE":
		return StackNodeJS, true
	case StackExpress:
		return StackExpress, true
	case StackNextJS:
		return StackNextJS, true
	case StackUnknown:
		return StackUnknown, true
	}
	return StackUnknown, false
}

type DetectionMethod string

const (
	DetectionManual DetectionMethod = "MANUAL"
	DetectionAuto   DetectionMethod = "AUTO"
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthDown     HealthStatus = "DOWN"
	HealthUnknown  HealthStatus = "UNKNOWN"
)

type HealingMode string

const (
	HealingManual   HealingMode = "MANUAL"
	HealingSemiAuto HealingMode = "SEMI_AUTO"
	HealingFullAuto HealingMode = "FULL_AUTO"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

type Relation string

const (
	RelationMain      Relation = "main"
	RelationSubdomain Relation = "subdomain"
	RelationAddon     Relation = "addon"
	RelationParked    Relation = "parked"
)

const DefaultMaxRetries = 3

// CircuitBreakerState is the persisted part of the per-application breaker.
type CircuitBreakerState struct {
	State               CircuitState `json:"circuit_breaker_state" db:"circuit_breaker_state"`
	ConsecutiveFailures int          `json:"consecutive_failures" db:"consecutive_failures"`
	MaxRetries          int          `json:"max_retries" db:"max_retries"`
	ResetAt             *time.Time   `json:"circuit_breaker_reset_at,omitempty" db:"circuit_breaker_reset_at"`
	LastOpenedAt        *time.Time   `json:"circuit_breaker_last_opened_at,omitempty" db:"circuit_breaker_last_opened_at"`
}

type Application struct {
	ID       string `json:"id" db:"id"`
	ServerID string `json:"server_id" db:"server_id"`
	Domain   string `json:"domain" db:"domain"`
	Path     string `json:"path" db:"path"`

	TechStack           StackKind       `json:"tech_stack" db:"tech_stack"`
	TechStackVersion    *string         `json:"tech_stack_version,omitempty" db:"tech_stack_version"`
	DetectionMethod     DetectionMethod `json:"detection_method" db:"detection_method"`
	DetectionConfidence float64         `json:"detection_confidence" db:"detection_confidence"`

	HealthScore  int          `json:"health_score" db:"health_score"`
	HealthStatus HealthStatus `json:"health_status" db:"health_status"`

	IsHealerEnabled bool        `json:"is_healer_enabled" db:"is_healer_enabled"`
	HealingMode     HealingMode `json:"healing_mode" db:"healing_mode"`

	CircuitBreakerState

	RelatedDomains RelatedDomains `json:"related_domains" db:"related_domains"`
	Metadata       JSONB          `json:"metadata" db:"metadata"`

	DetectionAttempts    int        `json:"detection_attempts" db:"detection_attempts"`
	LastDetectionAttempt *time.Time `json:"last_detection_attempt,omitempty" db:"last_detection_attempt"`
	LastDiagnosedAt      *time.Time `json:"last_diagnosed_at,omitempty" db:"last_diagnosed_at"`
	LastHealedAt         *time.Time `json:"last_healed_at,omitempty" db:"last_healed_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NewApplication returns a record with the defaults discovery registers.
func NewApplication(id, serverID, domain, path string) *Application {
	now := time.Now()
	return &Application{
		ID:              id,
		ServerID:        serverID,
		Domain:          domain,
		Path:            path,
		TechStack:       StackUnknown,
		DetectionMethod: DetectionAuto,
		HealthStatus:    HealthUnknown,
		HealingMode:     HealingManual,
		CircuitBreakerState: CircuitBreakerState{
			State:      CircuitClosed,
			MaxRetries: DefaultMaxRetries,
		},
		RelatedDomains: RelatedDomains{},
		Metadata:       JSONB{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// RelatedDomain is a secondary domain served from the same account. It is
// diagnosed and healed independently of its parent application.
type RelatedDomain struct {
	Domain   string   `json:"domain"`
	Path     string   `json:"path"`
	Relation Relation `json:"relation"`

	TechStack           StackKind `json:"tech_stack"`
	TechStackVersion    *string   `json:"tech_stack_version,omitempty"`
	DetectionConfidence float64   `json:"detection_confidence"`

	HealthScore  int          `json:"health_score"`
	HealthStatus HealthStatus `json:"health_status"`

	IsHealerEnabled bool        `json:"is_healer_enabled"`
	HealingMode     HealingMode `json:"healing_mode"`
}

type RelatedDomains []RelatedDomain

func (r RelatedDomains) Value() (driver.Value, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r)
}

func (r *RelatedDomains) Scan(value interface{}) error {
	if value == nil {
		*r = RelatedDomains{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("related_domains: unexpected type %T", value)
	}
	return json.Unmarshal(b, r)
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("jsonb: unexpected type %T", value)
	}
	return json.Unmarshal(b, j)
}

// Target is the resolved unit an operation runs against: the main
// application or one of its related domains.
type Target struct {
	ApplicationID string
	ServerID      string
	Domain        string
	Path          string
	Stack         StackKind
	Subdomain     string

	IsHealerEnabled bool
	HealingMode     HealingMode
}

func (t Target) IsSubdomain() bool { return t.Subdomain != "" }

// ResolveTarget returns the main target when subdomain is empty, otherwise
// the matching related domain.
func (a *Application) ResolveTarget(subdomain string) (Target, error) {
	if subdomain == "" || subdomain == a.Domain {
		return Target{
			ApplicationID:   a.ID,
			ServerID:        a.ServerID,
			Domain:          a.Domain,
			Path:            a.Path,
			Stack:           a.TechStack,
			IsHealerEnabled: a.IsHealerEnabled,
			HealingMode:     a.HealingMode,
		}, nil
	}
	rd := a.RelatedDomain(subdomain)
	if rd == nil {
		return Target{}, fmt.Errorf("subdomain %s of application %s: %w", subdomain, a.ID, ErrNotFound)
	}
	stack := rd.TechStack
	if stack == "" {
		stack = StackUnknown
	}
	return Target{
		ApplicationID:   a.ID,
		ServerID:        a.ServerID,
		Domain:          rd.Domain,
		Path:            rd.Path,
		Stack:           stack,
		Subdomain:       rd.Domain,
		IsHealerEnabled: rd.IsHealerEnabled,
		HealingMode:     rd.HealingMode,
	}, nil
}

func (a *Application) RelatedDomain(domain string) *RelatedDomain {
	for i := range a.RelatedDomains {
		if strings.EqualFold(a.RelatedDomains[i].Domain, domain) {
			return &a.RelatedDomains[i]
		}
	}
	return nil
}
