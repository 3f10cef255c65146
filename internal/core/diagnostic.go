package core

import (
	"math"
	"time"
)

type CheckStatus string

const (
	CheckPass  CheckStatus = "PASS"
	CheckWarn  CheckStatus = "WARN"
	CheckFail  CheckStatus = "FAIL"
	CheckError CheckStatus = "ERROR"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// HealthWindow is the number of recent results a score is computed from.
const HealthWindow = 50

type DiagnosticResult struct {
	ID              string      `json:"id" db:"id"`
	ApplicationID   string      `json:"application_id" db:"application_id"`
	Subdomain       *string     `json:"subdomain,omitempty" db:"subdomain"`
	CheckName       string      `json:"check_name" db:"check_name"`
	Category        string      `json:"category" db:"category"`
	Status          CheckStatus `json:"status" db:"status"`
	Severity        Severity    `json:"severity" db:"severity"`
	Message         string      `json:"message" db:"message"`
	Details         JSONB       `json:"details" db:"details"`
	SuggestedFix    *string     `json:"suggested_fix,omitempty" db:"suggested_fix"`
	ExecutionTimeMs int64       `json:"execution_time_ms" db:"execution_time_ms"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
}

// HealingAction is declared by a plugin; it is not persisted.
type HealingAction struct {
	Name              string        `json:"name"`
	Description       string        `json:"description"`
	Commands          []string      `json:"commands"`
	RequiresBackup    bool          `json:"requires_backup"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	RiskLevel         RiskLevel     `json:"risk_level"`
}

type Backup struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"application_id"`
	ActionName    string    `json:"action_name"`
	CreatedAt     time.Time `json:"created_at"`
	Files         []string  `json:"files,omitempty"`
}

// BackupArchive compresses Dir (relative to the application root) into Name.
type BackupArchive struct {
	Dir  string `json:"dir"`
	Name string `json:"name"`
}

// BackupManifest declares what a stack needs captured before a risky action.
// Required entries fail the backup when missing; optional and pattern
// entries are copied when present.
type BackupManifest struct {
	Required []string        `json:"required"`
	Optional []string        `json:"optional"`
	Patterns []string        `json:"patterns"`
	Archives []BackupArchive `json:"archives"`
}

func severityWeight(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// ComputeHealthScore weights each result by severity: PASS earns the full
// weight, WARN half of it, FAIL and ERROR nothing. Only the first
// HealthWindow results are considered; an empty slice scores 0.
func ComputeHealthScore(results []*DiagnosticResult) int {
	if len(results) > HealthWindow {
		results = results[:HealthWindow]
	}
	var total, weights int
	for _, r := range results {
		w := severityWeight(r.Severity)
		weights += w
		switch r.Status {
		case CheckPass:
			total += w * 100
		case CheckWarn:
			total += w * 50
		}
	}
	if weights == 0 {
		return 0
	}
	return int(math.Round(float64(total) / float64(weights)))
}

// StatusForScore maps a score onto a status. Scores below 70 are DOWN; there
// is no separate critical band.
func StatusForScore(score int) HealthStatus {
	switch {
	case score >= 90:
		return HealthHealthy
	case score >= 70:
		return HealthDegraded
	default:
		return HealthDown
	}
}
