package core

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrUnknownPlugin  = errors.New("unknown plugin")
	ErrUnknownCheck   = errors.New("unknown diagnostic check")
	ErrUnknownAction  = errors.New("unknown healing action")
	ErrBackupFailed   = errors.New("backup failed")
	ErrInvalidLabel   = errors.New("backup label must match [A-Za-z0-9_]+")
	ErrHealerDisabled = errors.New("healer is disabled for this target")
	ErrHealInProgress = errors.New("another healing action is running for this application")
)

// RemoteExecutionError is returned once the executor gives up on a command.
type RemoteExecutionError struct {
	ServerID  string
	Attempts  int
	Transient bool
	Err       error
}

func (e *RemoteExecutionError) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("remote execution on server %s failed after %d attempt(s) (%s): %v", e.ServerID, e.Attempts, kind, e.Err)
}

func (e *RemoteExecutionError) Unwrap() error { return e.Err }

// CircuitOpenError means the breaker is still cooling down.
type CircuitOpenError struct {
	ApplicationID string
	ResetAt       time.Time
	Remaining     time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open for application %s: healing blocked for %d more minute(s)",
		e.ApplicationID, RemainingMinutes(e.Remaining))
}

// PolicyDeniedError means the healing mode does not permit the action's risk
// level without an administrator.
type PolicyDeniedError struct {
	Action string
	Mode   HealingMode
	Risk   RiskLevel
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("action %s requires manual approval (risk: %s, mode: %s)", e.Action, e.Risk, e.Mode)
}

// RemainingMinutes rounds a cooldown up to whole minutes.
func RemainingMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}
