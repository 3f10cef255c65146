// Package plugins holds one sibling implementation per supported web stack.
// Every plugin detects, diagnoses and heals its stack through a
// core.Executor; none of them talks to the store.
package plugins

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/remote"
	"go.uber.org/zap"
)

const (
	probeTimeout  = 30 * time.Second
	checkTimeout  = 60 * time.Second
	actionTimeout = 10 * time.Minute

	pathPlaceholder   = "{{path}}"
	domainPlaceholder = "{{domain}}"
)

type DetectResult struct {
	Detected   bool                   `json:"detected"`
	Stack      core.StackKind         `json:"stack,omitempty"`
	Version    string                 `json:"version,omitempty"`
	Confidence float64                `json:"confidence"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

type HealResult struct {
	Success  bool                   `json:"success"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`
	Duration time.Duration          `json:"duration"`
}

type Plugin interface {
	Kind() core.StackKind
	// Detect probes path read-only. It never returns an error; any probe
	// failure yields Detected=false and Confidence=0.
	Detect(ctx context.Context, serverID, path string) DetectResult
	DiagnosticChecks() []string
	// RunDiagnosticCheck returns core.ErrUnknownCheck for undeclared names.
	// Failures inside the check become a result with status ERROR.
	RunDiagnosticCheck(ctx context.Context, name string, target core.Target) (*core.DiagnosticResult, error)
	HealingActions() []core.HealingAction
	// RunHealingAction returns core.ErrUnknownAction for undeclared names.
	// It stops at the first failing command and reports Success=false.
	RunHealingAction(ctx context.Context, name string, target core.Target) (*HealResult, error)
	BackupManifest() core.BackupManifest
}

// checkOutcome is what a check body reports before it is stamped into a
// core.DiagnosticResult.
type checkOutcome struct {
	status   core.CheckStatus
	severity core.Severity
	message  string
	details  map[string]interface{}
	fix      string
}

type checkFunc func(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error)

// check is one catalog entry. severity is the weight the result carries in
// the health score; an outcome may raise it.
type check struct {
	name     string
	category string
	severity core.Severity
	run      checkFunc
}

// catalog is the declarative part shared by all plugins: checks, actions and
// backup manifest. Plugins compose it; they do not specialise each other.
type catalog struct {
	kind     core.StackKind
	exec     core.Executor
	logger   *zap.Logger
	checks   []check
	actions  []core.HealingAction
	manifest core.BackupManifest
}

func (c *catalog) Kind() core.StackKind { return c.kind }

func (c *catalog) DiagnosticChecks() []string {
	names := make([]string, len(c.checks))
	for i, ch := range c.checks {
		names[i] = ch.name
	}
	return names
}

func (c *catalog) HealingActions() []core.HealingAction {
	out := make([]core.HealingAction, len(c.actions))
	copy(out, c.actions)
	return out
}

func (c *catalog) BackupManifest() core.BackupManifest { return c.manifest }

func (c *catalog) findAction(name string) (core.HealingAction, bool) {
	for _, a := range c.actions {
		if a.Name == name {
			return a, true
		}
	}
	return core.HealingAction{}, false
}

func (c *catalog) RunDiagnosticCheck(ctx context.Context, name string, target core.Target) (*core.DiagnosticResult, error) {
	var ch *check
	for i := range c.checks {
		if c.checks[i].name == name {
			ch = &c.checks[i]
			break
		}
	}
	if ch == nil {
		return nil, fmt.Errorf("%s check %q: %w", c.kind, name, core.ErrUnknownCheck)
	}

	start := time.Now()
	out, err := safeRun(ctx, ch.run, c.exec, target)
	if err != nil {
		c.logger.Warn("Diagnostic check errored",
			zap.String("check", name),
			zap.String("application_id", target.ApplicationID),
			zap.String("path", target.Path),
			zap.Error(err),
		)
		out = checkOutcome{
			status:  core.CheckError,
			message: fmt.Sprintf("Check %s could not run: %v", name, err),
			details: map[string]interface{}{"error": err.Error()},
		}
	}
	if out.severity == "" {
		out.severity = ch.severity
	}

	result := &core.DiagnosticResult{
		ID:              uuid.New().String(),
		ApplicationID:   target.ApplicationID,
		CheckName:       ch.name,
		Category:        ch.category,
		Status:          out.status,
		Severity:        out.severity,
		Message:         out.message,
		Details:         core.JSONB(out.details),
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		CreatedAt:       time.Now(),
	}
	if result.Details == nil {
		result.Details = core.JSONB{}
	}
	if target.IsSubdomain() {
		sub := target.Subdomain
		result.Subdomain = &sub
	}
	if out.fix != "" {
		fix := out.fix
		result.SuggestedFix = &fix
	}
	return result, nil
}

// safeRun converts a panicking check body into an error so one bad check
// never aborts a diagnosis batch.
func safeRun(ctx context.Context, fn checkFunc, exec core.Executor, t core.Target) (out checkOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()
	return fn(ctx, exec, t)
}

func (c *catalog) RunHealingAction(ctx context.Context, name string, target core.Target) (*HealResult, error) {
	action, ok := c.findAction(name)
	if !ok {
		return nil, fmt.Errorf("%s action %q: %w", c.kind, name, core.ErrUnknownAction)
	}

	start := time.Now()
	outputs := make([]string, 0, len(action.Commands))
	for i, tmpl := range action.Commands {
		cmd := RenderCommand(tmpl, target)
		out, err := c.exec.Execute(ctx, target.ServerID, cmd, actionTimeout)
		if err != nil {
			c.logger.Error("Healing command failed",
				zap.String("action", name),
				zap.String("application_id", target.ApplicationID),
				zap.Int("step", i+1),
				zap.Error(err),
			)
			return &HealResult{
				Success: false,
				Message: fmt.Sprintf("Failed to execute %s (step %d/%d): %v", name, i+1, len(action.Commands), err),
				Details: map[string]interface{}{
					"failed_step": i + 1,
					"outputs":     outputs,
				},
				Duration: time.Since(start),
			}, nil
		}
		outputs = append(outputs, strings.TrimSpace(out))
	}

	return &HealResult{
		Success:  true,
		Message:  fmt.Sprintf("%s completed successfully", action.Description),
		Details:  map[string]interface{}{"outputs": outputs, "steps": len(action.Commands)},
		Duration: time.Since(start),
	}, nil
}

// RenderCommand substitutes the quoted target path and domain.
func RenderCommand(tmpl string, t core.Target) string {
	cmd := strings.ReplaceAll(tmpl, pathPlaceholder, remote.Quote(t.Path))
	return strings.ReplaceAll(cmd, domainPlaceholder, remote.Quote(t.Domain))
}

// probe runs a read-only script and parses its KEY=value output.
func probe(ctx context.Context, exec core.Executor, serverID, path, script string) (map[string]string, error) {
	cmd := "cd " + remote.Quote(path) + " 2>/dev/null || { echo DIR_EXISTS=0; exit 0; }\necho DIR_EXISTS=1\n" + script
	out, err := exec.Execute(ctx, serverID, cmd, probeTimeout)
	if err != nil {
		return nil, err
	}
	return remote.ParseFacts(out), nil
}

// existsScript emits KEY=1|0 for each file.
func existsScript(files map[string]string) string {
	var b strings.Builder
	for key, file := range files {
		fmt.Fprintf(&b, "if [ -e %s ]; then echo %s=1; else echo %s=0; fi\n", remote.Quote(file), key, key)
	}
	return b.String()
}

// signalConfidence is matched/total over the given fact keys.
func signalConfidence(facts map[string]string, keys ...string) float64 {
	if len(keys) == 0 {
		return 0
	}
	matched := 0
	for _, k := range keys {
		if facts[k] == "1" {
			matched++
		}
	}
	return float64(matched) / float64(len(keys))
}

func notDetected() DetectResult {
	return DetectResult{Detected: false, Confidence: 0}
}
