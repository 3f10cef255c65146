package healing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leozw/site-healer/internal/backup"
	"github.com/leozw/site-healer/internal/circuit"
	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/detector"
	"github.com/leozw/site-healer/internal/plugins"
	"github.com/leozw/site-healer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	svc   *Service
	store *testutil.MemoryStore
	exec  *testutil.Executor
}

func wordpressApp() *core.Application {
	app := core.NewApplication("app-1", "srv-1", "example.com", "/home/acme/public_html")
	app.TechStack = core.StackWordPress
	app.IsHealerEnabled = true
	app.HealingMode = core.HealingManual
	app.RelatedDomains = core.RelatedDomains{{
		Domain:          "blog.example.com",
		Path:            "/home/acme/blog",
		Relation:        core.RelationSubdomain,
		TechStack:       core.StackWordPress,
		IsHealerEnabled: true,
		HealingMode:     core.HealingFullAuto,
	}}
	return app
}

func newFixture(t *testing.T, app *core.Application, exec *testutil.Executor) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := testutil.NewMemoryStore(app)
	registry := plugins.NewDefaultRegistry(exec, logger)
	svc := NewService(Deps{
		Apps:     store,
		Results:  store,
		Audit:    store,
		Registry: registry,
		Detector: detector.New(exec, store, store, nil, logger, detector.Options{}),
		Breaker:  circuit.NewBreaker(store, nil, logger, time.Hour),
		Backups:  backup.NewManager(exec, registry, nil, logger, "/backups", 5),
	}, logger)
	return &fixture{svc: svc, store: store, exec: exec}
}

func (f *fixture) app(t *testing.T) *core.Application {
	t.Helper()
	app, err := f.store.GetApplication(context.Background(), "app-1")
	require.NoError(t, err)
	return app
}

func TestCanAutoHeal(t *testing.T) {
	tests := []struct {
		mode core.HealingMode
		risk core.RiskLevel
		want bool
	}{
		{core.HealingManual, core.RiskLow, false},
		{core.HealingManual, core.RiskMedium, false},
		{core.HealingSemiAuto, core.RiskLow, true},
		{core.HealingSemiAuto, core.RiskMedium, false},
		{core.HealingFullAuto, core.RiskLow, true},
		{core.HealingFullAuto, core.RiskMedium, true},
		{core.HealingFullAuto, core.RiskHigh, false},
		{core.HealingFullAuto, core.RiskCritical, false},
		{core.HealingSemiAuto, core.RiskCritical, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode)+"/"+string(tt.risk), func(t *testing.T) {
			assert.Equal(t, tt.want, CanAutoHeal(tt.mode, tt.risk))
		})
	}
}

func TestNeedsBackup(t *testing.T) {
	assert.True(t, NeedsBackup(core.HealingAction{RiskLevel: core.RiskHigh}))
	assert.True(t, NeedsBackup(core.HealingAction{RiskLevel: core.RiskCritical}))
	assert.True(t, NeedsBackup(core.HealingAction{RiskLevel: core.RiskMedium, RequiresBackup: true}))
	assert.False(t, NeedsBackup(core.HealingAction{RiskLevel: core.RiskMedium}))
}

func TestMutexLocker(t *testing.T) {
	l := NewMutexLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, core.ErrHealInProgress)

	other, err := l.Acquire(ctx, "other", time.Minute)
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	again()
}

func TestHeal_FailureRollsBackAndCountsOnce(t *testing.T) {
	exec := testutil.NewExecutor().
		On("mkdir -p", "wp-config.php\n", nil).
		On("plugin update --all", "", errors.New("exit status 1")).
		On("ls -1A", "wp-config.php\n", nil)
	f := newFixture(t, wordpressApp(), exec)

	outcome, err := f.svc.Heal(context.Background(), "app-1", "update_plugins", "", true)

	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Message, "Failed to execute")
	assert.Contains(t, outcome.Message, "rollback succeeded")
	assert.True(t, outcome.RolledBack)
	assert.NotEmpty(t, outcome.BackupID)
	assert.Equal(t, 1, f.app(t).ConsecutiveFailures)
	require.Len(t, exec.CommandsContaining(`cp -a "$D"/'wp-config.php' "$R"/`), 1)

	events := f.store.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, core.AuditHealFailed, events[len(events)-1].Type)
}

func TestHeal_RollbackFailureIsReported(t *testing.T) {
	exec := testutil.NewExecutor().
		On("mkdir -p", "wp-config.php\n", nil).
		On("plugin update --all", "", errors.New("exit status 1")).
		On("ls -1A", "", errors.New("no such directory"))
	f := newFixture(t, wordpressApp(), exec)

	outcome, err := f.svc.Heal(context.Background(), "app-1", "update_plugins", "", true)

	require.NoError(t, err)
	assert.Contains(t, outcome.Message, "Failed to execute")
	assert.Contains(t, outcome.Message, "rollback failed")
	assert.False(t, outcome.RolledBack)
	assert.Equal(t, 1, f.app(t).ConsecutiveFailures)
}

func TestHeal_SuccessClosesBreaker(t *testing.T) {
	app := wordpressApp()
	app.ConsecutiveFailures = 2
	exec := testutil.NewExecutor()
	f := newFixture(t, app, exec)

	outcome, err := f.svc.Heal(context.Background(), "app-1", "clear_cache", "", true)

	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Empty(t, outcome.BackupID)
	assert.Zero(t, f.app(t).ConsecutiveFailures)
	assert.Empty(t, exec.CommandsContaining("mkdir -p"))
}

func TestHeal_DisabledHealer(t *testing.T) {
	app := wordpressApp()
	app.IsHealerEnabled = false
	exec := testutil.NewExecutor()
	f := newFixture(t, app, exec)

	_, err := f.svc.Heal(context.Background(), "app-1", "clear_cache", "", false)
	assert.ErrorIs(t, err, core.ErrHealerDisabled)
	assert.Empty(t, exec.Commands())

	_, err = f.svc.Heal(context.Background(), "app-1", "clear_cache", "", true)
	assert.NoError(t, err)
}

func TestHeal_PolicyDenied(t *testing.T) {
	exec := testutil.NewExecutor()
	f := newFixture(t, wordpressApp(), exec)

	_, err := f.svc.Heal(context.Background(), "app-1", "clear_cache", "", false)

	var denied *core.PolicyDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, core.HealingManual, denied.Mode)
	assert.Equal(t, core.RiskLow, denied.Risk)
	assert.Empty(t, exec.Commands())
}

func TestHeal_SubdomainUsesItsOwnMode(t *testing.T) {
	exec := testutil.NewExecutor()
	f := newFixture(t, wordpressApp(), exec)

	outcome, err := f.svc.Heal(context.Background(), "app-1", "fix_permissions", "blog.example.com", false)

	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, "blog.example.com", outcome.Subdomain)
	for _, cmd := range exec.Commands() {
		assert.Contains(t, cmd, "/home/acme/blog")
	}
}

func TestHeal_CircuitOpen(t *testing.T) {
	app := wordpressApp()
	resetAt := time.Now().Add(30 * time.Minute)
	app.State = core.CircuitOpen
	app.ConsecutiveFailures = 3
	app.ResetAt = &resetAt
	exec := testutil.NewExecutor()
	f := newFixture(t, app, exec)

	_, err := f.svc.Heal(context.Background(), "app-1", "clear_cache", "", true)

	var openErr *core.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Empty(t, exec.Commands())
}

func TestHeal_BackupFailureAborts(t *testing.T) {
	exec := testutil.NewExecutor().On("mkdir -p", "", errors.New("No space left on device"))
	f := newFixture(t, wordpressApp(), exec)

	_, err := f.svc.Heal(context.Background(), "app-1", "reinstall_core", "", true)

	require.ErrorIs(t, err, core.ErrBackupFailed)
	assert.Empty(t, exec.CommandsContaining("core download"))
	assert.Zero(t, f.app(t).ConsecutiveFailures)
}

func TestHeal_UnknownAction(t *testing.T) {
	f := newFixture(t, wordpressApp(), testutil.NewExecutor())

	_, err := f.svc.Heal(context.Background(), "app-1", "format_disk", "", true)

	assert.ErrorIs(t, err, core.ErrUnknownAction)
}

func TestHeal_LockHeld(t *testing.T) {
	f := newFixture(t, wordpressApp(), testutil.NewExecutor())
	release, err := f.svc.locker.Acquire(context.Background(), lockKey("app-1"), time.Minute)
	require.NoError(t, err)
	defer release()

	_, err = f.svc.Heal(context.Background(), "app-1", "clear_cache", "", true)

	assert.ErrorIs(t, err, core.ErrHealInProgress)
}

func TestDiagnose_StoresEveryResultAndScores(t *testing.T) {
	exec := testutil.NewExecutor().On("", "", errors.New("connection reset by peer"))
	f := newFixture(t, wordpressApp(), exec)

	report, err := f.svc.Diagnose(context.Background(), "app-1", "")

	require.NoError(t, err)
	plugin, _ := f.svc.registry.Get(core.StackWordPress)
	assert.Len(t, report.Results, len(plugin.DiagnosticChecks()))
	assert.Len(t, f.store.Results(), len(plugin.DiagnosticChecks()))
	for _, r := range report.Results {
		assert.Equal(t, core.CheckError, r.Status)
	}
	assert.Equal(t, 0, report.HealthScore)
	assert.Equal(t, core.HealthDown, report.HealthStatus)
	assert.Equal(t, core.HealthDown, f.app(t).HealthStatus)
}

func TestDiagnose_SubdomainHealthStoredOnEntry(t *testing.T) {
	exec := testutil.NewExecutor().On("", "", errors.New("timeout"))
	f := newFixture(t, wordpressApp(), exec)
	ctx := context.Background()
	require.NoError(t, f.store.UpdateHealth(ctx, "app-1", 95, core.HealthHealthy))

	_, err := f.svc.Diagnose(ctx, "app-1", "blog.example.com")

	require.NoError(t, err)
	app := f.app(t)
	assert.Equal(t, 95, app.HealthScore)
	assert.Equal(t, core.HealthDown, app.RelatedDomain("blog.example.com").HealthStatus)
	for _, r := range f.store.Results() {
		require.NotNil(t, r.Subdomain)
		assert.Equal(t, "blog.example.com", *r.Subdomain)
	}
}

func TestDiagnose_ConcurrentSubdomainsKeepBothScores(t *testing.T) {
	app := wordpressApp()
	app.RelatedDomains = append(app.RelatedDomains, core.RelatedDomain{
		Domain:          "shop.example.com",
		Path:            "/home/acme/shop",
		Relation:        core.RelationAddon,
		TechStack:       core.StackWordPress,
		IsHealerEnabled: true,
	})
	f := newFixture(t, app, testutil.NewExecutor().On("", "", errors.New("timeout")))

	var wg sync.WaitGroup
	for _, sub := range []string{"blog.example.com", "shop.example.com"} {
		wg.Add(1)
		go func(sub string) {
			defer wg.Done()
			_, err := f.svc.Diagnose(context.Background(), "app-1", sub)
			assert.NoError(t, err)
		}(sub)
	}
	wg.Wait()

	stored := f.app(t)
	assert.Equal(t, core.HealthDown, stored.RelatedDomain("blog.example.com").HealthStatus)
	assert.Equal(t, core.HealthDown, stored.RelatedDomain("shop.example.com").HealthStatus)
	assert.Equal(t, core.StackWordPress, stored.RelatedDomain("shop.example.com").TechStack)
}

func TestHeal_DetectsUnknownStackFirst(t *testing.T) {
	app := wordpressApp()
	app.TechStack = core.StackUnknown
	exec := testutil.NewExecutor().
		On("WP_CONTENT", "DIR_EXISTS=1\nWP_CONTENT=1\nWP_INCLUDES=1\nWP_LOGIN=1\n", nil)
	f := newFixture(t, app, exec)

	outcome, err := f.svc.Heal(context.Background(), "app-1", "clear_cache", "", true)

	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, core.StackWordPress, f.app(t).TechStack)
	assert.NotEmpty(t, exec.CommandsContaining("cache flush"))
}

func TestHeal_StillUnknownStack(t *testing.T) {
	app := wordpressApp()
	app.TechStack = core.StackUnknown
	exec := testutil.NewExecutor().On("WP_CONTENT", "DIR_EXISTS=1\n", nil)
	f := newFixture(t, app, exec)

	_, err := f.svc.Heal(context.Background(), "app-1", "clear_cache", "", true)

	assert.ErrorIs(t, err, core.ErrUnknownPlugin)
	assert.Empty(t, exec.CommandsContaining("cache flush"))
}

func TestDiagnose_UnknownStackStaysUnknown(t *testing.T) {
	app := wordpressApp()
	app.TechStack = core.StackUnknown
	f := newFixture(t, app, testutil.NewExecutor().On("DIR_EXISTS", "DIR_EXISTS=1\n", nil))

	_, err := f.svc.Diagnose(context.Background(), "app-1", "")

	assert.ErrorIs(t, err, core.ErrUnknownPlugin)
}

func TestGetHealthScore(t *testing.T) {
	f := newFixture(t, wordpressApp(), testutil.NewExecutor())
	ctx := context.Background()
	for _, st := range []core.CheckStatus{core.CheckPass, core.CheckWarn} {
		require.NoError(t, f.store.SaveDiagnosticResult(ctx, &core.DiagnosticResult{
			ApplicationID: "app-1", Status: st, Severity: core.SeverityHigh,
		}))
	}

	h, err := f.svc.GetHealthScore(ctx, "app-1", "")

	require.NoError(t, err)
	assert.Equal(t, 75, h.Score)
	assert.Equal(t, core.HealthDegraded, h.Status)
	assert.Equal(t, 2, h.Samples)
}

func TestAutoHeal_OnlyAllowedFixes(t *testing.T) {
	exec := testutil.NewExecutor()
	f := newFixture(t, wordpressApp(), exec)
	perms, repair := "fix_permissions", "repair_database"
	report := &DiagnosisReport{
		ApplicationID: "app-1",
		Subdomain:     "blog.example.com",
		Results: []*core.DiagnosticResult{
			{CheckName: "config_permissions", Status: core.CheckFail, SuggestedFix: &perms},
			{CheckName: "config_permissions_again", Status: core.CheckFail, SuggestedFix: &perms},
			{CheckName: "database_connection", Status: core.CheckFail, SuggestedFix: &repair},
			{CheckName: "debug_mode", Status: core.CheckWarn, SuggestedFix: &perms},
		},
	}

	outcomes, err := f.svc.AutoHeal(context.Background(), report)

	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "fix_permissions", outcomes[0].Action)
	assert.Empty(t, exec.CommandsContaining("db repair"))
}

func TestResetCircuitBreaker(t *testing.T) {
	app := wordpressApp()
	app.State = core.CircuitOpen
	app.ConsecutiveFailures = 3
	f := newFixture(t, app, testutil.NewExecutor())

	require.NoError(t, f.svc.ResetCircuitBreaker(context.Background(), "app-1"))

	assert.Equal(t, core.CircuitClosed, f.app(t).State)
	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, core.AuditCircuitReset, events[0].Type)
}
