package plugins

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/leozw/site-healer/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type rule struct {
	contains string
	out      string
	err      error
}

// fakeExecutor answers with the first rule whose substring appears in the
// command, or with def otherwise.
type fakeExecutor struct {
	rules    []rule
	def      string
	defErr   error
	commands []string
}

func (f *fakeExecutor) Execute(ctx context.Context, serverID, command string, timeout time.Duration) (string, error) {
	f.commands = append(f.commands, command)
	for _, r := range f.rules {
		if strings.Contains(command, r.contains) {
			return r.out, r.err
		}
	}
	return f.def, f.defErr
}

var testTarget = core.Target{
	ApplicationID: "app-1",
	ServerID:      "srv-1",
	Domain:        "example.com",
	Path:          "/home/acme/public_html",
	Stack:         core.StackWordPress,
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Get(core.StackLaravel)

	assert.ErrorIs(t, err, core.ErrUnknownPlugin)
}

func TestRegistry_KindsFollowDetectionOrder(t *testing.T) {
	reg := NewDefaultRegistry(&fakeExecutor{}, zaptest.NewLogger(t))

	assert.Equal(t, DetectionOrder, reg.Kinds())
}

func TestRegistry_DetectPrefersWordPressOverLaravel(t *testing.T) {
	exec := &fakeExecutor{def: strings.Join([]string{
		"DIR_EXISTS=1",
		"WP_CONTENT=1", "WP_INCLUDES=1", "WP_LOGIN=1", "WP_VERSION=6.4.2",
		"ARTISAN=1", "COMPOSER_JSON=1", "LARAVEL_DEP=1",
	}, "\n")}
	reg := NewDefaultRegistry(exec, zaptest.NewLogger(t))

	res, ok := reg.Detect(context.Background(), "srv-1", "/home/acme/public_html")

	require.True(t, ok)
	assert.Equal(t, core.StackWordPress, res.Stack)
	assert.Equal(t, "6.4.2", res.Version)
	assert.Equal(t, 0.95, res.Confidence)
	assert.Len(t, exec.commands, 1, "stops at the first positive plugin")
}

func TestRegistry_DetectExpressBeforeNode(t *testing.T) {
	exec := &fakeExecutor{def: "DIR_EXISTS=1\nPACKAGE_JSON=1\nEXPRESS_DEP=1\nNEXT_DEP=0\nEXPRESS_VERSION=4.18.2\n"}
	reg := NewDefaultRegistry(exec, zaptest.NewLogger(t))

	res, ok := reg.Detect(context.Background(), "srv-1", "/srv/api")

	require.True(t, ok)
	assert.Equal(t, core.StackExpress, res.Stack)
	assert.Equal(t, 0.85, res.Confidence)
}

func TestRegistry_DetectNothing(t *testing.T) {
	exec := &fakeExecutor{def: "DIR_EXISTS=1\n"}
	reg := NewDefaultRegistry(exec, zaptest.NewLogger(t))

	res, ok := reg.Detect(context.Background(), "srv-1", "/srv/empty")

	assert.False(t, ok)
	assert.Equal(t, core.StackUnknown, res.Stack)
	assert.Len(t, exec.commands, len(DetectionOrder))
}

func TestDetect_ProbeFailureIsNotDetected(t *testing.T) {
	exec := &fakeExecutor{defErr: errors.New("ssh: unable to authenticate")}
	logger := zaptest.NewLogger(t)

	for _, p := range []Plugin{
		NewWordPressPlugin(exec, logger),
		NewLaravelPlugin(exec, logger),
		NewPHPPlugin(exec, logger),
		NewNodeJSPlugin(exec, logger),
		NewExpressPlugin(exec, logger),
		NewNextJSPlugin(exec, logger),
	} {
		res := p.Detect(context.Background(), "srv-1", "/srv/app")
		assert.False(t, res.Detected, p.Kind())
		assert.Zero(t, res.Confidence, p.Kind())
	}
}

func TestDetect_MissingDirectory(t *testing.T) {
	exec := &fakeExecutor{def: "DIR_EXISTS=0\n"}
	p := NewPHPPlugin(exec, zaptest.NewLogger(t))

	res := p.Detect(context.Background(), "srv-1", "/gone")

	assert.False(t, res.Detected)
}

func TestPHPDetect_Confidence(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want float64
	}{
		{"index and composer", "DIR_EXISTS=1\nINDEX_PHP=1\nCOMPOSER_JSON=1\nANY_PHP=1\n", 0.70},
		{"stray php file", "DIR_EXISTS=1\nINDEX_PHP=0\nCOMPOSER_JSON=0\nANY_PHP=1\n", 0.50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPHPPlugin(&fakeExecutor{def: tt.out}, zaptest.NewLogger(t))
			res := p.Detect(context.Background(), "srv-1", "/srv/app")
			require.True(t, res.Detected)
			assert.Equal(t, tt.want, res.Confidence)
		})
	}
}

func TestCatalogs(t *testing.T) {
	reg := NewDefaultRegistry(&fakeExecutor{}, zaptest.NewLogger(t))

	for _, kind := range reg.Kinds() {
		p, err := reg.Get(kind)
		require.NoError(t, err)

		checks := p.DiagnosticChecks()
		assert.GreaterOrEqual(t, len(checks), 6, kind)
		assert.LessOrEqual(t, len(checks), 8, kind)

		seen := map[string]bool{}
		for _, a := range p.HealingActions() {
			assert.False(t, seen[a.Name], "duplicate action %s in %s", a.Name, kind)
			seen[a.Name] = true
			assert.NotEmpty(t, a.Commands, a.Name)
			assert.NotEmpty(t, a.RiskLevel, a.Name)
			for _, cmd := range a.Commands {
				assert.Contains(t, cmd, pathPlaceholder, "%s/%s must target the resolved path", kind, a.Name)
			}
		}
	}
}

func TestRunDiagnosticCheck_UnknownName(t *testing.T) {
	p := NewLaravelPlugin(&fakeExecutor{}, zaptest.NewLogger(t))

	_, err := p.RunDiagnosticCheck(context.Background(), "no_such_check", testTarget)

	assert.ErrorIs(t, err, core.ErrUnknownCheck)
}

func TestRunDiagnosticCheck_FailureBecomesErrorResult(t *testing.T) {
	exec := &fakeExecutor{defErr: errors.New("connection refused")}
	p := NewWordPressPlugin(exec, zaptest.NewLogger(t))

	for _, name := range p.DiagnosticChecks() {
		res, err := p.RunDiagnosticCheck(context.Background(), name, testTarget)
		require.NoError(t, err, name)
		assert.Equal(t, core.CheckError, res.Status, name)
		assert.NotEmpty(t, res.Severity, name)
		assert.Equal(t, "app-1", res.ApplicationID)
		assert.Nil(t, res.Subdomain)
	}
}

func TestDiskSpaceCheck(t *testing.T) {
	tests := []struct {
		out      string
		status   core.CheckStatus
		severity core.Severity
	}{
		{"97\n", core.CheckFail, core.SeverityCritical},
		{"88\n", core.CheckWarn, core.SeverityHigh},
		{"41\n", core.CheckPass, core.SeverityHigh},
	}
	for _, tt := range tests {
		p := NewNodeJSPlugin(&fakeExecutor{rules: []rule{{contains: "df -P", out: tt.out}}}, zaptest.NewLogger(t))

		res, err := p.RunDiagnosticCheck(context.Background(), "disk_space", testTarget)

		require.NoError(t, err)
		assert.Equal(t, tt.status, res.Status, tt.out)
		assert.Equal(t, tt.severity, res.Severity, tt.out)
	}
}

func TestCheck_SuggestedFixAndSubdomain(t *testing.T) {
	exec := &fakeExecutor{rules: []rule{{contains: "APP_KEY", out: "KEY=0\n"}}}
	p := NewLaravelPlugin(exec, zaptest.NewLogger(t))
	target := testTarget
	target.Subdomain = "shop.example.com"
	target.Domain = "shop.example.com"

	res, err := p.RunDiagnosticCheck(context.Background(), "app_key", target)

	require.NoError(t, err)
	assert.Equal(t, core.CheckFail, res.Status)
	require.NotNil(t, res.SuggestedFix)
	assert.Equal(t, "generate_app_key", *res.SuggestedFix)
	require.NotNil(t, res.Subdomain)
	assert.Equal(t, "shop.example.com", *res.Subdomain)
}

func TestRunHealingAction_UnknownName(t *testing.T) {
	p := NewNextJSPlugin(&fakeExecutor{}, zaptest.NewLogger(t))

	_, err := p.RunHealingAction(context.Background(), "format_disk", testTarget)

	assert.ErrorIs(t, err, core.ErrUnknownAction)
}

func TestRunHealingAction_StopsAtFirstFailure(t *testing.T) {
	exec := &fakeExecutor{rules: []rule{{contains: "-type f", err: errors.New("chmod: Operation not permitted")}}}
	p := NewWordPressPlugin(exec, zaptest.NewLogger(t))

	res, err := p.RunHealingAction(context.Background(), "fix_permissions", testTarget)

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Failed to execute fix_permissions")
	assert.Len(t, exec.commands, 2, "the third command never runs")
}

func TestRunHealingAction_RunsAllCommandsOnResolvedPath(t *testing.T) {
	exec := &fakeExecutor{}
	p := NewLaravelPlugin(exec, zaptest.NewLogger(t))
	target := testTarget
	target.Path = "/home/acme/shop's root"

	res, err := p.RunHealingAction(context.Background(), "clear_cache", target)

	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, exec.commands, 4)
	for _, cmd := range exec.commands {
		assert.Contains(t, cmd, `cd '/home/acme/shop'\''s root' && php artisan`)
	}
}

func TestRenderCommand(t *testing.T) {
	cmd := RenderCommand("pm2 restart {{domain}} --cwd {{path}}", testTarget)

	assert.Equal(t, "pm2 restart 'example.com' --cwd '/home/acme/public_html'", cmd)
}

func TestWorldReadable(t *testing.T) {
	assert.True(t, worldReadable("644"))
	assert.False(t, worldReadable("640"))
	assert.False(t, worldReadable("600"))
	assert.False(t, worldReadable(""))
}

func TestMajorVersion(t *testing.T) {
	assert.Equal(t, 20, majorVersion("v20.11.1"))
	assert.Equal(t, 8, majorVersion("8.2.12"))
	assert.Equal(t, 0, majorVersion("unknown"))
}
