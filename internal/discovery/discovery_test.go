package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func paths(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Path
	}
	return out
}

func TestClassifyIndicators(t *testing.T) {
	tests := []struct {
		indicators []string
		stack      core.StackKind
		confidence float64
	}{
		{[]string{"wp-config.php", "wp-content", "wp-includes", "wp-admin"}, core.StackWordPress, 1},
		{[]string{"wp-config.php", "wp-content", "wp-admin"}, core.StackWordPress, 0.75},
		{[]string{"wp-content", "wp-includes", "composer.json", "artisan"}, core.StackWordPress, 0.5},
		{[]string{"artisan", "composer.json"}, core.StackLaravel, 1},
		{[]string{"package.json", "next.config.mjs"}, core.StackNextJS, 1},
		{[]string{"package.json", "index.php"}, core.StackNodeJS, 1},
		{[]string{"index.php"}, core.StackPHPGeneric, 0.5},
		{[]string{"index.php", "composer.json"}, core.StackPHPGeneric, 1},
		{nil, core.StackUnknown, 0},
	}
	for _, tt := range tests {
		stack, conf := ClassifyIndicators(tt.indicators)
		assert.Equal(t, tt.stack, stack, "%v", tt.indicators)
		assert.Equal(t, tt.confidence, conf, "%v", tt.indicators)
	}
}

func TestGroupIndicators(t *testing.T) {
	cands := GroupIndicators([]string{
		"/var/www/example.com/package.json",
		"/var/www/example.com/next.config.js",
		"relative/ignored",
		"",
		"/home/acme/public_html/index.php",
	})

	require.Len(t, cands, 2)
	assert.Equal(t, "/home/acme/public_html", cands[0].Path)
	assert.Equal(t, core.StackPHPGeneric, cands[0].Stack)
	assert.Equal(t, "/var/www/example.com", cands[1].Path)
	assert.Equal(t, "example.com", cands[1].Domain)
	assert.Equal(t, core.StackNextJS, cands[1].Stack)
	assert.Equal(t, []string{"next.config.*", "package.json"}, cands[1].Indicators)
}

func TestDedupe_WordPressSubdirectoriesExcluded(t *testing.T) {
	cands := GroupIndicators([]string{
		"/site/wp-config.php",
		"/site/wp-content",
		"/site/wp-admin",
		"/site/wp-content/index.php",
		"/site/wp-admin/index.php",
		"/site/wp-content/plugins/akismet/index.php",
	})

	got := Dedupe(cands, nil)

	require.Len(t, got, 1)
	assert.Equal(t, "/site", got[0].Path)
	assert.Equal(t, core.StackWordPress, got[0].Stack)
}

func TestDedupe_LaravelRootKeepsPublic(t *testing.T) {
	cands := GroupIndicators([]string{
		"/home/u/app/artisan",
		"/home/u/app/composer.json",
		"/home/u/app/public/index.php",
		"/home/u/app/storage/framework/index.php",
		"/home/u/app/vendor/package/composer.json",
	})

	got := Dedupe(cands, nil)

	require.Len(t, got, 1)
	assert.Equal(t, "/home/u/app", got[0].Path)
	assert.Equal(t, core.StackLaravel, got[0].Stack)
	assert.Equal(t, 1.0, got[0].Confidence)
}

func TestDedupe_NodeModulesIgnored(t *testing.T) {
	cands := GroupIndicators([]string{
		"/srv/web/package.json",
		"/srv/web/next.config.js",
		"/srv/web/node_modules/express/package.json",
		"/srv/web/public/index.php",
	})

	got := Dedupe(cands, nil)

	assert.Equal(t, []string{"/srv/web"}, paths(got))
	assert.Equal(t, core.StackNextJS, got[0].Stack)
}

func TestDedupe_ParentChildCollapse(t *testing.T) {
	cands := GroupIndicators([]string{"/a/index.php", "/a/b/package.json"})

	got := Dedupe(cands, nil)

	assert.Equal(t, []string{"/a/b"}, paths(got))
}

func TestDedupe_RegisteredApplications(t *testing.T) {
	cands := GroupIndicators([]string{
		"/home/acme/index.php",
		"/home/acme/public_html/index.php",
		"/home/acme/public_html/shop/index.php",
		"/home/other/public_html/index.php",
	})

	got := Dedupe(cands, []string{"/home/acme/public_html"})

	assert.Equal(t, []string{"/home/acme/public_html", "/home/other/public_html"}, paths(got),
		"descendants and ancestors of registered roots are dropped")
}

func TestDedupe_Idempotent(t *testing.T) {
	cands := GroupIndicators([]string{
		"/srv/a/index.php",
		"/srv/a/b/artisan",
		"/srv/a/b/composer.json",
		"/srv/wp/wp-config.php",
		"/srv/wp/wp-includes",
		"/srv/wp/wp-content/themes/x/index.php",
		"/srv/node/package.json",
	})

	once := Dedupe(cands, nil)
	twice := Dedupe(once, nil)

	assert.Equal(t, once, twice)
	assert.Equal(t, []string{"/srv/a/b", "/srv/node", "/srv/wp"}, paths(once))
}

func TestParseTrueUserDomains(t *testing.T) {
	owners := parseTrueUserDomains("example.com: acme\nlocalhost: root\nshop.net:shopper\nexample.com: acme\nbroken line\n")

	assert.Equal(t, []domainOwner{{"example.com", "acme"}, {"shop.net", "shopper"}}, owners)
}

func TestParseUserDataDomains(t *testing.T) {
	related := parseUserDataDomains(strings.Join([]string{
		"example.com: acme==root==main==example.com==/home/acme/public_html==1.2.3.4:80",
		"blog.example.com: acme==root==sub==example.com==/home/acme/public_html/blog==1.2.3.4:80",
		"example.org: acme==root==parked==example.com==/home/acme/public_html==1.2.3.4:80",
		"addon.io: acme==root==addon==example.com==/home/acme/addon.io/==1.2.3.4:80",
	}, "\n"))

	rds := related["example.com"]
	require.Len(t, rds, 3)
	assert.Equal(t, core.RelationSubdomain, rds[0].Relation)
	assert.Equal(t, "/home/acme/public_html/blog", rds[0].Path)
	assert.Equal(t, core.RelationParked, rds[1].Relation)
	assert.Equal(t, core.RelationAddon, rds[2].Relation)
	assert.Equal(t, "/home/acme/addon.io", rds[2].Path)
}

func newEngine(t *testing.T, exec core.Executor, store *testutil.MemoryStore, chunk int) *Engine {
	t.Helper()
	e := NewEngine(exec, nil, store, store, nil, zaptest.NewLogger(t), Config{ChunkSize: chunk})
	n := 0
	e.newID = func() string { n++; return fmt.Sprintf("app-%d", n) }
	return e
}

func genericExecutor(found ...string) *testutil.Executor {
	return testutil.NewExecutor(
		testutil.Reply{Match: "if [ -r /etc/trueuserdomains", Out: "CPANEL=0\n"},
		testutil.Reply{Match: "find ", Out: strings.Join(found, "\n")},
	)
}

func TestDiscover_GenericIsIdempotent(t *testing.T) {
	store := testutil.NewMemoryStore()
	exec := genericExecutor(
		"/site/wp-config.php", "/site/wp-content", "/site/wp-admin",
		"/site/wp-content/index.php", "/other/package.json",
	)
	engine := newEngine(t, exec, store, 0)
	opts := Options{ServerID: "srv-1"}

	first, err := engine.Discover(context.Background(), opts)
	require.NoError(t, err)
	second, err := engine.Discover(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, "filesystem", first.Strategy)
	assert.Equal(t, 2, first.Created)
	assert.Zero(t, second.Created)
	assert.Equal(t, 2, second.Skipped)
	require.Len(t, store.Apps(), 2)
	assert.Equal(t, core.StackNodeJS, store.Apps()[0].TechStack)
	assert.Equal(t, core.StackWordPress, store.Apps()[1].TechStack)
}

func TestDiscover_ExplicitPathsSkipControlPanel(t *testing.T) {
	store := testutil.NewMemoryStore()
	exec := genericExecutor("/srv/app/index.php")

	report, err := newEngine(t, exec, store, 0).Discover(context.Background(), Options{
		ServerID: "srv-1",
		Paths:    []string{"/srv"},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Empty(t, exec.CommandsContaining("trueuserdomains"))
	find := exec.CommandsContaining("find ")
	require.Len(t, find, 1)
	assert.Contains(t, find[0], "find '/srv' -maxdepth")
}

func TestDiscover_StackFilter(t *testing.T) {
	store := testutil.NewMemoryStore()
	exec := genericExecutor("/srv/php/index.php", "/srv/node/package.json")

	report, err := newEngine(t, exec, store, 0).Discover(context.Background(), Options{
		ServerID:    "srv-1",
		StackFilter: []core.StackKind{core.StackNodeJS},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, report.Found)
	assert.Equal(t, "/srv/node", store.Apps()[0].Path)
}

func TestDiscover_ControlPanel(t *testing.T) {
	store := testutil.NewMemoryStore()
	exec := testutil.NewExecutor(
		testutil.Reply{Match: "if [ -r /etc/trueuserdomains", Out: "CPANEL=1\n"},
		testutil.Reply{Match: "cat /etc/trueuserdomains", Out: "example.com: acme\nnodot: bob\nshop.net: shopper\n"},
		testutil.Reply{Match: "for pair in", Out: "example.com|acme|/home/acme/public_html/\nshop.net|shopper|/home/shopper/public_html\n"},
		testutil.Reply{Match: "cat /etc/userdatadomains", Out: "blog.example.com: acme==root==sub==example.com==/home/acme/public_html/blog==1.2.3.4:80\n"},
	)

	report, err := newEngine(t, exec, store, 0).Discover(context.Background(), Options{ServerID: "srv-1"})

	require.NoError(t, err)
	assert.Equal(t, "cpanel", report.Strategy)
	assert.Equal(t, 2, report.Created)
	for _, cmd := range exec.CommandsContaining("for pair in") {
		assert.NotContains(t, cmd, "nodot")
	}
	assert.Empty(t, exec.CommandsContaining("find "), "no filesystem walk when the registry is readable")

	apps := store.Apps()
	require.Len(t, apps, 2)
	primary := apps[0]
	assert.Equal(t, "/home/acme/public_html", primary.Path)
	assert.Equal(t, "example.com", primary.Domain)
	assert.Equal(t, core.StackUnknown, primary.TechStack)
	require.Len(t, primary.RelatedDomains, 1)
	assert.Equal(t, "blog.example.com", primary.RelatedDomains[0].Domain)
	assert.Equal(t, core.RelationSubdomain, primary.RelatedDomains[0].Relation)
}

func TestDiscover_ControlPanelChunks(t *testing.T) {
	var registry, resolved strings.Builder
	for i := 0; i < 120; i++ {
		fmt.Fprintf(&registry, "site%d.com: user%d\n", i, i)
		fmt.Fprintf(&resolved, "site%d.com|user%d|/home/user%d/public_html\n", i, i, i)
	}
	exec := testutil.NewExecutor(
		testutil.Reply{Match: "if [ -r /etc/trueuserdomains", Out: "CPANEL=1\n"},
		testutil.Reply{Match: "cat /etc/trueuserdomains", Out: registry.String()},
		testutil.Reply{Match: "for pair in", Out: resolved.String()},
	)
	store := testutil.NewMemoryStore()

	_, err := newEngine(t, exec, store, 0).Discover(context.Background(), Options{ServerID: "srv-1"})

	require.NoError(t, err)
	assert.Len(t, exec.CommandsContaining("for pair in"), 3)
}

func TestDiscover_ForceRediscoverUpdates(t *testing.T) {
	existing := core.NewApplication("app-x", "srv-1", "old", "/srv/node")
	existing.TechStack = core.StackExpress
	store := testutil.NewMemoryStore(existing)
	exec := genericExecutor("/srv/node/package.json")

	report, err := newEngine(t, exec, store, 0).Discover(context.Background(), Options{
		ServerID:        "srv-1",
		ForceRediscover: true,
	})

	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
	app, _ := store.GetApplication(context.Background(), "app-x")
	assert.Equal(t, core.StackExpress, app.TechStack, "a resolved stack is not overwritten by a guess")
	assert.Equal(t, "node", app.Domain)
}

func TestDiscover_RegistrationErrorsAccumulate(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.FailUpdates = errors.New("db down")
	exec := genericExecutor("/srv/a/index.php", "/srv/b/package.json")

	report, err := newEngine(t, exec, store, 0).Discover(context.Background(), Options{ServerID: "srv-1"})

	require.NoError(t, err)
	assert.Len(t, report.Errors, 2)
	assert.Zero(t, report.Created)
	events := store.Events()
	require.Len(t, events, 2)
	assert.Equal(t, core.AuditDiscoveryFailed, events[0].Type)
}

func TestFindCommand(t *testing.T) {
	cmd := findCommand([]string{"/home", "/var/www"}, 3)

	assert.True(t, strings.HasPrefix(cmd, "find '/home' '/var/www' -maxdepth 4"))
	assert.Contains(t, cmd, "-name 'node_modules' -o -name 'vendor'")
	assert.Contains(t, cmd, "-name 'next.config.*'")
}
