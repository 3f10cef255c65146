// Package detector classifies a web root with a single composite probe
// script and a local, ordered decision list.
package detector

import (
	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/remote"
)

// Detection is the classifier output for one path.
type Detection struct {
	Stack      core.StackKind    `json:"stack"`
	Version    string            `json:"version,omitempty"`
	Confidence float64           `json:"confidence"`
	Facts      map[string]string `json:"facts,omitempty"`
}

func (d Detection) Known() bool { return d.Stack != core.StackUnknown }

func (d Detection) stored() core.StackDetection {
	out := core.StackDetection{Stack: d.Stack, Confidence: d.Confidence}
	if d.Version != "" {
		v := d.Version
		out.Version = &v
	}
	return out
}

// probeScript expects $P to hold the quoted path. Everything the classifier
// needs comes back in one round trip.
const probeScript = `if [ ! -d "$P" ]; then echo DIR_EXISTS=0; exit 0; fi
cd "$P" || { echo DIR_EXISTS=0; exit 0; }
echo DIR_EXISTS=1
f() { if [ -e "$2" ]; then echo "$1=1"; else echo "$1=0"; fi; }
g() { if grep -q "$2" "$3" 2>/dev/null; then echo "$1=1"; else echo "$1=0"; fi; }
f WP_CONTENT wp-content
f WP_INCLUDES wp-includes
f WP_LOGIN wp-login.php
f WP_ADMIN wp-admin
f ARTISAN artisan
f COMPOSER_JSON composer.json
f PACKAGE_JSON package.json
f INDEX_PHP index.php
if ls next.config.* >/dev/null 2>&1; then echo NEXT_CONFIG=1; else echo NEXT_CONFIG=0; fi
if ls *.php >/dev/null 2>&1; then echo ANY_PHP=1; else echo ANY_PHP=0; fi
g LARAVEL_DEP '"laravel/framework"' composer.json
g NEXT_DEP '"next"' package.json
g EXPRESS_DEP '"express"' package.json
echo WP_VERSION=$(grep -oE "wp_version = '[^']+'" wp-includes/version.php 2>/dev/null | cut -d"'" -f2)
echo LARAVEL_VERSION=$(grep -A1 '"name": "laravel/framework"' composer.lock 2>/dev/null | grep -oE '[0-9]+\.[0-9]+\.[0-9]+' | head -n 1)
echo NEXT_VERSION=$(grep -oE '"next": *"[^"]+"' package.json 2>/dev/null | grep -oE '[0-9][0-9.]*' | head -n 1)
echo EXPRESS_VERSION=$(grep -oE '"express": *"[^"]+"' package.json 2>/dev/null | grep -oE '[0-9][0-9.]*' | head -n 1)
echo NODE_VERSION=$(node --version 2>/dev/null | tr -d v)
echo PHP_VERSION=$(php -r 'echo PHP_VERSION;' 2>/dev/null)
`

// Script renders the composite probe for path.
func Script(path string) string {
	return "P=" + remote.Quote(path) + "\n" + probeScript
}

// Classify applies the fixed precedence. The first matching rule wins even
// if a later rule would carry a higher confidence.
func Classify(facts map[string]string) Detection {
	has := func(k string) bool { return facts[k] == "1" }
	d := Detection{Stack: core.StackUnknown, Facts: facts}

	if !has("DIR_EXISTS") {
		return d
	}

	switch {
	case has("WP_CONTENT") && has("WP_INCLUDES") && (has("WP_LOGIN") || has("WP_ADMIN")):
		d.Stack, d.Confidence, d.Version = core.StackWordPress, 0.95, facts["WP_VERSION"]
	case has("ARTISAN") && has("COMPOSER_JSON") && has("LARAVEL_DEP"):
		d.Stack, d.Confidence, d.Version = core.StackLaravel, 0.95, facts["LARAVEL_VERSION"]
	case has("PACKAGE_JSON") && (has("NEXT_CONFIG") || has("NEXT_DEP")):
		d.Stack, d.Confidence, d.Version = core.StackNextJS, 0.95, facts["NEXT_VERSION"]
	case has("PACKAGE_JSON") && has("EXPRESS_DEP"):
		d.Stack, d.Confidence, d.Version = core.StackExpress, 0.85, facts["EXPRESS_VERSION"]
	case has("PACKAGE_JSON"):
		d.Stack, d.Confidence, d.Version = core.StackNodeJS, 0.90, facts["NODE_VERSION"]
	case has("INDEX_PHP") && has("COMPOSER_JSON"):
		d.Stack, d.Confidence, d.Version = core.StackPHPGeneric, 0.70, facts["PHP_VERSION"]
	case has("ANY_PHP"):
		d.Stack, d.Confidence, d.Version = core.StackPHPGeneric, 0.50, facts["PHP_VERSION"]
	}
	return d
}
