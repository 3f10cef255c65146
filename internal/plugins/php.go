package plugins

import (
	"context"
	"strings"
	"time"

	"github.com/leozw/site-healer/internal/core"
	"go.uber.org/zap"
)

// minPHPMajor is the oldest PHP major release still considered supported.
const minPHPMajor = 8

type PHPPlugin struct {
	catalog
}

func NewPHPPlugin(exec core.Executor, logger *zap.Logger) *PHPPlugin {
	p := &PHPPlugin{catalog: catalog{
		kind:   core.StackPHPGeneric,
		exec:   exec,
		logger: logger.Named("php"),
	}}
	p.checks = []check{
		filesPresentCheck("index_file", "integrity", core.SeverityCritical, "", "index.php"),
		{name: "php_version", category: "runtime", severity: core.SeverityMedium, run: phpVersionCheck},
		{name: "php_syntax", category: "integrity", severity: core.SeverityHigh, run: phpSyntaxCheck},
		{name: "composer_dependencies", category: "dependencies", severity: core.SeverityHigh, run: phpComposerCheck},
		errorLogCheck("error_log", "error_log", `PHP (Fatal|Parse) error`, "clear_error_log"),
		diskSpaceCheck(),
		httpResponseCheck(),
	}
	p.actions = []core.HealingAction{
		{
			Name:              "clear_error_log",
			Description:       "Truncate the application error log",
			Commands:          []string{"if [ -f {{path}}/error_log ]; then : > {{path}}/error_log; fi"},
			EstimatedDuration: 5 * time.Second,
			RiskLevel:         core.RiskLow,
		},
		{
			Name:        "fix_permissions",
			Description: "Reset directory and file permissions",
			Commands: []string{
				"find {{path}} -type d -exec chmod 755 {} +",
				"find {{path}} -type f -exec chmod 644 {} +",
			},
			EstimatedDuration: 2 * time.Minute,
			RiskLevel:         core.RiskMedium,
		},
		{
			Name:              "composer_install",
			Description:       "Install PHP dependencies from composer.lock",
			Commands:          []string{"cd {{path}} && composer install --no-dev --no-interaction --prefer-dist"},
			RequiresBackup:    true,
			EstimatedDuration: 5 * time.Minute,
			RiskLevel:         core.RiskMedium,
		},
	}
	p.manifest = core.BackupManifest{
		Optional: []string{"composer.json", "composer.lock", ".env", "index.php"},
	}
	return p
}

func (p *PHPPlugin) Detect(ctx context.Context, serverID, path string) DetectResult {
	facts, err := probe(ctx, p.exec, serverID, path, existsScript(map[string]string{
		"INDEX_PHP":     "index.php",
		"COMPOSER_JSON": "composer.json",
	})+"if ls *.php >/dev/null 2>&1; then echo ANY_PHP=1; else echo ANY_PHP=0; fi\n"+
		"echo PHP_VERSION=$(php -r 'echo PHP_VERSION;' 2>/dev/null)\n")
	if err != nil {
		p.logger.Debug("PHP probe failed", zap.String("server_id", serverID), zap.String("path", path), zap.Error(err))
		return notDetected()
	}
	if facts["DIR_EXISTS"] != "1" {
		return notDetected()
	}
	result := DetectResult{
		Detected: true,
		Stack:    core.StackPHPGeneric,
		Version:  facts["PHP_VERSION"],
		Metadata: map[string]interface{}{"has_composer": facts["COMPOSER_JSON"] == "1"},
	}
	switch {
	case facts["INDEX_PHP"] == "1" && facts["COMPOSER_JSON"] == "1":
		result.Confidence = 0.70
	case facts["ANY_PHP"] == "1" || facts["INDEX_PHP"] == "1":
		result.Confidence = 0.50
	default:
		return notDetected()
	}
	return result
}

func phpVersionCheck(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
	facts, err := runFacts(ctx, exec, t, "echo PHP_VERSION=$(php -r 'echo PHP_VERSION;' 2>/dev/null)")
	if err != nil {
		return checkOutcome{}, err
	}
	version := facts["PHP_VERSION"]
	if version == "" {
		return failed("PHP CLI not found", "", nil), nil
	}
	details := map[string]interface{}{"version": version}
	if major := majorVersion(version); major > 0 && major < minPHPMajor {
		return warned("PHP "+version+" is end of life", "", details), nil
	}
	return passed("PHP "+version, details), nil
}

func phpSyntaxCheck(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
	facts, err := runFacts(ctx, exec, t,
		"if [ ! -f index.php ]; then echo LINT=missing; exit 0; fi\n"+
			"if OUT=$(php -l index.php 2>&1); then echo LINT=ok; else echo LINT=fail; echo OUTPUT=$(echo \"$OUT\" | head -n 1); fi")
	if err != nil {
		return checkOutcome{}, err
	}
	switch facts["LINT"] {
	case "missing":
		return warned("index.php not found", "", nil), nil
	case "fail":
		return failed("Syntax error in index.php: "+facts["OUTPUT"], "", map[string]interface{}{"output": facts["OUTPUT"]}), nil
	}
	return passed("index.php has no syntax errors", nil), nil
}

func phpComposerCheck(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
	facts, err := runFacts(ctx, exec, t, existsScript(map[string]string{
		"COMPOSER_JSON": "composer.json",
		"AUTOLOAD":      "vendor/autoload.php",
	}))
	if err != nil {
		return checkOutcome{}, err
	}
	if facts["COMPOSER_JSON"] != "1" {
		return passed("No composer manifest", nil), nil
	}
	if facts["AUTOLOAD"] != "1" {
		return failed("Composer dependencies are not installed", "composer_install", nil), nil
	}
	return passed("Composer dependencies installed", nil), nil
}

// majorVersion parses the leading integer of a dotted version, ignoring a
// leading "v". It returns 0 when there is none.
func majorVersion(v string) int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}
