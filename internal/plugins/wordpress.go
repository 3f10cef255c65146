package plugins

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/leozw/site-healer/internal/core"
	"go.uber.org/zap"
)

const wpCLI = "wp --path={{path}} --allow-root --skip-plugins --skip-themes"

type WordPressPlugin struct {
	catalog
}

func NewWordPressPlugin(exec core.Executor, logger *zap.Logger) *WordPressPlugin {
	p := &WordPressPlugin{catalog: catalog{
		kind:   core.StackWordPress,
		exec:   exec,
		logger: logger.Named("wordpress"),
	}}
	p.checks = []check{
		filesPresentCheck("core_files", "integrity", core.SeverityCritical, "reinstall_core",
			"wp-config.php", "wp-load.php", "wp-settings.php", "wp-includes/version.php"),
		permissionsCheck("config_permissions", "wp-config.php", "fix_permissions"),
		configFlagCheck("debug_mode", "wp-config.php",
			`define\(\s*['"]WP_DEBUG['"]\s*,\s*true`, "WP_DEBUG is enabled in production"),
		{name: "database_connection", category: "database", severity: core.SeverityCritical, run: wpDatabaseCheck},
		{name: "core_checksums", category: "integrity", severity: core.SeverityHigh, run: wpChecksumCheck},
		{name: "plugin_updates", category: "maintenance", severity: core.SeverityLow, run: wpPluginUpdatesCheck},
		diskSpaceCheck(),
		httpResponseCheck(),
	}
	p.actions = []core.HealingAction{
		{
			Name:              "clear_cache",
			Description:       "Flush object cache and remove page cache files",
			Commands:          []string{wpCLI + " cache flush || true", "rm -rf {{path}}/wp-content/cache/*"},
			EstimatedDuration: 30 * time.Second,
			RiskLevel:         core.RiskLow,
		},
		{
			Name:              "flush_rewrite",
			Description:       "Regenerate rewrite rules",
			Commands:          []string{wpCLI + " rewrite flush --hard"},
			EstimatedDuration: 15 * time.Second,
			RiskLevel:         core.RiskLow,
		},
		{
			Name:        "fix_permissions",
			Description: "Reset directory and file permissions",
			Commands: []string{
				"find {{path}} -type d -exec chmod 755 {} +",
				"find {{path}} -type f -exec chmod 644 {} +",
				"chmod 640 {{path}}/wp-config.php",
			},
			EstimatedDuration: 2 * time.Minute,
			RiskLevel:         core.RiskMedium,
		},
		{
			Name:              "repair_database",
			Description:       "Repair and optimize database tables",
			Commands:          []string{wpCLI + " db repair", wpCLI + " db optimize"},
			RequiresBackup:    true,
			EstimatedDuration: 5 * time.Minute,
			RiskLevel:         core.RiskHigh,
		},
		{
			Name:              "update_plugins",
			Description:       "Update all plugins to their latest versions",
			Commands:          []string{"wp --path={{path}} --allow-root plugin update --all"},
			RequiresBackup:    true,
			EstimatedDuration: 5 * time.Minute,
			RiskLevel:         core.RiskHigh,
		},
		{
			Name:              "reinstall_core",
			Description:       "Download WordPress core files over the existing installation",
			Commands:          []string{wpCLI + " core download --force --skip-content"},
			RequiresBackup:    true,
			EstimatedDuration: 3 * time.Minute,
			RiskLevel:         core.RiskCritical,
		},
	}
	p.manifest = core.BackupManifest{
		Required: []string{"wp-config.php"},
		Optional: []string{".htaccess"},
	}
	return p
}

func (p *WordPressPlugin) Detect(ctx context.Context, serverID, path string) DetectResult {
	facts, err := probe(ctx, p.exec, serverID, path, existsScript(map[string]string{
		"WP_CONFIG":   "wp-config.php",
		"WP_CONTENT":  "wp-content",
		"WP_INCLUDES": "wp-includes",
		"WP_LOGIN":    "wp-login.php",
		"WP_ADMIN":    "wp-admin",
	})+`echo WP_VERSION=$(grep -oE "wp_version = '[^']+'" wp-includes/version.php 2>/dev/null | cut -d"'" -f2)`+"\n")
	if err != nil {
		p.logger.Debug("WordPress probe failed", zap.String("server_id", serverID), zap.String("path", path), zap.Error(err))
		return notDetected()
	}
	if facts["DIR_EXISTS"] != "1" {
		return notDetected()
	}
	if facts["WP_CONTENT"] != "1" || facts["WP_INCLUDES"] != "1" || (facts["WP_LOGIN"] != "1" && facts["WP_ADMIN"] != "1") {
		return notDetected()
	}
	return DetectResult{
		Detected:   true,
		Stack:      core.StackWordPress,
		Version:    facts["WP_VERSION"],
		Confidence: 0.95,
		Metadata: map[string]interface{}{
			"has_config": facts["WP_CONFIG"] == "1",
			"signals":    signalConfidence(facts, "WP_CONFIG", "WP_CONTENT", "WP_INCLUDES", "WP_LOGIN", "WP_ADMIN"),
		},
	}
}

// wpCLIFacts runs a wp-cli subcommand and reports RESULT=ok|fail, or
// RESULT=nocli when wp-cli is not installed.
func wpCLIFacts(ctx context.Context, exec core.Executor, t core.Target, sub string) (map[string]string, error) {
	script := fmt.Sprintf(
		"if ! command -v wp >/dev/null 2>&1; then echo RESULT=nocli; exit 0; fi\n"+
			"if OUT=$(%s %s 2>&1); then echo RESULT=ok; else echo RESULT=fail; fi\n"+
			"echo OUTPUT=$(echo \"$OUT\" | tail -n 1)", wpCLI, sub)
	return runFacts(ctx, exec, t, script)
}

func wpDatabaseCheck(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
	facts, err := wpCLIFacts(ctx, exec, t, "db check")
	if err != nil {
		return checkOutcome{}, err
	}
	switch facts["RESULT"] {
	case "nocli":
		o := warned("wp-cli not installed; database not checked", "", nil)
		o.severity = core.SeverityLow
		return o, nil
	case "fail":
		return failed("Database check failed: "+facts["OUTPUT"], "repair_database",
			map[string]interface{}{"output": facts["OUTPUT"]}), nil
	}
	return passed("Database tables are healthy", nil), nil
}

func wpChecksumCheck(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
	facts, err := wpCLIFacts(ctx, exec, t, "core verify-checksums")
	if err != nil {
		return checkOutcome{}, err
	}
	switch facts["RESULT"] {
	case "nocli":
		o := warned("wp-cli not installed; checksums not verified", "", nil)
		o.severity = core.SeverityLow
		return o, nil
	case "fail":
		return failed("Core files do not match checksums", "reinstall_core",
			map[string]interface{}{"output": facts["OUTPUT"]}), nil
	}
	return passed("Core checksums verified", nil), nil
}

func wpPluginUpdatesCheck(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
	facts, err := runFacts(ctx, exec, t,
		"if ! command -v wp >/dev/null 2>&1; then echo COUNT=; exit 0; fi\n"+
			"echo COUNT=$("+wpCLI+" plugin list --update=available --format=count 2>/dev/null)")
	if err != nil {
		return checkOutcome{}, err
	}
	raw := strings.TrimSpace(facts["COUNT"])
	if raw == "" {
		return warned("Plugin updates could not be listed", "", nil), nil
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return checkOutcome{}, fmt.Errorf("unexpected plugin count %q", raw)
	}
	details := map[string]interface{}{"updates_available": count}
	if count > 0 {
		return warned(fmt.Sprintf("%d plugin update(s) available", count), "update_plugins", details), nil
	}
	return passed("All plugins up to date", details), nil
}
