package plugins

import (
	"context"
	"sort"
	"time"

	"github.com/leozw/site-healer/internal/core"
	"go.uber.org/zap"
)

type LaravelPlugin struct {
	catalog
}

func NewLaravelPlugin(exec core.Executor, logger *zap.Logger) *LaravelPlugin {
	p := &LaravelPlugin{catalog: catalog{
		kind:   core.StackLaravel,
		exec:   exec,
		logger: logger.Named("laravel"),
	}}
	p.checks = []check{
		filesPresentCheck("env_file", "configuration", core.SeverityCritical, "", ".env"),
		{name: "app_key", category: "security", severity: core.SeverityCritical, run: laravelAppKeyCheck},
		{name: "storage_writable", category: "permissions", severity: core.SeverityHigh, run: laravelStorageCheck},
		configFlagCheck("debug_mode", ".env", `^APP_DEBUG=(true|1)`, "APP_DEBUG is enabled in production"),
		errorLogCheck("log_errors", "storage/logs/laravel.log", `\.(ERROR|CRITICAL|EMERGENCY)`, "clear_cache"),
		filesPresentCheck("vendor_installed", "dependencies", core.SeverityCritical, "composer_install",
			"vendor/autoload.php"),
		diskSpaceCheck(),
		httpResponseCheck(),
	}
	p.actions = []core.HealingAction{
		{
			Name:        "clear_cache",
			Description: "Clear application, config, route and view caches",
			Commands: []string{
				"cd {{path}} && php artisan cache:clear",
				"cd {{path}} && php artisan config:clear",
				"cd {{path}} && php artisan route:clear",
				"cd {{path}} && php artisan view:clear",
			},
			EstimatedDuration: 30 * time.Second,
			RiskLevel:         core.RiskLow,
		},
		{
			Name:              "optimize",
			Description:       "Rebuild framework caches",
			Commands:          []string{"cd {{path}} && php artisan optimize"},
			EstimatedDuration: 30 * time.Second,
			RiskLevel:         core.RiskLow,
		},
		{
			Name:        "fix_storage_permissions",
			Description: "Make storage and bootstrap cache writable",
			Commands: []string{
				"chmod -R ug+rwX {{path}}/storage {{path}}/bootstrap/cache",
			},
			EstimatedDuration: time.Minute,
			RiskLevel:         core.RiskMedium,
		},
		{
			Name:              "composer_install",
			Description:       "Install PHP dependencies from composer.lock",
			Commands:          []string{"cd {{path}} && composer install --no-dev --no-interaction --prefer-dist --optimize-autoloader"},
			RequiresBackup:    true,
			EstimatedDuration: 5 * time.Minute,
			RiskLevel:         core.RiskMedium,
		},
		{
			Name:              "run_migrations",
			Description:       "Run pending database migrations",
			Commands:          []string{"cd {{path}} && php artisan migrate --force"},
			RequiresBackup:    true,
			EstimatedDuration: 5 * time.Minute,
			RiskLevel:         core.RiskHigh,
		},
		{
			Name:              "generate_app_key",
			Description:       "Generate a new APP_KEY",
			Commands:          []string{"cd {{path}} && php artisan key:generate --force"},
			RequiresBackup:    true,
			EstimatedDuration: 15 * time.Second,
			RiskLevel:         core.RiskHigh,
		},
	}
	p.manifest = core.BackupManifest{
		Required: []string{"composer.json"},
		Optional: []string{".env", "composer.lock"},
		Archives: []core.BackupArchive{{Dir: "storage", Name: "storage.tar.gz"}},
	}
	return p
}

func (p *LaravelPlugin) Detect(ctx context.Context, serverID, path string) DetectResult {
	facts, err := probe(ctx, p.exec, serverID, path, existsScript(map[string]string{
		"ARTISAN":       "artisan",
		"COMPOSER_JSON": "composer.json",
		"ENV_FILE":      ".env",
	})+"if grep -q '\"laravel/framework\"' composer.json 2>/dev/null; then echo LARAVEL_DEP=1; else echo LARAVEL_DEP=0; fi\n"+
		"echo LARAVEL_VERSION=$(php artisan --version 2>/dev/null | grep -oE '[0-9]+\\.[0-9]+(\\.[0-9]+)?' | head -n 1)\n")
	if err != nil {
		p.logger.Debug("Laravel probe failed", zap.String("server_id", serverID), zap.String("path", path), zap.Error(err))
		return notDetected()
	}
	if facts["DIR_EXISTS"] != "1" || facts["ARTISAN"] != "1" || facts["LARAVEL_DEP"] != "1" {
		return notDetected()
	}
	return DetectResult{
		Detected:   true,
		Stack:      core.StackLaravel,
		Version:    facts["LARAVEL_VERSION"],
		Confidence: 0.95,
		Metadata:   map[string]interface{}{"has_env": facts["ENV_FILE"] == "1"},
	}
}

func laravelAppKeyCheck(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
	facts, err := runFacts(ctx, exec, t,
		"if grep -qE '^APP_KEY=base64:.+' .env 2>/dev/null || grep -qE '^APP_KEY=.{32,}' .env 2>/dev/null; then echo KEY=1; else echo KEY=0; fi")
	if err != nil {
		return checkOutcome{}, err
	}
	if facts["KEY"] != "1" {
		return failed("APP_KEY is missing or empty", "generate_app_key", nil), nil
	}
	return passed("APP_KEY is set", nil), nil
}

func laravelStorageCheck(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
	facts, err := runFacts(ctx, exec, t, "for d in storage storage/logs storage/framework bootstrap/cache; do\n"+
		"  if [ -w \"$d\" ]; then echo \"W_$(echo $d | tr '/' '_')=1\"; else echo \"W_$(echo $d | tr '/' '_')=0\"; fi\n"+
		"done")
	if err != nil {
		return checkOutcome{}, err
	}
	var notWritable []string
	for key, dir := range map[string]string{
		"W_storage":           "storage",
		"W_storage_logs":      "storage/logs",
		"W_storage_framework": "storage/framework",
		"W_bootstrap_cache":   "bootstrap/cache",
	} {
		if facts[key] != "1" {
			notWritable = append(notWritable, dir)
		}
	}
	if len(notWritable) > 0 {
		sort.Strings(notWritable)
		return failed("Directories not writable", "fix_storage_permissions",
			map[string]interface{}{"directories": notWritable}), nil
	}
	return passed("Storage directories are writable", nil), nil
}
