package plugins

import (
	"context"
	"strconv"
	"time"

	"github.com/leozw/site-healer/internal/core"
	"go.uber.org/zap"
)

const minNodeMajor = 18

// nodeProbe collects the manifest facts Node.js, Express and Next.js
// detection share.
const nodeProbe = `if [ -f package.json ]; then echo PACKAGE_JSON=1; else echo PACKAGE_JSON=0; fi
if ls next.config.* >/dev/null 2>&1; then echo NEXT_CONFIG=1; else echo NEXT_CONFIG=0; fi
if grep -q '"next"' package.json 2>/dev/null; then echo NEXT_DEP=1; else echo NEXT_DEP=0; fi
if grep -q '"express"' package.json 2>/dev/null; then echo EXPRESS_DEP=1; else echo EXPRESS_DEP=0; fi
echo NEXT_VERSION=$(grep -oE '"next": *"[^"]+"' package.json 2>/dev/null | grep -oE '[0-9][0-9.]*' | head -n 1)
echo EXPRESS_VERSION=$(grep -oE '"express": *"[^"]+"' package.json 2>/dev/null | grep -oE '[0-9][0-9.]*' | head -n 1)
echo NODE_VERSION=$(node --version 2>/dev/null | tr -d v)
`

var nodeManifest = core.BackupManifest{
	Required: []string{"package.json"},
	Optional: []string{"package-lock.json", "yarn.lock", "pnpm-lock.yaml"},
	Patterns: []string{".env*"},
}

type NodeJSPlugin struct {
	catalog
}

func NewNodeJSPlugin(exec core.Executor, logger *zap.Logger) *NodeJSPlugin {
	p := &NodeJSPlugin{catalog: catalog{
		kind:     core.StackNodeJS,
		exec:     exec,
		logger:   logger.Named("nodejs"),
		manifest: nodeManifest,
	}}
	p.checks = []check{
		packageJSONCheck(),
		nodeVersionCheck(),
		nodeModulesCheck(),
		lockfileCheck(),
		processCheck(),
		diskSpaceCheck(),
		httpResponseCheck(),
	}
	p.actions = []core.HealingAction{
		clearNPMCacheAction(),
		npmInstallAction(),
		restartProcessAction(),
		reinstallDependenciesAction(),
	}
	return p
}

func (p *NodeJSPlugin) Detect(ctx context.Context, serverID, path string) DetectResult {
	facts, err := probe(ctx, p.exec, serverID, path, nodeProbe)
	if err != nil {
		p.logger.Debug("Node.js probe failed", zap.String("server_id", serverID), zap.String("path", path), zap.Error(err))
		return notDetected()
	}
	if facts["DIR_EXISTS"] != "1" || facts["PACKAGE_JSON"] != "1" {
		return notDetected()
	}
	confidence := 0.90
	if facts["NEXT_DEP"] == "1" || facts["EXPRESS_DEP"] == "1" {
		confidence = 0.50
	}
	return DetectResult{
		Detected:   true,
		Stack:      core.StackNodeJS,
		Version:    facts["NODE_VERSION"],
		Confidence: confidence,
		Metadata:   nodeMetadata(facts),
	}
}

func nodeMetadata(facts map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"node_version": facts["NODE_VERSION"],
		"has_next":     facts["NEXT_DEP"] == "1",
		"has_express":  facts["EXPRESS_DEP"] == "1",
	}
}

func packageJSONCheck() check {
	return check{
		name:     "package_json",
		category: "configuration",
		severity: core.SeverityCritical,
		run: func(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
			facts, err := runFacts(ctx, exec, t,
				"if [ ! -f package.json ]; then echo MANIFEST=missing; exit 0; fi\n"+
					"if ! command -v node >/dev/null 2>&1; then echo MANIFEST=unchecked; exit 0; fi\n"+
					`if node -e "JSON.parse(require('fs').readFileSync('package.json','utf8'))" 2>/dev/null; then echo MANIFEST=valid; else echo MANIFEST=invalid; fi`)
			if err != nil {
				return checkOutcome{}, err
			}
			switch facts["MANIFEST"] {
			case "missing":
				return failed("package.json not found", "", nil), nil
			case "invalid":
				return failed("package.json is not valid JSON", "", nil), nil
			case "unchecked":
				return warned("Node.js not installed; package.json not validated", "", nil), nil
			}
			return passed("package.json is valid", nil), nil
		},
	}
}

func nodeVersionCheck() check {
	return check{
		name:     "node_version",
		category: "runtime",
		severity: core.SeverityMedium,
		run: func(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
			facts, err := runFacts(ctx, exec, t, "echo NODE_VERSION=$(node --version 2>/dev/null | tr -d v)")
			if err != nil {
				return checkOutcome{}, err
			}
			version := facts["NODE_VERSION"]
			if version == "" {
				return failed("Node.js runtime not found", "", nil), nil
			}
			details := map[string]interface{}{"version": version}
			if major := majorVersion(version); major > 0 && major < minNodeMajor {
				return warned("Node.js "+version+" is end of life", "", details), nil
			}
			return passed("Node.js "+version, details), nil
		},
	}
}

func nodeModulesCheck() check {
	return check{
		name:     "node_modules",
		category: "dependencies",
		severity: core.SeverityCritical,
		run: func(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
			facts, err := runFacts(ctx, exec, t,
				"if [ -d node_modules ]; then echo MODULES=1; echo COUNT=$(ls node_modules | wc -l); else echo MODULES=0; fi")
			if err != nil {
				return checkOutcome{}, err
			}
			if facts["MODULES"] != "1" {
				return failed("node_modules is missing", "npm_install", nil), nil
			}
			count, _ := strconv.Atoi(facts["COUNT"])
			if count == 0 {
				return failed("node_modules is empty", "npm_install", nil), nil
			}
			return passed("Dependencies installed", map[string]interface{}{"packages": count}), nil
		},
	}
}

func lockfileCheck() check {
	return check{
		name:     "lockfile",
		category: "dependencies",
		severity: core.SeverityLow,
		run: func(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
			facts, err := runFacts(ctx, exec, t, existsScript(map[string]string{
				"NPM":  "package-lock.json",
				"YARN": "yarn.lock",
				"PNPM": "pnpm-lock.yaml",
			}))
			if err != nil {
				return checkOutcome{}, err
			}
			if facts["NPM"] != "1" && facts["YARN"] != "1" && facts["PNPM"] != "1" {
				return warned("No lockfile; installs are not reproducible", "", nil), nil
			}
			return passed("Lockfile present", nil), nil
		},
	}
}

// processCheck looks for a pm2 process whose working directory is the
// application root.
func processCheck() check {
	return check{
		name:     "process_running",
		category: "availability",
		severity: core.SeverityHigh,
		run: func(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
			facts, err := runFacts(ctx, exec, t,
				"if ! command -v pm2 >/dev/null 2>&1; then echo PM2=0; exit 0; fi\n"+
					`echo PM2=1; echo PROCS=$(pm2 jlist 2>/dev/null | grep -o '"pm_cwd":"[^"]*"' | grep -cF {{path}})`)
			if err != nil {
				return checkOutcome{}, err
			}
			if facts["PM2"] != "1" {
				return warned("pm2 not installed; process state unknown", "", nil), nil
			}
			procs, _ := strconv.Atoi(facts["PROCS"])
			if procs == 0 {
				return failed("No running process for this application", "restart_process", nil), nil
			}
			return passed("Application process is running", map[string]interface{}{"processes": procs}), nil
		},
	}
}

func clearNPMCacheAction() core.HealingAction {
	return core.HealingAction{
		Name:              "clear_npm_cache",
		Description:       "Clear the npm cache",
		Commands:          []string{"cd {{path}} && npm cache clean --force"},
		EstimatedDuration: 30 * time.Second,
		RiskLevel:         core.RiskLow,
	}
}

func npmInstallAction() core.HealingAction {
	return core.HealingAction{
		Name:              "npm_install",
		Description:       "Install dependencies from the lockfile",
		Commands:          []string{"cd {{path}} && (npm ci --omit=dev || npm install --omit=dev)"},
		RequiresBackup:    true,
		EstimatedDuration: 5 * time.Minute,
		RiskLevel:         core.RiskMedium,
	}
}

func restartProcessAction() core.HealingAction {
	return core.HealingAction{
		Name:        "restart_process",
		Description: "Restart the application process under pm2",
		Commands: []string{
			"cd {{path}} && if [ -f ecosystem.config.js ]; then pm2 startOrRestart ecosystem.config.js; else pm2 restart {{domain}}; fi",
		},
		EstimatedDuration: 30 * time.Second,
		RiskLevel:         core.RiskMedium,
	}
}

func reinstallDependenciesAction() core.HealingAction {
	return core.HealingAction{
		Name:              "reinstall_dependencies",
		Description:       "Remove node_modules and install from scratch",
		Commands:          []string{"cd {{path}} && rm -rf node_modules", "cd {{path}} && npm ci --omit=dev"},
		RequiresBackup:    true,
		EstimatedDuration: 10 * time.Minute,
		RiskLevel:         core.RiskHigh,
	}
}
