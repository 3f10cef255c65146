package plugins

import (
	"context"
	"strings"

	"github.com/leozw/site-healer/internal/core"
	"go.uber.org/zap"
)

type ExpressPlugin struct {
	catalog
}

func NewExpressPlugin(exec core.Executor, logger *zap.Logger) *ExpressPlugin {
	p := &ExpressPlugin{catalog: catalog{
		kind:     core.StackExpress,
		exec:     exec,
		logger:   logger.Named("express"),
		manifest: nodeManifest,
	}}
	p.checks = []check{
		packageJSONCheck(),
		{name: "entry_point", category: "integrity", severity: core.SeverityCritical, run: expressEntryCheck},
		nodeVersionCheck(),
		nodeModulesCheck(),
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

func (p *ExpressPlugin) Detect(ctx context.Context, serverID, path string) DetectResult {
	facts, err := probe(ctx, p.exec, serverID, path, nodeProbe)
	if err != nil {
		p.logger.Debug("Express probe failed", zap.String("server_id", serverID), zap.String("path", path), zap.Error(err))
		return notDetected()
	}
	if facts["DIR_EXISTS"] != "1" || facts["PACKAGE_JSON"] != "1" || facts["EXPRESS_DEP"] != "1" || facts["NEXT_DEP"] == "1" {
		return notDetected()
	}
	return DetectResult{
		Detected:   true,
		Stack:      core.StackExpress,
		Version:    facts["EXPRESS_VERSION"],
		Confidence: 0.85,
		Metadata:   nodeMetadata(facts),
	}
}

// expressEntryCheck resolves "main" from package.json, defaulting to
// index.js, and verifies the file exists.
func expressEntryCheck(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
	facts, err := runFacts(ctx, exec, t,
		`MAIN=$(grep -oE '"main": *"[^"]+"' package.json 2>/dev/null | cut -d'"' -f4)
[ -z "$MAIN" ] && MAIN=index.js
echo MAIN=$MAIN
if [ -f "$MAIN" ]; then echo ENTRY=1; else echo ENTRY=0; fi`)
	if err != nil {
		return checkOutcome{}, err
	}
	entry := strings.TrimSpace(facts["MAIN"])
	details := map[string]interface{}{"main": entry}
	if facts["ENTRY"] != "1" {
		return failed("Entry point "+entry+" not found", "", details), nil
	}
	return passed("Entry point "+entry+" present", details), nil
}
