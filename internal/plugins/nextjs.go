package plugins

import (
	"context"
	"time"

	"github.com/leozw/site-healer/internal/core"
	"go.uber.org/zap"
)

type NextJSPlugin struct {
	catalog
}

func NewNextJSPlugin(exec core.Executor, logger *zap.Logger) *NextJSPlugin {
	p := &NextJSPlugin{catalog: catalog{
		kind:   core.StackNextJS,
		exec:   exec,
		logger: logger.Named("nextjs"),
	}}
	p.checks = []check{
		packageJSONCheck(),
		{name: "build_output", category: "integrity", severity: core.SeverityCritical, run: nextBuildCheck},
		nodeVersionCheck(),
		nodeModulesCheck(),
		processCheck(),
		diskSpaceCheck(),
		httpResponseCheck(),
	}
	p.actions = []core.HealingAction{
		{
			Name:              "clear_next_cache",
			Description:       "Remove the Next.js build cache",
			Commands:          []string{"rm -rf {{path}}/.next/cache"},
			EstimatedDuration: 10 * time.Second,
			RiskLevel:         core.RiskLow,
		},
		clearNPMCacheAction(),
		npmInstallAction(),
		{
			Name:              "rebuild",
			Description:       "Run a production build",
			Commands:          []string{"cd {{path}} && npm run build"},
			RequiresBackup:    true,
			EstimatedDuration: 10 * time.Minute,
			RiskLevel:         core.RiskMedium,
		},
		restartProcessAction(),
		reinstallDependenciesAction(),
	}
	p.manifest = core.BackupManifest{
		Required: nodeManifest.Required,
		Optional: append([]string{"next.config.js", "next.config.mjs"}, nodeManifest.Optional...),
		Patterns: nodeManifest.Patterns,
	}
	return p
}

func (p *NextJSPlugin) Detect(ctx context.Context, serverID, path string) DetectResult {
	facts, err := probe(ctx, p.exec, serverID, path, nodeProbe)
	if err != nil {
		p.logger.Debug("Next.js probe failed", zap.String("server_id", serverID), zap.String("path", path), zap.Error(err))
		return notDetected()
	}
	if facts["DIR_EXISTS"] != "1" || facts["PACKAGE_JSON"] != "1" {
		return notDetected()
	}
	if facts["NEXT_CONFIG"] != "1" && facts["NEXT_DEP"] != "1" {
		return notDetected()
	}
	return DetectResult{
		Detected:   true,
		Stack:      core.StackNextJS,
		Version:    facts["NEXT_VERSION"],
		Confidence: 0.95,
		Metadata:   nodeMetadata(facts),
	}
}

func nextBuildCheck(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
	facts, err := runFacts(ctx, exec, t,
		"if [ -f .next/BUILD_ID ]; then echo BUILD=1; echo BUILD_ID=$(cat .next/BUILD_ID); else echo BUILD=0; fi")
	if err != nil {
		return checkOutcome{}, err
	}
	if facts["BUILD"] != "1" {
		return failed("No production build found", "rebuild", nil), nil
	}
	return passed("Production build present", map[string]interface{}{"build_id": facts["BUILD_ID"]}), nil
}
