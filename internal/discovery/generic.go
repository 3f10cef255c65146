package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/remote"
	"go.uber.org/zap"
)

const (
	defaultMaxDepth = 4
	findTimeout     = 5 * time.Minute
)

var defaultScanPaths = []string{"/home", "/var/www"}

// prunedDirs are never descended into.
var prunedDirs = []string{"node_modules", "vendor", ".git", "cache"}

// GenericStrategy scans the filesystem for indicator files with one find.
type GenericStrategy struct {
	exec     core.Executor
	logger   *zap.Logger
	paths    []string
	maxDepth int
}

func NewGenericStrategy(exec core.Executor, logger *zap.Logger, paths []string, maxDepth int) *GenericStrategy {
	if len(paths) == 0 {
		paths = defaultScanPaths
	}
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	return &GenericStrategy{exec: exec, logger: logger.Named("generic"), paths: paths, maxDepth: maxDepth}
}

func (s *GenericStrategy) Name() string { return "filesystem" }

func (s *GenericStrategy) Available(ctx context.Context, serverID string) (bool, error) {
	return true, nil
}

// findCommand builds a single find over every root. Errors from unreadable
// directories are discarded.
func findCommand(paths []string, maxDepth int) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = remote.Quote(p)
	}
	prune := make([]string, len(prunedDirs))
	for i, d := range prunedDirs {
		prune[i] = "-name " + remote.Quote(d)
	}
	names := make([]string, len(indicatorNames))
	for i, n := range indicatorNames {
		names[i] = "-name " + remote.Quote(n)
	}
	return fmt.Sprintf(`find %s -maxdepth %d \( %s \) -prune -o \( %s \) -print 2>/dev/null || true`,
		strings.Join(quoted, " "), maxDepth+1,
		strings.Join(prune, " -o "),
		strings.Join(names, " -o "))
}

func (s *GenericStrategy) Candidates(ctx context.Context, serverID string, opts Options) ([]Candidate, error) {
	paths := opts.Paths
	if len(paths) == 0 {
		paths = s.paths
	}
	out, err := s.exec.Execute(ctx, serverID, findCommand(paths, s.maxDepth), findTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", strings.Join(paths, ", "), err)
	}
	found := remote.Lines(out)
	candidates := GroupIndicators(found)
	s.logger.Info("Filesystem scan finished",
		zap.String("server_id", serverID),
		zap.Int("files", len(found)),
		zap.Int("directories", len(candidates)),
	)
	return candidates, nil
}
