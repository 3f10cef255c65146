// Package backup captures the stack-specific files of an application on its
// server before a risky healing action and restores them on failure.
package backup

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/metrics"
	"github.com/leozw/site-healer/internal/remote"
	"go.uber.org/zap"
)

const (
	DefaultRoot = "/var/backups/site-healer"
	DefaultKeep = 5

	idTimeLayout  = "20060102-150405.000"
	backupTimeout = 10 * time.Minute
	listTimeout   = 30 * time.Second
)

var (
	idPattern    = regexp.MustCompile(`^(\d{8}-\d{6}\.\d{3})-([A-Za-z0-9_]+)$`)
	labelPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// ManifestSource yields the backup manifest of a stack. *plugins.Registry
// satisfies it through ManifestFor.
type ManifestSource interface {
	ManifestFor(kind core.StackKind) (core.BackupManifest, error)
}

type RollbackResult struct {
	Success       bool     `json:"success"`
	BackupID      string   `json:"backup_id"`
	RestoredFiles []string `json:"restored_files"`
	Message       string   `json:"message"`
}

type Manager struct {
	exec      core.Executor
	manifests ManifestSource
	metrics   *metrics.Collector
	logger    *zap.Logger
	root      string
	keep      int
	now       func() time.Time
}

func NewManager(exec core.Executor, manifests ManifestSource, m *metrics.Collector, logger *zap.Logger, root string, keep int) *Manager {
	if root == "" {
		root = DefaultRoot
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &Manager{
		exec:      exec,
		manifests: manifests,
		metrics:   m,
		logger:    logger.Named("backup"),
		root:      strings.TrimRight(root, "/"),
		keep:      keep,
		now:       time.Now,
	}
}

// WithClock replaces the time source used for backup identifiers.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) appDir(applicationID string) string {
	return path.Join(m.root, applicationID)
}

// ValidateID rejects anything that is not a backup identifier, including
// path traversal attempts.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid backup id %q: %w", id, core.ErrNotFound)
	}
	return nil
}

func parseID(applicationID, id string) (core.Backup, bool) {
	parts := idPattern.FindStringSubmatch(id)
	if parts == nil {
		return core.Backup{}, false
	}
	created, err := time.Parse(idTimeLayout, parts[1])
	if err != nil {
		return core.Backup{}, false
	}
	return core.Backup{ID: id, ApplicationID: applicationID, ActionName: parts[2], CreatedAt: created}, true
}

// captureScript copies the manifest from root into dir. Required entries
// abort the script when missing; everything else is skipped quietly.
func captureScript(dir, root string, manifest core.BackupManifest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "set -e\nD=%s\nR=%s\nmkdir -p \"$D\"\n", remote.Quote(dir), remote.Quote(root))
	for _, f := range manifest.Required {
		fmt.Fprintf(&b, "cp -a \"$R\"/%s \"$D\"/\n", remote.Quote(f))
	}
	for _, f := range manifest.Optional {
		q := remote.Quote(f)
		fmt.Fprintf(&b, "if [ -e \"$R\"/%s ]; then cp -a \"$R\"/%s \"$D\"/; fi\n", q, q)
	}
	for _, p := range manifest.Patterns {
		// Patterns are globbed by the remote shell and must stay unquoted.
		fmt.Fprintf(&b, "for f in \"$R\"/%s; do if [ -e \"$f\" ]; then cp -a \"$f\" \"$D\"/; fi; done\n", p)
	}
	for _, a := range manifest.Archives {
		fmt.Fprintf(&b, "if [ -d \"$R\"/%s ]; then tar -czf \"$D\"/%s -C \"$R\" %s; fi\n",
			remote.Quote(a.Dir), remote.Quote(a.Name), remote.Quote(a.Dir))
	}
	b.WriteString("cd \"$D\" && ls -1A")
	return b.String()
}

// CreateBackup captures the target's files under root/<appID>/<id>. On any
// failure the partial directory is removed and core.ErrBackupFailed is
// returned. Older backups beyond the retention count are pruned afterwards.
func (m *Manager) CreateBackup(ctx context.Context, target core.Target, actionName string) (*core.Backup, error) {
	logger := m.logger.With(
		zap.String("application_id", target.ApplicationID),
		zap.String("action", actionName),
	)

	// The label is the tail of the identifier; anything idPattern rejects
	// could never be listed or restored.
	if !labelPattern.MatchString(actionName) {
		return nil, fmt.Errorf("%q: %w", actionName, core.ErrInvalidLabel)
	}

	manifest, err := m.manifests.ManifestFor(target.Stack)
	if err != nil {
		m.metrics.RecordBackup(target.Stack, false)
		return nil, fmt.Errorf("%w: %v", core.ErrBackupFailed, err)
	}

	id := m.now().UTC().Format(idTimeLayout) + "-" + actionName
	dir := path.Join(m.appDir(target.ApplicationID), id)

	out, err := m.exec.Execute(ctx, target.ServerID, captureScript(dir, target.Path, manifest), backupTimeout)
	if err != nil {
		logger.Error("Backup failed, removing partial copy", zap.String("backup_id", id), zap.Error(err))
		if _, cerr := m.exec.Execute(ctx, target.ServerID, "rm -rf "+remote.Quote(dir), listTimeout); cerr != nil {
			logger.Warn("Failed to remove partial backup", zap.String("dir", dir), zap.Error(cerr))
		}
		m.metrics.RecordBackup(target.Stack, false)
		return nil, fmt.Errorf("%w: %v", core.ErrBackupFailed, err)
	}

	backup := &core.Backup{
		ID:            id,
		ApplicationID: target.ApplicationID,
		ActionName:    actionName,
		CreatedAt:     m.now(),
		Files:         remote.Lines(out),
	}
	m.metrics.RecordBackup(target.Stack, true)
	logger.Info("Backup created", zap.String("backup_id", id), zap.Strings("files", backup.Files))

	if err := m.prune(ctx, target); err != nil {
		logger.Warn("Failed to prune old backups", zap.Error(err))
	}
	return backup, nil
}

// ListBackups returns the application's backups, newest first.
func (m *Manager) ListBackups(ctx context.Context, target core.Target) ([]core.Backup, error) {
	cmd := fmt.Sprintf("ls -1 %s 2>/dev/null || true", remote.Quote(m.appDir(target.ApplicationID)))
	out, err := m.exec.Execute(ctx, target.ServerID, cmd, listTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	var backups []core.Backup
	for _, name := range remote.Lines(out) {
		if b, ok := parseID(target.ApplicationID, name); ok {
			backups = append(backups, b)
		}
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].ID > backups[j].ID })
	return backups, nil
}

func (m *Manager) prune(ctx context.Context, target core.Target) error {
	backups, err := m.ListBackups(ctx, target)
	if err != nil {
		return err
	}
	if len(backups) <= m.keep {
		return nil
	}
	stale := backups[m.keep:]
	dirs := make([]string, len(stale))
	for i, b := range stale {
		dirs[i] = remote.Quote(path.Join(m.appDir(target.ApplicationID), b.ID))
	}
	if _, err := m.exec.Execute(ctx, target.ServerID, "rm -rf "+strings.Join(dirs, " "), listTimeout); err != nil {
		return fmt.Errorf("failed to delete %d stale backup(s): %w", len(stale), err)
	}
	m.logger.Info("Pruned old backups",
		zap.String("application_id", target.ApplicationID),
		zap.Int("deleted", len(stale)),
	)
	return nil
}

// DeleteBackup removes one backup directory.
func (m *Manager) DeleteBackup(ctx context.Context, target core.Target, backupID string) error {
	if err := ValidateID(backupID); err != nil {
		return err
	}
	dir := path.Join(m.appDir(target.ApplicationID), backupID)
	cmd := fmt.Sprintf("[ -d %s ] && rm -rf %s", remote.Quote(dir), remote.Quote(dir))
	if _, err := m.exec.Execute(ctx, target.ServerID, cmd, listTimeout); err != nil {
		return fmt.Errorf("failed to delete backup %s: %w", backupID, err)
	}
	return nil
}

func restoreScript(dir, root string, files []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "set -e\nD=%s\nR=%s\n", remote.Quote(dir), remote.Quote(root))
	for _, f := range files {
		if strings.HasSuffix(f, ".tar.gz") {
			fmt.Fprintf(&b, "tar -xzf \"$D\"/%s -C \"$R\"\n", remote.Quote(f))
			continue
		}
		fmt.Fprintf(&b, "cp -a \"$D\"/%s \"$R\"/\n", remote.Quote(f))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Rollback restores a backup over the target's root. Archives are extracted
// in place and plain files copied back. Any failure reports Success=false
// with no restored files, even though files restored before the failure stay
// on disk.
func (m *Manager) Rollback(ctx context.Context, target core.Target, backupID string) (*RollbackResult, error) {
	if err := ValidateID(backupID); err != nil {
		return nil, err
	}
	logger := m.logger.With(
		zap.String("application_id", target.ApplicationID),
		zap.String("backup_id", backupID),
	)
	dir := path.Join(m.appDir(target.ApplicationID), backupID)
	result := &RollbackResult{BackupID: backupID, RestoredFiles: []string{}}

	out, err := m.exec.Execute(ctx, target.ServerID, "ls -1A "+remote.Quote(dir), listTimeout)
	if err != nil {
		result.Message = fmt.Sprintf("failed to read backup %s: %v", backupID, err)
		logger.Error("Rollback failed", zap.Error(err))
		m.metrics.RecordRollback(false)
		return result, nil
	}
	files := remote.Lines(out)
	if len(files) == 0 {
		result.Message = fmt.Sprintf("backup %s is empty", backupID)
		m.metrics.RecordRollback(false)
		return result, nil
	}

	if _, err := m.exec.Execute(ctx, target.ServerID, restoreScript(dir, target.Path, files), backupTimeout); err != nil {
		result.Message = fmt.Sprintf("failed to restore backup %s: %v", backupID, err)
		logger.Error("Rollback failed", zap.Error(err))
		m.metrics.RecordRollback(false)
		return result, nil
	}

	result.Success = true
	result.RestoredFiles = files
	result.Message = fmt.Sprintf("restored %d file(s) from backup %s", len(files), backupID)
	m.metrics.RecordRollback(true)
	logger.Info("Rollback completed", zap.Int("files", len(files)))
	return result, nil
}
