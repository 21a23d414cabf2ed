package remediation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apperrors "codeheal/internal/errors"
	"codeheal/types"
)

// FileLocker serializes writes per file path
type FileLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileLocker creates an empty locker
func NewFileLocker() *FileLocker {
	return &FileLocker{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until path is free and returns the unlock func
func (l *FileLocker) Lock(path string) func() {
	l.mu.Lock()
	m, ok := l.locks[path]
	if !ok {
		m = &sync.Mutex{}
		l.locks[path] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Application records one applied fix so it can be reverted
type Application struct {
	FixID      string      `json:"fix_id"`
	FilePath   string      `json:"file"`
	BackupPath string      `json:"backup_path,omitempty"`
	AppliedAt  time.Time   `json:"applied_at"`
	Original   []byte      `json:"-"`
	Mode       os.FileMode `json:"-"`
	written    [32]byte
}

// FileApplier writes fix patches to disk
type FileApplier struct {
	// Root confines writes; empty allows any path
	Root string
	// BackupDir receives a copy of each original; empty keeps backups in memory only
	BackupDir string
	locker    *FileLocker
}

// NewFileApplier creates an applier sharing locker
func NewFileApplier(root, backupDir string, locker *FileLocker) *FileApplier {
	if locker == nil {
		locker = NewFileLocker()
	}
	return &FileApplier{Root: root, BackupDir: backupDir, locker: locker}
}

// Apply writes the fix's patch and returns what is needed to revert it
func (a *FileApplier) Apply(ctx context.Context, fix *types.Fix) (*Application, error) {
	if fix == nil {
		return nil, apperrors.NewValidationError("fix cannot be nil", nil)
	}
	path, err := a.resolve(fix.Patch.FilePath)
	if err != nil {
		return nil, err
	}

	unlock := a.locker.Lock(path)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	original, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	patch := fix.Patch
	if !patch.FullFile() && patch.Original != "" {
		if patch, err = anchor(original, patch); err != nil {
			return nil, err
		}
	}
	updated, err := patchContent(original, patch)
	if err != nil {
		return nil, err
	}

	app := &Application{
		FixID:     fix.ID,
		FilePath:  path,
		AppliedAt: time.Now().UTC(),
		Original:  original,
		Mode:      info.Mode().Perm(),
		written:   sha256.Sum256(updated),
	}
	if a.BackupDir != "" {
		if err := os.MkdirAll(a.BackupDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create backup dir: %w", err)
		}
		app.BackupPath = filepath.Join(a.BackupDir, fmt.Sprintf("%s.%s.backup", filepath.Base(path), fix.ID))
		if err := os.WriteFile(app.BackupPath, original, 0644); err != nil {
			return nil, fmt.Errorf("failed to backup %s: %w", path, err)
		}
		log.Printf("📋 Created backup: %s -> %s", path, app.BackupPath)
	}

	if err := writeAtomic(path, updated, app.Mode); err != nil {
		return nil, fmt.Errorf("failed to write file %s: %w", path, err)
	}
	if patch.StartLine > 0 {
		log.Printf("✅ Applied fix %s to %s (lines %d-%d)", shortID(fix.ID), path, patch.StartLine, patch.EndLine)
	} else {
		log.Printf("✅ Applied fix %s to %s (full file)", shortID(fix.ID), path)
	}
	return app, nil
}

// Revert restores the original bytes. If the file changed since the fix was
// written, Revert refuses with a conflict instead of clobbering the edit.
func (a *FileApplier) Revert(ctx context.Context, app *Application) error {
	if app == nil {
		return apperrors.NewValidationError("nothing to revert", nil)
	}
	unlock := a.locker.Lock(app.FilePath)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	current, err := os.ReadFile(app.FilePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read file %s: %w", app.FilePath, err)
	}
	if err == nil && sha256.Sum256(current) != app.written {
		return apperrors.NewConflictError(fmt.Sprintf("%s was modified after fix %s was applied", app.FilePath, shortID(app.FixID)), nil)
	}

	original := app.Original
	if original == nil && app.BackupPath != "" {
		if original, err = os.ReadFile(app.BackupPath); err != nil {
			return fmt.Errorf("failed to read backup %s: %w", app.BackupPath, err)
		}
	}
	if err := writeAtomic(app.FilePath, original, app.Mode); err != nil {
		log.Printf("❌ Failed to rollback %s: %v", app.FilePath, err)
		return fmt.Errorf("failed to restore %s: %w", app.FilePath, err)
	}
	log.Printf("✅ Rolled back %s from backup", app.FilePath)
	return nil
}

func (a *FileApplier) resolve(p string) (string, error) {
	if p == "" {
		return "", apperrors.NewValidationError("patch has no file path", nil)
	}
	if a.Root == "" {
		return filepath.Abs(p)
	}
	root, err := filepath.Abs(a.Root)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", apperrors.ErrInvalidTarget, p, root)
	}
	return p, nil
}

// anchor checks that a range patch still lines up with the text it was made
// for. When earlier edits moved that text, the patch moves with it; when the
// text is gone or appears more than once the patch is stale.
func anchor(content []byte, patch types.Patch) (types.Patch, error) {
	if current, ok := types.SourceLines(string(content), patch.StartLine, patch.EndLine); ok && types.SameLines(current, patch.Original) {
		return patch, nil
	}

	lines := strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
	span := patch.Span()
	found, at := 0, 0
	for i := 0; i+span <= len(lines); i++ {
		if types.SameLines(strings.Join(lines[i:i+span], "\n"), patch.Original) {
			found++
			at = i + 1
		}
	}
	if found != 1 {
		return patch, apperrors.NewConflictError(fmt.Sprintf("%s lines %d-%d no longer hold the text the fix was made for",
			patch.FilePath, patch.StartLine, max(patch.EndLine, patch.StartLine)), nil)
	}

	log.Printf("↪️  Patch for %s moved from line %d to %d", patch.FilePath, patch.StartLine, at)
	patch.StartLine = at
	patch.EndLine = at + span - 1
	return patch, nil
}

// patchContent replaces lines StartLine..EndLine (1-based, inclusive) or the
// whole content when StartLine is 0.
func patchContent(content []byte, patch types.Patch) ([]byte, error) {
	if patch.StartLine == 0 {
		return []byte(patch.Replacement), nil
	}

	trailingNewline := bytes.HasSuffix(content, []byte("\n"))
	text := strings.TrimSuffix(string(content), "\n")
	lines := strings.Split(text, "\n")

	end := patch.EndLine
	if end == 0 {
		end = patch.StartLine
	}
	if patch.StartLine < 1 || patch.StartLine > len(lines) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid line start %d for file with %d lines", patch.StartLine, len(lines)), nil)
	}
	if end < patch.StartLine || end > len(lines) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid line end %d for file with %d lines", end, len(lines)), nil)
	}

	newLines := make([]string, 0, len(lines))
	newLines = append(newLines, lines[:patch.StartLine-1]...)
	if patch.Replacement != "" {
		newLines = append(newLines, strings.Split(strings.TrimSuffix(patch.Replacement, "\n"), "\n")...)
	}
	newLines = append(newLines, lines[end:]...)

	out := strings.Join(newLines, "\n")
	if trailingNewline {
		out += "\n"
	}
	return []byte(out), nil
}

// writeAtomic replaces path via a temp file in the same directory
func writeAtomic(path string, data []byte, mode os.FileMode) error {
	if mode == 0 {
		mode = 0644
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
