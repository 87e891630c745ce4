// Package restore rolls managed files back to their pre-install state.
package restore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jjarchi/dotfiles/internal/backup"
	"github.com/jjarchi/dotfiles/internal/state"
)

// Action is what Undo did to one file.
type Action string

const (
	// Restored means the latest backup was copied back.
	Restored Action = "restored"
	// Removed means a file created by install was deleted.
	Removed Action = "removed"
	// NoBackup means there was nothing to restore; the file is left as is.
	NoBackup Action = "no-backup"
	// Failed means the file could not be rolled back.
	Failed Action = "failed"
)

// Store is the subset of the backup store the engine needs.
type Store interface {
	RestoreLatest(path string) (backup.Restored, error)
}

// FileResult is the per-file outcome of Undo.
type FileResult struct {
	Path   string
	Action Action
	// Backup is the backup copied back when Action is Restored.
	Backup string
	Err    error
}

// Report collects the results of one Undo run.
type Report struct {
	Files []FileResult
}

// Err joins every per-file error, or returns nil when all files succeeded.
func (r Report) Err() error {
	var errs []error
	for _, f := range r.Files {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of files with the given action.
func (r Report) Count(a Action) int {
	n := 0
	for _, f := range r.Files {
		if f.Action == a {
			n++
		}
	}
	return n
}

func (r Report) String() string {
	parts := make([]string, 0, 4)
	for _, a := range []Action{Restored, Removed, NoBackup, Failed} {
		if n := r.Count(a); n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", a, n))
		}
	}
	return strings.Join(parts, " ")
}

// Engine restores files recorded in an install state.
type Engine struct {
	store  Store
	logger *slog.Logger
}

// NewEngine creates a restore engine backed by store.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// Undo processes every managed file in rec independently. Files the
// installer created are deleted, all others get their latest backup back.
// A failure on one file never stops the others.
func (e *Engine) Undo(rec *state.Record) Report {
	var report Report
	for _, mf := range rec.ManagedFiles {
		res := e.undoFile(mf)
		switch res.Action {
		case Failed:
			e.logger.Error("restore failed", "path", res.Path, "error", res.Err)
		case NoBackup:
			e.logger.Warn("no backup to restore, leaving file as is", "path", res.Path)
		default:
			e.logger.Info("file rolled back", "path", res.Path, "action", res.Action, "backup", res.Backup)
		}
		report.Files = append(report.Files, res)
	}
	return report
}

func (e *Engine) undoFile(mf state.ManagedFile) FileResult {
	if mf.Created {
		if err := os.Remove(mf.Path); err != nil && !os.IsNotExist(err) {
			return FileResult{Path: mf.Path, Action: Failed, Err: fmt.Errorf("remove %s: %w", mf.Path, err)}
		}
		return FileResult{Path: mf.Path, Action: Removed}
	}

	restored, err := e.store.RestoreLatest(mf.Path)
	if errors.Is(err, backup.ErrNotFound) {
		return FileResult{Path: mf.Path, Action: NoBackup}
	}
	if err != nil {
		return FileResult{Path: mf.Path, Action: Failed, Err: err}
	}
	return FileResult{Path: mf.Path, Action: Restored, Backup: restored.Path}
}
