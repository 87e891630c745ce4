// Package setup installs and undoes the remote desktop configuration.
package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jjarchi/dotfiles/internal/account"
	"github.com/jjarchi/dotfiles/internal/backup"
	"github.com/jjarchi/dotfiles/internal/config"
	"github.com/jjarchi/dotfiles/internal/fsutil"
	"github.com/jjarchi/dotfiles/internal/lock"
	"github.com/jjarchi/dotfiles/internal/patch"
	"github.com/jjarchi/dotfiles/internal/pkgmgr"
	"github.com/jjarchi/dotfiles/internal/replace"
	"github.com/jjarchi/dotfiles/internal/restore"
	"github.com/jjarchi/dotfiles/internal/state"
	"github.com/jjarchi/dotfiles/internal/systemd"
)

// Engine orchestrates install and undo
type Engine struct {
	cfg        *config.Config
	pkgs       pkgmgr.Manager
	systemd    systemd.Systemd
	accounts   account.Directory
	logger     *slog.Logger
	store      *backup.Store
	privileged func() bool
	now        func() time.Time
}

// InstallOptions controls one install run
type InstallOptions struct {
	User   string
	DryRun bool
}

// UndoOptions controls one undo run
type UndoOptions struct {
	PurgePackages bool
}

// NewEngine creates a new engine
func NewEngine(cfg *config.Config, pkgs pkgmgr.Manager, systemd systemd.Systemd, accounts account.Directory, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		pkgs:       pkgs,
		systemd:    systemd,
		accounts:   accounts,
		logger:     logger,
		store:      backup.NewStore(cfg.BackupDir()),
		privileged: account.IsPrivileged,
		now:        time.Now,
	}
}

// WithPrivilegeCheck replaces the root check
func (e *Engine) WithPrivilegeCheck(f func() bool) *Engine {
	e.privileged = f
	return e
}

// WithClock replaces the clock used for backups and the state record
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.store.WithClock(now)
	return e
}

// Store exposes the backup store the engine writes to
func (e *Engine) Store() *backup.Store {
	return e.store
}

// Install applies the remote-desktop and two-factor configuration for one
// user. The state record is written last; its absence after a failure means
// undo cannot be trusted yet, although backups exist for every file touched.
func (e *Engine) Install(ctx context.Context, opts InstallOptions) (*state.Record, error) {
	if opts.User == "" {
		return nil, fmt.Errorf("%w: --user is required", ErrArgument)
	}
	if !e.privileged() {
		return nil, ErrPrivilege
	}

	acct, err := e.accounts.Lookup(opts.User)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	if info, err := os.Stat(acct.Home); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: home directory %s of user %s is missing", ErrPrecondition, acct.Home, acct.Name)
	}
	sessionPath := e.cfg.SessionFileFor(acct.Home)

	available, err := e.systemd.IsAvailable(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	if !available {
		return nil, fmt.Errorf("%w: service manager unreachable", ErrPrecondition)
	}

	e.logger.Info("starting install",
		"user", acct.Name,
		"home", acct.Home,
		"dry_run", opts.DryRun)

	if opts.DryRun {
		e.logPlan(acct, sessionPath)
		e.logger.Info("dry-run complete, no changes applied")
		return nil, nil
	}

	release, err := e.prepareStateDir()
	if err != nil {
		return nil, err
	}
	defer release()

	e.logger.Info("installing packages", "packages", e.cfg.Packages)
	if err := e.pkgs.Install(ctx, e.cfg.Packages); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCollaborator, err)
	}

	if _, err := os.Stat(e.cfg.Paths.PAMFile); err != nil {
		return nil, fmt.Errorf("%w: PAM file %s: %w", ErrPrecondition, e.cfg.Paths.PAMFile, err)
	}
	if _, err := os.Stat(filepath.Dir(e.cfg.Paths.StartWMFile)); err != nil {
		return nil, fmt.Errorf("%w: xrdp config directory: %w", ErrPrecondition, err)
	}

	e.logger.Info("enabling services", "units", e.cfg.Services.Enable)
	if err := e.systemd.Enable(ctx, e.cfg.Services.Enable); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCollaborator, err)
	}

	prev, err := state.Load(e.cfg.StateFilePath())
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		e.logger.Warn("failed to load previous state (will treat as fresh install)", "error", err)
	}

	rec := &state.Record{
		User:        acct.Name,
		Home:        acct.Home,
		InstalledAt: e.now().UTC(),
		Packages:    append([]string(nil), e.cfg.Packages...),
	}

	pamFile, placement, err := e.patchPAM()
	if err != nil {
		return nil, err
	}
	rec.PAMPlacement = string(placement)
	rec.ManagedFiles = append(rec.ManagedFiles, pamFile)

	startWM, err := e.replaceStartWM()
	if err != nil {
		return nil, err
	}
	rec.ManagedFiles = append(rec.ManagedFiles, startWM)

	session, err := e.writeSession(acct, sessionPath, prev)
	if err != nil {
		return nil, err
	}
	rec.ManagedFiles = append(rec.ManagedFiles, session)

	if err := state.Save(e.cfg.StateFilePath(), rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	e.logger.Info("state recorded", "path", e.cfg.StateFilePath())

	e.restartServices(ctx)

	e.logger.Info("install completed successfully", "user", acct.Name)
	return rec, nil
}

// Undo rolls back what the recorded install changed. Every file is attempted
// even when an earlier one fails; the record is only removed once all files
// rolled back cleanly, so a failed undo can be retried.
func (e *Engine) Undo(ctx context.Context, opts UndoOptions) (restore.Report, error) {
	if !e.privileged() {
		return restore.Report{}, ErrPrivilege
	}

	rec, err := state.Load(e.cfg.StateFilePath())
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return restore.Report{}, fmt.Errorf("%w: run install first (looked in %s)", ErrStateMissing, e.cfg.StateFilePath())
		}
		return restore.Report{}, fmt.Errorf("%w: %w", ErrIO, err)
	}

	l, err := lock.Acquire(e.cfg.LockFilePath())
	if err != nil {
		return restore.Report{}, err
	}
	defer func() {
		_ = l.Release()
	}()

	e.logger.Info("starting undo",
		"user", rec.User,
		"installed_at", rec.InstalledAt,
		"files", len(rec.ManagedFiles))

	report := restore.NewEngine(e.store, e.logger).Undo(rec)

	e.restartServices(ctx)

	if opts.PurgePackages {
		e.logger.Info("purging packages", "packages", rec.Packages)
		if err := e.pkgs.Purge(ctx, rec.Packages); err != nil {
			e.logger.Warn("package purge had issues", "error", err)
		}
	}

	if err := report.Err(); err != nil {
		e.logger.Error("undo incomplete, state kept for retry", "summary", report.String())
		return report, fmt.Errorf("%w: %w", ErrIO, err)
	}

	if err := state.Remove(e.cfg.StateFilePath()); err != nil {
		return report, fmt.Errorf("%w: %w", ErrIO, err)
	}

	e.logger.Info("undo completed successfully", "summary", report.String())
	return report, nil
}

// prepareStateDir creates the private state tree and takes the run lock.
func (e *Engine) prepareStateDir() (func(), error) {
	for _, dir := range []string{e.cfg.Paths.StateDir, e.cfg.BackupDir()} {
		if err := os.MkdirAll(dir, stateDirMode); err != nil {
			return nil, fmt.Errorf("%w: failed to create state directory: %w", ErrIO, err)
		}
		// MkdirAll leaves existing directories alone; tighten them.
		if err := os.Chmod(dir, stateDirMode); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIO, err)
		}
	}

	l, err := lock.Acquire(e.cfg.LockFilePath())
	if err != nil {
		return nil, err
	}
	return func() {
		_ = l.Release()
	}, nil
}

func (e *Engine) patchPAM() (state.ManagedFile, patch.Placement, error) {
	path := e.cfg.Paths.PAMFile
	res, err := patch.File(path, patch.GoogleAuthenticator, e.store)
	if err != nil {
		return state.ManagedFile{}, "", fmt.Errorf("%w: %w", ErrIO, err)
	}

	switch res.Placement {
	case patch.AlreadyPresent:
		e.logger.Info("two-factor PAM line already present", "path", path)
	case patch.Fallback:
		e.logger.Warn("anchor line not found, inserted two-factor PAM line as second line; verify the PAM stack manually",
			"path", path,
			"backup", backupPath(res.Backup))
	default:
		e.logger.Info("inserted two-factor PAM line", "path", path, "backup", backupPath(res.Backup))
	}

	return state.ManagedFile{Path: path, Existed: true}, res.Placement, nil
}

func (e *Engine) replaceStartWM() (state.ManagedFile, error) {
	path := e.cfg.Paths.StartWMFile
	existed, err := fsutil.Exists(path)
	if err != nil {
		return state.ManagedFile{}, fmt.Errorf("%w: %w", ErrIO, err)
	}

	h, err := replace.File(e.store, path, []byte(StartWMScript), startWMMode)
	if err != nil {
		return state.ManagedFile{}, fmt.Errorf("%w: %w", ErrIO, err)
	}

	if h != nil {
		e.logger.Info("replaced window manager launcher", "path", path, "backup", backupPath(h))
	} else {
		e.logger.Info("created window manager launcher", "path", path)
	}
	return state.ManagedFile{Path: path, Existed: existed}, nil
}

// writeSession installs the user's session file. A file this tool created in
// an earlier run, still holding the managed content, stays marked as created
// so undo deletes it rather than restoring our own copy.
func (e *Engine) writeSession(acct *account.Account, path string, prev *state.Record) (state.ManagedFile, error) {
	existed, err := fsutil.Exists(path)
	if err != nil {
		return state.ManagedFile{}, fmt.Errorf("%w: %w", ErrIO, err)
	}

	if existed && !e.createdEarlier(prev, acct, path) {
		h, err := replace.File(e.store, path, []byte(SessionScript), sessionMode)
		if err != nil {
			return state.ManagedFile{}, fmt.Errorf("%w: %w", ErrIO, err)
		}
		e.logger.Info("replaced session file", "path", path, "backup", backupPath(h))
		return state.ManagedFile{Path: path, Existed: true}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return state.ManagedFile{}, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if err := fsutil.WriteAtomic(path, []byte(SessionScript), sessionMode); err != nil {
		return state.ManagedFile{}, fmt.Errorf("%w: write %s: %w", ErrIO, path, err)
	}
	if err := fsutil.Chown(path, acct.UID, acct.GID); err != nil {
		return state.ManagedFile{}, fmt.Errorf("%w: %w", ErrIO, err)
	}

	e.logger.Info("created session file", "path", path, "owner", acct.Name)
	return state.ManagedFile{Path: path, Created: true}, nil
}

func (e *Engine) createdEarlier(prev *state.Record, acct *account.Account, path string) bool {
	if prev == nil || prev.User != acct.Name {
		return false
	}
	mf, ok := prev.File(path)
	if !ok || !mf.Created {
		return false
	}
	data, err := os.ReadFile(path)
	return err == nil && string(data) == SessionScript
}

// restartServices restarts dependent units; failures are logged, not returned.
func (e *Engine) restartServices(ctx context.Context) {
	if len(e.cfg.Services.Restart) == 0 {
		return
	}
	e.logger.Info("restarting services", "units", e.cfg.Services.Restart)
	if err := e.systemd.Restart(ctx, e.cfg.Services.Restart); err != nil {
		e.logger.Warn("restart operations had issues", "error", err)
	}
}

// logPlan logs what install would do without touching anything
func (e *Engine) logPlan(acct *account.Account, sessionPath string) {
	e.logger.Info("[dry-run] would install packages", "packages", e.cfg.Packages)
	e.logger.Info("[dry-run] would enable services", "units", e.cfg.Services.Enable)

	if data, err := os.ReadFile(e.cfg.Paths.PAMFile); err == nil {
		_, placement := patch.Bytes(data, patch.GoogleAuthenticator)
		e.logger.Info("[dry-run] would patch PAM file", "path", e.cfg.Paths.PAMFile, "placement", placement)
	} else {
		e.logger.Info("[dry-run] PAM file not present yet, expected after package install", "path", e.cfg.Paths.PAMFile)
	}

	e.logger.Info("[dry-run] would replace window manager launcher", "path", e.cfg.Paths.StartWMFile)

	if ok, _ := fsutil.Exists(sessionPath); ok {
		e.logger.Info("[dry-run] would replace session file", "path", sessionPath)
	} else {
		e.logger.Info("[dry-run] would create session file", "path", sessionPath, "owner", acct.Name)
	}

	e.logger.Info("[dry-run] would record state", "path", e.cfg.StateFilePath())
	e.logger.Info("[dry-run] would restart services", "units", e.cfg.Services.Restart)
}

func backupPath(h *backup.Handle) string {
	if h == nil {
		return ""
	}
	return h.Path
}
