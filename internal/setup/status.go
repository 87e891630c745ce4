package setup

import (
	"context"
	"errors"
	"fmt"

	"github.com/jjarchi/dotfiles/internal/backup"
	"github.com/jjarchi/dotfiles/internal/state"
)

// UnitState is the active state of one service unit.
type UnitState struct {
	Unit  string
	State string
}

// Status describes the recorded install, the backups on disk and the
// services install manages.
type Status struct {
	// Record is nil when nothing is installed.
	Record *state.Record
	// Backups lists the backups per managed path, oldest first.
	Backups map[string][]backup.Handle
	// Paths is the order Backups should be reported in.
	Paths []string
	// Units holds the restart units in configured order.
	Units []UnitState
}

// Installed reports whether an install is recorded.
func (s *Status) Installed() bool {
	return s.Record != nil
}

// Status loads the current state without changing anything. Without a
// record, the configured system files are inspected instead. Unit states
// that cannot be queried are reported as "unknown".
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	st := &Status{Backups: make(map[string][]backup.Handle)}

	rec, err := state.Load(e.cfg.StateFilePath())
	switch {
	case err == nil:
		st.Record = rec
		st.Paths = rec.Paths()
	case errors.Is(err, state.ErrNotFound):
		st.Paths = []string{e.cfg.Paths.PAMFile, e.cfg.Paths.StartWMFile}
	default:
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	for _, p := range st.Paths {
		handles, err := e.store.List(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIO, err)
		}
		st.Backups[p] = handles
	}

	for _, unit := range e.cfg.Services.Restart {
		active, err := e.systemd.UnitStatus(ctx, unit)
		if err != nil {
			e.logger.Debug("failed to query unit", "unit", unit, "error", err)
		}
		if err != nil || active == "" {
			active = "unknown"
		}
		st.Units = append(st.Units, UnitState{Unit: unit, State: active})
	}
	return st, nil
}
