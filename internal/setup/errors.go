package setup

import (
	"errors"

	"github.com/jjarchi/dotfiles/internal/state"
)

// Error classes returned by Engine. Callers match them with errors.Is; the
// wrapped message carries the detail.
var (
	// ErrPrivilege means the process lacks root privileges.
	ErrPrivilege = errors.New("must be run as root")
	// ErrArgument means a required input was missing or malformed.
	ErrArgument = errors.New("invalid argument")
	// ErrPrecondition means the host is not in a state install can work with.
	ErrPrecondition = errors.New("precondition failed")
	// ErrStateMissing means undo found no recorded install.
	ErrStateMissing = state.ErrNotFound
	// ErrIO means a backup, write or restore failed.
	ErrIO = errors.New("file operation failed")
	// ErrCollaborator means the package or service manager failed.
	ErrCollaborator = errors.New("external command failed")
)
