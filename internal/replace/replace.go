// Package replace overwrites whole files with static content after backing
// them up.
package replace

import (
	"fmt"
	"os"

	"github.com/jjarchi/dotfiles/internal/backup"
	"github.com/jjarchi/dotfiles/internal/fsutil"
)

// Backuper stores a copy of a file before it is overwritten.
type Backuper interface {
	Backup(path string) (backup.Handle, bool, error)
}

// File backs up path (when it exists) and overwrites it with content and
// mode. Content is static, so repeating the call only adds another backup.
// The returned handle is nil when there was nothing to back up.
func File(b Backuper, path string, content []byte, mode os.FileMode) (*backup.Handle, error) {
	h, ok, err := b.Backup(path)
	if err != nil {
		return nil, err
	}

	if err := fsutil.WriteAtomic(path, content, mode); err != nil {
		return nil, fmt.Errorf("replace %s: %w", path, err)
	}

	if !ok {
		return nil, nil
	}
	return &h, nil
}
