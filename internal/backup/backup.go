// Package backup stores timestamped copies of files before they are changed
// and copies the most recent one back on request.
package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jjarchi/dotfiles/internal/fsutil"
)

// TimestampFormat is the UTC, second-resolution suffix appended to backups.
// It sorts lexicographically in chronological order.
const TimestampFormat = "20060102T150405Z"

// maxSequence bounds the collision suffix for backups taken in the same second.
const maxSequence = 999

// dirPerm is used for every directory created under the store root.
const dirPerm os.FileMode = 0700

// suffixPattern matches the part of a backup name after "<base>.".
var suffixPattern = regexp.MustCompile(`^\d{8}T\d{6}Z(-\d{3})?$`)

// ErrNotFound is returned by RestoreLatest when a path has no backups.
var ErrNotFound = errors.New("no backup found")

// Handle identifies one stored backup.
type Handle struct {
	// Source is the absolute path that was backed up.
	Source string
	// Path is where the copy lives inside the store.
	Path string
	// Stamp is the timestamp suffix, including any collision sequence.
	Stamp string
}

// Restored reports which backup RestoreLatest copied back.
type Restored struct {
	Handle
}

// Store keeps timestamped copies of files under Root, mirroring their
// absolute paths.
type Store struct {
	Root string
	now  func() time.Time
}

// NewStore creates a store rooted at root.
func NewStore(root string) *Store {
	return &Store{Root: root, now: time.Now}
}

// WithClock replaces the clock used for timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// mirror returns the store path prefix for source, without any suffix.
func (s *Store) mirror(source string) (string, error) {
	if !filepath.IsAbs(source) {
		return "", fmt.Errorf("backup source must be absolute: %s", source)
	}
	return filepath.Join(s.Root, filepath.Clean(source)), nil
}

// Backup copies path into the store. When path does not exist nothing is
// stored and ok is false. Existing backups are never replaced.
func (s *Store) Backup(path string) (h Handle, ok bool, err error) {
	prefix, err := s.mirror(path)
	if err != nil {
		return Handle{}, false, err
	}

	exists, err := fsutil.Exists(path)
	if err != nil {
		return Handle{}, false, fmt.Errorf("stat %s: %w", path, err)
	}
	if !exists {
		return Handle{}, false, nil
	}

	stamp := s.now().UTC().Format(TimestampFormat)
	for seq := 0; seq <= maxSequence; seq++ {
		candidate := stamp
		if seq > 0 {
			candidate = fmt.Sprintf("%s-%03d", stamp, seq)
		}
		dst := prefix + "." + candidate

		err := fsutil.CopyFileNoReplace(path, dst, dirPerm)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return Handle{}, false, fmt.Errorf("backup %s: %w", path, err)
		}
		return Handle{Source: path, Path: dst, Stamp: candidate}, true, nil
	}

	return Handle{}, false, fmt.Errorf("backup %s: too many backups at %s", path, stamp)
}

// List returns every backup of path, oldest first.
func (s *Store) List(path string) ([]Handle, error) {
	prefix, err := s.mirror(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(prefix)
	base := filepath.Base(prefix) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list backups of %s: %w", path, err)
	}

	var handles []Handle
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, base) {
			continue
		}
		stamp := strings.TrimPrefix(name, base)
		if !suffixPattern.MatchString(stamp) {
			continue
		}
		handles = append(handles, Handle{
			Source: path,
			Path:   filepath.Join(dir, name),
			Stamp:  stamp,
		})
	}

	sort.Slice(handles, func(i, j int) bool {
		return handles[i].Stamp < handles[j].Stamp
	})
	return handles, nil
}

// Latest returns the most recent backup of path, or ErrNotFound.
func (s *Store) Latest(path string) (Handle, error) {
	handles, err := s.List(path)
	if err != nil {
		return Handle{}, err
	}
	if len(handles) == 0 {
		return Handle{}, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return handles[len(handles)-1], nil
}

// RestoreLatest copies the most recent backup of path back over it. Missing
// parent directories are recreated with mode 0755. Returns ErrNotFound, with
// no change on disk, when path was never backed up.
func (s *Store) RestoreLatest(path string) (Restored, error) {
	h, err := s.Latest(path)
	if err != nil {
		return Restored{}, err
	}

	if err := fsutil.CopyFile(h.Path, path, 0755); err != nil {
		return Restored{}, fmt.Errorf("restore %s from %s: %w", path, h.Path, err)
	}
	return Restored{Handle: h}, nil
}
