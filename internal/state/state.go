// Package state persists the record of the last install.
package state

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jjarchi/dotfiles/internal/fsutil"
)

// Version is the current on-disk format version.
const Version = 1

// FileMode is the permission of the persisted state file.
const FileMode os.FileMode = 0600

// ErrNotFound is returned by Load when no install has been recorded.
var ErrNotFound = errors.New("no install state recorded")

// Record is the snapshot of what the last install changed. It is written
// once at the end of a successful install and read once by undo.
type Record struct {
	Version      int
	User         string
	Home         string
	InstalledAt  time.Time
	PAMPlacement string
	Packages     []string
	ManagedFiles []ManagedFile
}

// ManagedFile is one file the install created, overwrote or patched.
// Existed and Created are mutually exclusive; both false means the file was
// absent before install and is still absent (nothing was written).
type ManagedFile struct {
	Path    string
	Existed bool
	Created bool
}

// Paths returns the managed file paths in record order.
func (r *Record) Paths() []string {
	paths := make([]string, 0, len(r.ManagedFiles))
	for _, mf := range r.ManagedFiles {
		paths = append(paths, mf.Path)
	}
	return paths
}

// File returns the managed entry for path.
func (r *Record) File(path string) (ManagedFile, bool) {
	for _, mf := range r.ManagedFiles {
		if mf.Path == path {
			return mf, true
		}
	}
	return ManagedFile{}, false
}

// Validate checks the invariants a record must satisfy before it is written.
func (r *Record) Validate() error {
	if r.User == "" {
		return fmt.Errorf("state: user is required")
	}
	if r.Home == "" {
		return fmt.Errorf("state: home is required")
	}
	seen := make(map[string]bool)
	for _, mf := range r.ManagedFiles {
		if mf.Path == "" {
			return fmt.Errorf("state: managed file with empty path")
		}
		if seen[mf.Path] {
			return fmt.Errorf("state: duplicate managed file %s", mf.Path)
		}
		seen[mf.Path] = true
		if mf.Existed && mf.Created {
			return fmt.Errorf("state: %s cannot be both pre-existing and installer-created", mf.Path)
		}
	}
	for _, v := range append([]string{r.User, r.Home, r.PAMPlacement}, append(r.Packages, r.Paths()...)...) {
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("state: value %q contains a newline", v)
		}
	}
	return nil
}

// Marshal encodes the record as key=value lines. List values are written as
// repeated keys.
func (r *Record) Marshal() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString("# rdp2fa install state; written by rdp2fa install, read by rdp2fa undo\n")
	put := func(k, v string) {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}

	put("version", strconv.Itoa(Version))
	put("user", r.User)
	put("home", r.Home)
	if !r.InstalledAt.IsZero() {
		put("installed_at", r.InstalledAt.UTC().Format(time.RFC3339))
	}
	if r.PAMPlacement != "" {
		put("pam_placement", r.PAMPlacement)
	}
	for _, p := range r.Packages {
		put("package", p)
	}
	for _, mf := range r.ManagedFiles {
		put("managed", mf.Path)
	}
	for _, mf := range r.ManagedFiles {
		if mf.Existed {
			put("existed", mf.Path)
		}
	}
	for _, mf := range r.ManagedFiles {
		if mf.Created {
			put("created", mf.Path)
		}
	}

	return buf.Bytes(), nil
}

// Unmarshal parses the key=value encoding produced by Marshal. Unknown keys
// are ignored so newer writers stay readable.
func Unmarshal(data []byte) (*Record, error) {
	rec := &Record{}
	existed := make(map[string]bool)
	created := make(map[string]bool)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("state line %d: expected key=value", lineNo)
		}
		key = strings.TrimSpace(key)

		switch key {
		case "version":
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("state line %d: invalid version %q", lineNo, value)
			}
			rec.Version = v
		case "user":
			rec.User = value
		case "home":
			rec.Home = value
		case "installed_at":
			at, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return nil, fmt.Errorf("state line %d: invalid installed_at: %w", lineNo, err)
			}
			rec.InstalledAt = at
		case "pam_placement":
			rec.PAMPlacement = value
		case "package":
			rec.Packages = append(rec.Packages, value)
		case "managed":
			rec.ManagedFiles = append(rec.ManagedFiles, ManagedFile{Path: value})
		case "existed":
			existed[value] = true
		case "created":
			created[value] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if rec.Version > Version {
		return nil, fmt.Errorf("state version %d is newer than supported version %d", rec.Version, Version)
	}

	for i := range rec.ManagedFiles {
		rec.ManagedFiles[i].Existed = existed[rec.ManagedFiles[i].Path]
		rec.ManagedFiles[i].Created = created[rec.ManagedFiles[i].Path]
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Load reads the record at path. A missing file yields ErrNotFound.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}

	rec, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	return rec, nil
}

// Save replaces the record at path atomically with mode 0600.
func Save(path string, rec *Record) error {
	data, err := rec.Marshal()
	if err != nil {
		return err
	}
	if err := fsutil.WriteAtomic(path, data, FileMode); err != nil {
		return fmt.Errorf("write state %s: %w", path, err)
	}
	return nil
}

// Remove deletes the record at path. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state %s: %w", path, err)
	}
	return nil
}
