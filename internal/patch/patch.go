// Package patch inserts a single marker line into a line-oriented config
// file (a PAM stack) exactly once, ahead of a known anchor line.
//
// Detection is a substring match, so a commented-out marker still counts as
// present and no active line is added.
package patch

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/jjarchi/dotfiles/internal/backup"
	"github.com/jjarchi/dotfiles/internal/fsutil"
)

// Placement describes where Insert put the marker.
type Placement string

const (
	// AlreadyPresent means the marker was detected and nothing changed.
	AlreadyPresent Placement = "already-present"
	// BeforeAnchor means the marker was inserted right before the first anchor.
	BeforeAnchor Placement = "before-anchor"
	// Fallback means no anchor was found and the marker became the second
	// line. Operators should check the resulting stack by hand.
	Fallback Placement = "fallback"
)

// Rule describes one marker insertion.
type Rule struct {
	// Marker is the full line to insert.
	Marker string
	// Detect is the substring whose presence anywhere means "already patched".
	Detect string
	// Anchor matches the line the marker must precede.
	Anchor *regexp.Regexp
}

// GoogleAuthenticator is the rule enabling TOTP in the xrdp PAM stack. The
// marker must run before the common-auth include so the password prompt only
// follows a valid code.
var GoogleAuthenticator = Rule{
	Marker: "auth required pam_google_authenticator.so nullok",
	Detect: "pam_google_authenticator.so",
	Anchor: regexp.MustCompile(`^\s*@include\s+common-auth\b`),
}

// Backuper stores a copy of a file before it is modified.
type Backuper interface {
	Backup(path string) (backup.Handle, bool, error)
}

// Result is the outcome of File.
type Result struct {
	Placement Placement
	// Backup is set when a backup was taken before writing.
	Backup *backup.Handle
}

// SplitLines splits data into lines without their terminators. The second
// return value reports whether data ended with a newline.
func SplitLines(data []byte) ([]string, bool) {
	if len(data) == 0 {
		return nil, false
	}
	s := string(data)
	trailing := strings.HasSuffix(s, "\n")
	if trailing {
		s = s[:len(s)-1]
	}
	return strings.Split(s, "\n"), trailing
}

// JoinLines is the inverse of SplitLines.
func JoinLines(lines []string, trailingNewline bool) []byte {
	if len(lines) == 0 {
		return nil
	}
	s := strings.Join(lines, "\n")
	if trailingNewline {
		s += "\n"
	}
	return []byte(s)
}

// Insert returns lines with the rule's marker added. The input slice is never
// modified.
func Insert(lines []string, rule Rule) ([]string, Placement) {
	for _, line := range lines {
		if strings.Contains(line, rule.Detect) {
			return lines, AlreadyPresent
		}
	}

	at := -1
	if rule.Anchor != nil {
		for i, line := range lines {
			if rule.Anchor.MatchString(line) {
				at = i
				break
			}
		}
	}

	placement := BeforeAnchor
	if at < 0 {
		// Keep line 0 in place; PAM files usually start with a header comment.
		placement = Fallback
		at = 1
		if len(lines) == 0 {
			at = 0
		}
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:at]...)
	out = append(out, rule.Marker)
	out = append(out, lines[at:]...)
	return out, placement
}

// Bytes applies Insert to raw file content.
func Bytes(data []byte, rule Rule) ([]byte, Placement) {
	lines, trailing := SplitLines(data)
	if len(lines) == 0 {
		trailing = true
	}
	out, placement := Insert(lines, rule)
	if placement == AlreadyPresent {
		return data, placement
	}
	return JoinLines(out, trailing), placement
}

// File patches path in place. A missing file is an error. When the marker is
// already present the file is neither backed up nor rewritten. Otherwise a
// backup is taken first and the new content is written atomically with the
// original mode and ownership.
func File(path string, rule Rule, b Backuper) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("patch %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("patch %s: %w", path, err)
	}

	out, placement := Bytes(data, rule)
	if placement == AlreadyPresent {
		return Result{Placement: placement}, nil
	}

	res := Result{Placement: placement}
	h, ok, err := b.Backup(path)
	if err != nil {
		return Result{}, err
	}
	if ok {
		res.Backup = &h
	}

	if err := fsutil.WriteAtomic(path, out, info.Mode().Perm()); err != nil {
		return Result{}, fmt.Errorf("patch %s: %w", path, err)
	}
	return res, nil
}
