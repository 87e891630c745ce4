package backup

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fixedClock returns a clock that yields the given instants in order and
// then keeps repeating the last one.
func fixedClock(instants ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := instants[i]
		if i < len(instants)-1 {
			i++
		}
		return t
	}
}

func newTestStore(t *testing.T, instants ...time.Time) (*Store, string) {
	t.Helper()
	tmp := t.TempDir()
	store := NewStore(filepath.Join(tmp, "state", "backups"))
	if len(instants) > 0 {
		store.WithClock(fixedClock(instants...))
	}
	return store, tmp
}

func TestBackup_MissingSourceIsNoop(t *testing.T) {
	store, tmp := newTestStore(t)

	h, ok, err := store.Backup(filepath.Join(tmp, "does-not-exist"))
	if err != nil {
		t.Fatalf("Backup returned error: %v", err)
	}
	if ok {
		t.Errorf("expected no backup, got %+v", h)
	}
	if _, err := os.Stat(store.Root); !os.IsNotExist(err) {
		t.Errorf("store root should not be created for a no-op backup")
	}
}

func TestBackup_DanglingSymlinkIsNoop(t *testing.T) {
	store, tmp := newTestStore(t)

	link := filepath.Join(tmp, "startwm.sh")
	if err := os.Symlink(filepath.Join(tmp, "gone"), link); err != nil {
		t.Fatal(err)
	}

	h, ok, err := store.Backup(link)
	if err != nil {
		t.Fatalf("Backup returned error: %v", err)
	}
	if ok {
		t.Errorf("expected no backup for a dangling link, got %+v", h)
	}
}

func TestBackup_SymlinkCopiesTarget(t *testing.T) {
	at := time.Date(2026, 10, 14, 9, 30, 5, 0, time.UTC)
	store, tmp := newTestStore(t, at)

	target := filepath.Join(tmp, "real")
	if err := os.WriteFile(target, []byte("target content"), 0644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(tmp, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	h, ok, err := store.Backup(link)
	if err != nil || !ok {
		t.Fatalf("Backup = %v, %v", ok, err)
	}
	info, err := os.Lstat(h.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !info.Mode().IsRegular() {
		t.Errorf("backup is not a regular file: %v", info.Mode())
	}
	data, err := os.ReadFile(h.Path)
	if err != nil || string(data) != "target content" {
		t.Errorf("backup content = %q, %v", data, err)
	}
}

func TestBackup_MirrorsAbsolutePath(t *testing.T) {
	at := time.Date(2026, 10, 14, 9, 30, 5, 0, time.UTC)
	store, tmp := newTestStore(t, at)

	src := filepath.Join(tmp, "etc", "pam.d", "xrdp-sesman")
	if err := os.MkdirAll(filepath.Dir(src), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("#%PAM-1.0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	h, ok, err := store.Backup(src)
	if err != nil || !ok {
		t.Fatalf("Backup = %v, %v", ok, err)
	}

	want := store.Root + src + ".20261014T093005Z"
	if h.Path != want {
		t.Errorf("backup path = %s, want %s", h.Path, want)
	}
	if h.Stamp != "20261014T093005Z" {
		t.Errorf("stamp = %s", h.Stamp)
	}

	info, err := os.Stat(filepath.Dir(h.Path))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("backup dir mode = %v, want 0700", info.Mode().Perm())
	}
}

func TestBackup_RelativePathRejected(t *testing.T) {
	store, _ := newTestStore(t)

	if _, _, err := store.Backup("etc/pam.d/xrdp-sesman"); err == nil {
		t.Fatal("expected error for relative path")
	}
}

func TestBackup_SameSecondGetsSequence(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store, tmp := newTestStore(t, at)

	src := filepath.Join(tmp, "file")
	var paths []string
	for _, content := range []string{"a", "b", "c"} {
		if err := os.WriteFile(src, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		h, ok, err := store.Backup(src)
		if err != nil || !ok {
			t.Fatalf("Backup = %v, %v", ok, err)
		}
		paths = append(paths, h.Path)
	}

	suffixes := []string{"20260102T030405Z", "20260102T030405Z-001", "20260102T030405Z-002"}
	for i, p := range paths {
		if !strings.HasSuffix(p, "."+suffixes[i]) {
			t.Errorf("backup %d = %s, want suffix %s", i, p, suffixes[i])
		}
	}

	latest, err := store.Latest(src)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(latest.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "c" {
		t.Errorf("latest backup content = %q, want %q", data, "c")
	}
}

func TestRoundTrip_RestoresBytesAndMode(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content []byte
		mode    os.FileMode
	}{
		{name: "empty", content: []byte{}, mode: 0644},
		{name: "text", content: []byte("auth include common-auth\n"), mode: 0600},
		{name: "no trailing newline", content: []byte("#!/bin/sh\nexec foo"), mode: 0755},
		{name: "binary", content: []byte{0x00, 0xff, '\n', 0x7f, '\r'}, mode: 0640},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store, tmp := newTestStore(t)
			src := filepath.Join(tmp, "target")

			if err := os.WriteFile(src, tc.content, 0644); err != nil {
				t.Fatal(err)
			}
			if err := os.Chmod(src, tc.mode); err != nil {
				t.Fatal(err)
			}

			if _, _, err := store.Backup(src); err != nil {
				t.Fatal(err)
			}

			if err := os.WriteFile(src, []byte("clobbered"), 0644); err != nil {
				t.Fatal(err)
			}
			if err := os.Chmod(src, 0666); err != nil {
				t.Fatal(err)
			}

			if _, err := store.RestoreLatest(src); err != nil {
				t.Fatalf("RestoreLatest: %v", err)
			}

			got, err := os.ReadFile(src)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != string(tc.content) {
				t.Errorf("content = %q, want %q", got, tc.content)
			}
			info, err := os.Stat(src)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != tc.mode {
				t.Errorf("mode = %v, want %v", info.Mode().Perm(), tc.mode)
			}
		})
	}
}

func TestRestoreLatest_PicksMostRecent(t *testing.T) {
	first := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)
	store, tmp := newTestStore(t, first, second)

	src := filepath.Join(tmp, "startwm.sh")
	if err := os.WriteFile(src, []byte("first run"), 0755); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Backup(src); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("second run"), 0755); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Backup(src); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("managed"), 0755); err != nil {
		t.Fatal(err)
	}

	handles, err := store.List(src)
	if err != nil {
		t.Fatal(err)
	}
	if len(handles) != 2 {
		t.Fatalf("expected 2 backups, got %d", len(handles))
	}

	restored, err := store.RestoreLatest(src)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Stamp != second.Format(TimestampFormat) {
		t.Errorf("restored %s, want stamp of second run", restored.Path)
	}

	got, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second run" {
		t.Errorf("content = %q, want %q", got, "second run")
	}

	// Restoring never consumes backups.
	after, err := store.List(src)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 2 {
		t.Errorf("backups after restore = %d, want 2", len(after))
	}
}

func TestRestoreLatest_NotFound(t *testing.T) {
	store, tmp := newTestStore(t)
	src := filepath.Join(tmp, "never-backed-up")
	if err := os.WriteFile(src, []byte("current"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := store.RestoreLatest(src)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "current" {
		t.Errorf("file changed on NotFound: %q", got)
	}
}

func TestRestoreLatest_RecreatesParentDir(t *testing.T) {
	store, tmp := newTestStore(t)
	src := filepath.Join(tmp, "etc", "xrdp", "startwm.sh")
	if err := os.MkdirAll(filepath.Dir(src), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("original"), 0755); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Backup(src); err != nil {
		t.Fatal(err)
	}

	// Simulate the owning package being purged.
	if err := os.RemoveAll(filepath.Join(tmp, "etc", "xrdp")); err != nil {
		t.Fatal(err)
	}

	if _, err := store.RestoreLatest(src); err != nil {
		t.Fatalf("RestoreLatest: %v", err)
	}
	got, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "original" {
		t.Errorf("content = %q", got)
	}
}

func TestList_IgnoresSiblingFiles(t *testing.T) {
	store, tmp := newTestStore(t)
	src := filepath.Join(tmp, "conf")

	prefix := store.Root + src
	if err := os.MkdirAll(filepath.Dir(prefix), 0700); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		"conf.20260101T000000Z",
		"conf.bak.20260301T000000Z", // backup of a different file
		"conf.20260101T000000Z.tmp",
		"conf.notastamp",
		"confx.20270101T000000Z",
	} {
		if err := os.WriteFile(filepath.Join(filepath.Dir(prefix), name), nil, 0600); err != nil {
			t.Fatal(err)
		}
	}

	handles, err := store.List(src)
	if err != nil {
		t.Fatal(err)
	}
	if len(handles) != 1 || handles[0].Stamp != "20260101T000000Z" {
		t.Errorf("List = %+v", handles)
	}
}
