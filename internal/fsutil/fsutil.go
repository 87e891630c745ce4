// Package fsutil holds the atomic write and metadata-preserving copy
// primitives shared by the backup, patch and replace packages.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Meta is the subset of file metadata carried across a copy or rewrite.
type Meta struct {
	Mode    os.FileMode
	UID     int
	GID     int
	ModTime time.Time
}

// StatMeta returns the metadata of path. It follows symlinks.
func StatMeta(path string) (Meta, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Meta{}, err
	}
	return metaFromInfo(path, info)
}

func metaFromInfo(path string, info os.FileInfo) (Meta, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Meta{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return Meta{
		Mode:    info.Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky),
		UID:     int(st.Uid),
		GID:     int(st.Gid),
		ModTime: info.ModTime(),
	}, nil
}

// Exists reports whether path exists. Symlinks are followed to match the
// copy helpers, so a dangling link reports false. Errors other than not-exist
// are returned.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// WriteAtomic writes data to a temp file next to path and renames it into
// place. When path already exists its ownership is carried over to the new
// file; perm is always applied.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	owner := Meta{UID: -1, GID: -1}
	if m, err := StatMeta(path); err == nil {
		owner.UID, owner.GID = m.UID, m.GID
	} else if !os.IsNotExist(err) {
		return err
	}

	return publish(path, func(tmp *os.File) error {
		if _, err := tmp.Write(data); err != nil {
			return err
		}
		if err := tmp.Chmod(perm); err != nil {
			return err
		}
		return chown(tmp, owner.UID, owner.GID)
	}, os.Rename)
}

// CopyFile copies src to dst atomically, preserving mode, ownership where the
// process is allowed to set it, and modification time. Parent directories of
// dst are created with dirPerm. A symlink at src is read through; a symlink
// at dst is replaced by a regular file.
func CopyFile(src, dst string, dirPerm os.FileMode) error {
	return copyWith(src, dst, dirPerm, os.Rename)
}

// CopyFileNoReplace is CopyFile but fails with os.ErrExist instead of
// replacing an existing dst. The new file is published with a hard link,
// which the kernel refuses when the name is taken.
func CopyFileNoReplace(src, dst string, dirPerm os.FileMode) error {
	return copyWith(src, dst, dirPerm, func(tmp, final string) error {
		if err := os.Link(tmp, final); err != nil {
			return err
		}
		return os.Remove(tmp)
	})
}

func copyWith(src, dst string, dirPerm os.FileMode, place func(tmp, final string) error) error {
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	info, err := srcFile.Stat()
	if err != nil {
		return err
	}
	meta, err := metaFromInfo(src, info)
	if err != nil {
		return err
	}

	err = publish(dst, func(tmp *os.File) error {
		if _, err := io.Copy(tmp, srcFile); err != nil {
			return err
		}
		if err := tmp.Chmod(meta.Mode); err != nil {
			return err
		}
		return chown(tmp, meta.UID, meta.GID)
	}, place)
	if err != nil {
		return err
	}

	return os.Chtimes(dst, meta.ModTime, meta.ModTime)
}

// publish creates a temp file in the directory of dst, lets fill populate
// it, syncs and closes it, then hands it to place. The temp file is removed
// on every path that does not publish it.
func publish(dst string, fill func(*os.File) error, place func(tmp, final string) error) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".rdp2fa-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if err := fill(tmpFile); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return place(tmpPath, dst)
}

// chown sets ownership on f. A negative id leaves that id unchanged.
// EPERM is ignored so unprivileged runs (tests, dry runs) still work; the
// file keeps the caller's ownership in that case.
func chown(f *os.File, uid, gid int) error {
	if uid < 0 && gid < 0 {
		return nil
	}
	err := unix.Fchown(int(f.Fd()), uid, gid)
	if err == unix.EPERM {
		return nil
	}
	return err
}

// Chown sets ownership of path, ignoring EPERM like the copy helpers do.
func Chown(path string, uid, gid int) error {
	err := unix.Chown(path, uid, gid)
	if err == unix.EPERM {
		return nil
	}
	if err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	return nil
}
