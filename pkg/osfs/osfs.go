// Package osfs is the filesystem access used to stage and promote root
// trees.
package osfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// FS is the set of filesystem primitives the assembler needs. Paths are
// absolute host paths.
type FS interface {
	MkdirAll(path string, perm fs.FileMode) error
	// WriteFile replaces path with the contents of r. The file is written
	// next to path and renamed over it, so an existing hard link to path
	// is never modified in place.
	WriteFile(path string, r io.Reader, perm fs.FileMode) (int64, error)
	Open(path string) (io.ReadCloser, error)
	Symlink(target, path string) error
	Readlink(path string) (string, error)
	Link(oldpath, newpath string) error
	Chmod(path string, mode fs.FileMode) error
	Lstat(path string) (fs.FileInfo, error)
	Remove(path string) error
	RemoveAll(path string) error
	Rename(oldpath, newpath string) error

	// Exchange atomically swaps two directory trees.
	Exchange(a, b string) error

	// FreeSpace returns the bytes available to unprivileged users on the
	// filesystem holding path.
	FreeSpace(path string) (uint64, error)
}

// OS is the host filesystem. File operations go through afero's OsFs.
type OS struct {
	fs afero.Fs
}

// NewOS returns the host filesystem.
func NewOS() *OS {
	return &OS{fs: afero.NewOsFs()}
}

// Afero exposes the underlying afero filesystem.
func (o *OS) Afero() afero.Fs { return o.fs }

func (o *OS) MkdirAll(path string, perm fs.FileMode) error {
	return o.fs.MkdirAll(path, perm)
}

func (o *OS) WriteFile(path string, r io.Reader, perm fs.FileMode) (int64, error) {
	tmp, err := afero.TempFile(o.fs, filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = o.fs.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := o.fs.Chmod(tmpPath, perm); err != nil {
		return n, err
	}
	if err := o.fs.Rename(tmpPath, path); err != nil {
		return n, err
	}
	success = true
	return n, nil
}

func (o *OS) Open(path string) (io.ReadCloser, error) {
	return o.fs.Open(path)
}

func (o *OS) Symlink(target, path string) error {
	linker, ok := o.fs.(afero.Linker)
	if !ok {
		return &fs.PathError{Op: "symlink", Path: path, Err: afero.ErrNoSymlink}
	}
	return linker.SymlinkIfPossible(target, path)
}

func (o *OS) Readlink(path string) (string, error) {
	reader, ok := o.fs.(afero.LinkReader)
	if !ok {
		return "", &fs.PathError{Op: "readlink", Path: path, Err: afero.ErrNoReadlink}
	}
	return reader.ReadlinkIfPossible(path)
}

func (o *OS) Link(oldpath, newpath string) error {
	return os.Link(oldpath, newpath)
}

func (o *OS) Chmod(path string, mode fs.FileMode) error {
	return o.fs.Chmod(path, mode)
}

func (o *OS) Lstat(path string) (fs.FileInfo, error) {
	if lstater, ok := o.fs.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(path)
		return info, err
	}
	return o.fs.Stat(path)
}

func (o *OS) Remove(path string) error {
	return o.fs.Remove(path)
}

func (o *OS) RemoveAll(path string) error {
	return o.fs.RemoveAll(path)
}

func (o *OS) Rename(oldpath, newpath string) error {
	return o.fs.Rename(oldpath, newpath)
}

func (o *OS) Exchange(a, b string) error {
	return exchange(a, b)
}

func (o *OS) FreeSpace(path string) (uint64, error) {
	return freeSpace(path)
}

// Exists reports whether path exists, without following a final symlink.
func Exists(fsys FS, path string) (bool, error) {
	_, err := fsys.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// permBits keeps the permission bits of mode together with setuid, setgid
// and sticky.
func permBits(mode fs.FileMode) fs.FileMode {
	return mode & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)
}

// CopyTree replicates the tree at src into dst, which must not exist.
// Regular files are copied, never linked, so changes to dst cannot reach
// src. Modes keep their setuid, setgid and sticky bits.
func CopyTree(fsys FS, src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := fsys.Lstat(path)
		if err != nil {
			return err
		}
		switch {
		case info.IsDir():
			if err := fsys.MkdirAll(target, 0o755); err != nil {
				return err
			}
			return fsys.Chmod(target, permBits(info.Mode()))
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := fsys.Readlink(path)
			if err != nil {
				return err
			}
			return fsys.Symlink(link, target)
		case info.Mode().IsRegular():
			in, err := fsys.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			if _, err := fsys.WriteFile(target, in, info.Mode().Perm()); err != nil {
				return err
			}
			return fsys.Chmod(target, permBits(info.Mode()))
		default:
			return fmt.Errorf("copy %s: unsupported file type %s", path, info.Mode().Type())
		}
	})
}
