package osfs

import (
	"io"
	"io/fs"
)

// FaultFS wraps an FS and fails the operations Fail returns an error for.
// It is used to inject faults at chosen points of an assembly.
type FaultFS struct {
	FS
	Fail func(op, path string) error
}

func (f *FaultFS) check(op, path string) error {
	if f.Fail == nil {
		return nil
	}
	return f.Fail(op, path)
}

func (f *FaultFS) MkdirAll(path string, perm fs.FileMode) error {
	if err := f.check("mkdir", path); err != nil {
		return err
	}
	return f.FS.MkdirAll(path, perm)
}

func (f *FaultFS) WriteFile(path string, r io.Reader, perm fs.FileMode) (int64, error) {
	if err := f.check("write", path); err != nil {
		return 0, err
	}
	return f.FS.WriteFile(path, r, perm)
}

func (f *FaultFS) Symlink(target, path string) error {
	if err := f.check("symlink", path); err != nil {
		return err
	}
	return f.FS.Symlink(target, path)
}

func (f *FaultFS) Link(oldpath, newpath string) error {
	if err := f.check("link", newpath); err != nil {
		return err
	}
	return f.FS.Link(oldpath, newpath)
}

func (f *FaultFS) Chmod(path string, mode fs.FileMode) error {
	if err := f.check("chmod", path); err != nil {
		return err
	}
	return f.FS.Chmod(path, mode)
}

func (f *FaultFS) Remove(path string) error {
	if err := f.check("remove", path); err != nil {
		return err
	}
	return f.FS.Remove(path)
}

func (f *FaultFS) Rename(oldpath, newpath string) error {
	if err := f.check("rename", newpath); err != nil {
		return err
	}
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultFS) Exchange(a, b string) error {
	if err := f.check("exchange", b); err != nil {
		return err
	}
	return f.FS.Exchange(a, b)
}

func (f *FaultFS) FreeSpace(path string) (uint64, error) {
	if err := f.check("statfs", path); err != nil {
		return 0, err
	}
	return f.FS.FreeSpace(path)
}
