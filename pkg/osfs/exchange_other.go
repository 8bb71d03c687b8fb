//go:build unix && !linux

package osfs

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// exchange falls back to three renames where renameat2 is unavailable. The
// swap is not atomic: an observer may briefly see b missing.
func exchange(a, b string) error {
	tmp := filepath.Join(filepath.Dir(b), fmt.Sprintf(".%s.exchange-%d", filepath.Base(b), os.Getpid()))
	if err := os.Rename(b, tmp); err != nil {
		return &os.LinkError{Op: "exchange", Old: a, New: b, Err: err}
	}
	if err := os.Rename(a, b); err != nil {
		_ = os.Rename(tmp, b)
		return &os.LinkError{Op: "exchange", Old: a, New: b, Err: err}
	}
	if err := os.Rename(tmp, a); err != nil {
		return &os.LinkError{Op: "exchange", Old: a, New: b, Err: err}
	}
	return nil
}

func freeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, &os.PathError{Op: "statfs", Path: path, Err: err}
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
