package osfs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileBreaksHardLinks(t *testing.T) {
	dir := t.TempDir()
	fsys := NewOS()

	orig := filepath.Join(dir, "orig")
	linked := filepath.Join(dir, "linked")
	_, err := fsys.WriteFile(orig, strings.NewReader("old"), 0o644)
	require.NoError(t, err)
	require.NoError(t, fsys.Link(orig, linked))

	n, err := fsys.WriteFile(linked, strings.NewReader("new!"), 0o600)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	got, err := os.ReadFile(orig)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))

	info, err := fsys.Lstat(linked)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestExchange(t *testing.T) {
	dir := t.TempDir()
	fsys := NewOS()

	a, b := filepath.Join(dir, "a"), filepath.Join(dir, "b")
	require.NoError(t, fsys.MkdirAll(a, 0o755))
	require.NoError(t, fsys.MkdirAll(b, 0o755))
	_, err := fsys.WriteFile(filepath.Join(a, "marker"), strings.NewReader("a"), 0o644)
	require.NoError(t, err)

	require.NoError(t, fsys.Exchange(a, b))

	ok, err := Exists(fsys, filepath.Join(b, "marker"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = Exists(fsys, filepath.Join(a, "marker"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCopyTree(t *testing.T) {
	dir := t.TempDir()
	fsys := NewOS()

	src := filepath.Join(dir, "src")
	require.NoError(t, fsys.MkdirAll(filepath.Join(src, "usr", "bin"), 0o755))
	_, err := fsys.WriteFile(filepath.Join(src, "usr", "bin", "bash"), strings.NewReader("bash"), 0o755)
	require.NoError(t, err)
	require.NoError(t, fsys.Symlink("bash", filepath.Join(src, "usr", "bin", "sh")))

	dst := filepath.Join(dir, "dst")
	require.NoError(t, CopyTree(fsys, src, dst))

	got, err := os.ReadFile(filepath.Join(dst, "usr", "bin", "bash"))
	require.NoError(t, err)
	assert.Equal(t, "bash", string(got))

	link, err := fsys.Readlink(filepath.Join(dst, "usr", "bin", "sh"))
	require.NoError(t, err)
	assert.Equal(t, "bash", link)

	info, err := fsys.Lstat(filepath.Join(dst, "usr", "bin", "bash"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestCopyTree_KeepsSpecialModeBits(t *testing.T) {
	dir := t.TempDir()
	fsys := NewOS()

	src := filepath.Join(dir, "src")
	require.NoError(t, fsys.MkdirAll(filepath.Join(src, "usr", "bin"), 0o755))
	require.NoError(t, fsys.MkdirAll(filepath.Join(src, "var", "tmp"), 0o755))
	require.NoError(t, os.Chmod(filepath.Join(src, "var", "tmp"), 0o777|os.ModeSticky))
	sudo := filepath.Join(src, "usr", "bin", "sudo")
	_, err := fsys.WriteFile(sudo, strings.NewReader("sudo"), 0o755)
	require.NoError(t, err)
	require.NoError(t, os.Chmod(sudo, 0o755|os.ModeSetuid))

	dst := filepath.Join(dir, "dst")
	require.NoError(t, CopyTree(fsys, src, dst))

	info, err := fsys.Lstat(filepath.Join(dst, "usr", "bin", "sudo"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755)|os.ModeSetuid, info.Mode()&(os.ModePerm|os.ModeSetuid|os.ModeSetgid|os.ModeSticky))

	info, err = fsys.Lstat(filepath.Join(dst, "var", "tmp"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o777)|os.ModeSticky, info.Mode()&(os.ModePerm|os.ModeSetuid|os.ModeSetgid|os.ModeSticky))
}

func TestFreeSpace(t *testing.T) {
	free, err := NewOS().FreeSpace(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}

func TestFaultFS(t *testing.T) {
	boom := errors.New("disk on fire")
	fsys := &FaultFS{FS: NewOS(), Fail: func(op, path string) error {
		if op == "write" && strings.HasSuffix(path, "bad") {
			return boom
		}
		return nil
	}}
	dir := t.TempDir()

	_, err := fsys.WriteFile(filepath.Join(dir, "good"), strings.NewReader("x"), 0o644)
	require.NoError(t, err)
	_, err = fsys.WriteFile(filepath.Join(dir, "bad"), strings.NewReader("x"), 0o644)
	assert.ErrorIs(t, err, boom)
}
