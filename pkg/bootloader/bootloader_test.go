package bootloader

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	calls []call
	fail  map[string]*Output
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (*Output, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	if out, ok := f.fail[name]; ok {
		return out, nil
	}
	return &Output{}, nil
}

func bootRoot(t *testing.T, files ...string) afero.Fs {
	t.Helper()
	memfs := afero.NewMemMapFs()
	for _, f := range files {
		require.NoError(t, afero.WriteFile(memfs, "/target/boot/"+f, []byte(f), 0o644))
	}
	return memfs
}

func readString(t *testing.T, fsys afero.Fs, p string) string {
	t.Helper()
	data, err := afero.ReadFile(fsys, p)
	require.NoError(t, err)
	return string(data)
}

func TestSystemdBoot(t *testing.T) {
	memfs := bootRoot(t, "vmlinuz-linux", "initramfs-linux.img", "vmlinuz-linux-lts", "intel-ucode.img")
	runner := &fakeRunner{}
	inst, err := New(Config{Kind: KindSystemdBoot, Cmdline: "root=LABEL=dodos rw", Timeout: 3},
		WithRunner(runner), WithFs(memfs))
	require.NoError(t, err)

	require.NoError(t, inst.Install(context.Background(), "/target"))

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "bootctl", runner.calls[0].name)
	assert.Equal(t, []string{"--no-variables", "--esp-path=/target/boot", "install"}, runner.calls[0].args)

	assert.Equal(t, "default dodos-linux.conf\ntimeout 3\neditor no\n",
		readString(t, memfs, "/target/boot/loader/loader.conf"))
	assert.Equal(t,
		"title   dodos (linux)\n"+
			"linux   /vmlinuz-linux\n"+
			"initrd  /intel-ucode.img\n"+
			"initrd  /initramfs-linux.img\n"+
			"options root=LABEL=dodos rw\n",
		readString(t, memfs, "/target/boot/loader/entries/dodos-linux.conf"))
	lts := readString(t, memfs, "/target/boot/loader/entries/dodos-linux-lts.conf")
	assert.Contains(t, lts, "linux   /vmlinuz-linux-lts\n")
	assert.NotContains(t, lts, "initramfs")
}

func TestSystemdBoot_SeparateESP(t *testing.T) {
	memfs := bootRoot(t, "vmlinuz-linux", "initramfs-linux.img")
	inst, err := New(Config{Kind: KindSystemdBoot, ESP: "/efi", Cmdline: "root=/dev/sda2"},
		WithRunner(&fakeRunner{}), WithFs(memfs))
	require.NoError(t, err)

	require.NoError(t, inst.Install(context.Background(), "/target"))
	assert.Equal(t, "vmlinuz-linux", readString(t, memfs, "/target/efi/dodos/vmlinuz-linux"))
	assert.Equal(t, "initramfs-linux.img", readString(t, memfs, "/target/efi/dodos/initramfs-linux.img"))
	entry := readString(t, memfs, "/target/efi/loader/entries/dodos-linux.conf")
	assert.Contains(t, entry, "linux   /dodos/vmlinuz-linux\n")
	assert.Contains(t, entry, "initrd  /dodos/initramfs-linux.img\n")
}

func TestGrub_UEFI(t *testing.T) {
	memfs := bootRoot(t, "vmlinuz-linux", "initramfs-linux.img", "amd-ucode.img")
	runner := &fakeRunner{}
	inst, err := New(Config{Kind: KindGrub, ESP: "/efi", Cmdline: "root=LABEL=dodos rw"},
		WithRunner(runner), WithFs(memfs))
	require.NoError(t, err)

	require.NoError(t, inst.Install(context.Background(), "/target"))
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "grub-install", runner.calls[0].name)
	assert.Equal(t, []string{
		"--boot-directory=/target/boot",
		"--target=x86_64-efi",
		"--efi-directory=/target/efi",
		"--bootloader-id=dodos",
		"--removable",
		"--no-nvram",
	}, runner.calls[0].args)

	cfg := readString(t, memfs, "/target/boot/grub/grub.cfg")
	assert.Contains(t, cfg, "menuentry 'dodos (linux)' {\n")
	assert.Contains(t, cfg, "\tlinux /boot/vmlinuz-linux root=LABEL=dodos rw\n")
	assert.Contains(t, cfg, "\tinitrd /boot/amd-ucode.img /boot/initramfs-linux.img\n")
}

func TestGrub_BIOS(t *testing.T) {
	runner := &fakeRunner{}
	inst, err := New(Config{Kind: KindGrub, Device: "/dev/loop0"},
		WithRunner(runner), WithFs(bootRoot(t, "vmlinuz-linux")))
	require.NoError(t, err)

	require.NoError(t, inst.Install(context.Background(), "/target"))
	assert.Equal(t, []string{"--boot-directory=/target/boot", "--target=i386-pc", "/dev/loop0"}, runner.calls[0].args)
}

func TestInstall_Failures(t *testing.T) {
	t.Run("no kernel", func(t *testing.T) {
		inst, err := New(Config{Kind: KindSystemdBoot}, WithRunner(&fakeRunner{}), WithFs(bootRoot(t)))
		require.NoError(t, err)
		assert.ErrorContains(t, inst.Install(context.Background(), "/target"), "no kernel found")
	})

	t.Run("command fails", func(t *testing.T) {
		runner := &fakeRunner{fail: map[string]*Output{
			"bootctl": {ExitCode: 1, Stderr: "Failed to open ESP\n"},
		}}
		inst, err := New(Config{Kind: KindSystemdBoot}, WithRunner(runner), WithFs(bootRoot(t, "vmlinuz-linux")))
		require.NoError(t, err)

		err = inst.Install(context.Background(), "/target")
		var ce *CommandError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, 1, ce.ExitCode)
		assert.Contains(t, err.Error(), "Failed to open ESP")
	})
}

func TestNone(t *testing.T) {
	runner := &fakeRunner{}
	inst, err := New(Config{}, WithRunner(runner), WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	require.NoError(t, inst.Install(context.Background(), "/target"))
	assert.Empty(t, runner.calls)
}

func TestNew_Rejects(t *testing.T) {
	_, err := New(Config{Kind: "lilo"})
	assert.Error(t, err)
	_, err = New(Config{Kind: KindGrub, ESP: "../efi"})
	assert.Error(t, err)
}

func TestExecRunner(t *testing.T) {
	r := &ExecRunner{Env: []string{"DODOS_TEST=yes"}}
	out, err := r.Run(context.Background(), "sh", "-c", "echo $DODOS_TEST; echo oops >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, "yes\n", out.Stdout)
	assert.Equal(t, "oops", strings.TrimSpace(out.Stderr))
	assert.Equal(t, 3, out.ExitCode)

	_, err = r.Run(context.Background(), "dodos-no-such-tool")
	assert.ErrorContains(t, err, "not installed")
}
