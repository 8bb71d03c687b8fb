package sysconfig

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dodos-os/dodos/pkg/engine"
	"github.com/dodos-os/dodos/pkg/telemetry"
)

func put(t *testing.T, root, name, content string, perm fs.FileMode) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), perm))
}

func read(t *testing.T, root, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name)))
	require.NoError(t, err)
	return string(data)
}

func mode(t *testing.T, root, name string) fs.FileMode {
	t.Helper()
	info, err := os.Lstat(filepath.Join(root, filepath.FromSlash(name)))
	require.NoError(t, err)
	return info.Mode()
}

func link(t *testing.T, root, name string) string {
	t.Helper()
	target, err := os.Readlink(filepath.Join(root, filepath.FromSlash(name)))
	require.NoError(t, err)
	return target
}

// baseRoot lays out the files a committed base system provides.
func baseRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	put(t, root, "etc/passwd", "root:x:0:0::/root:/bin/bash\n", 0o644)
	put(t, root, "etc/group", "root:x:0:root\nwheel:x:998:\n", 0o644)
	put(t, root, "etc/shadow", "root:!:19000::::::\n", 0o600)
	put(t, root, "etc/skel/.bashrc", "# bashrc\n", 0o644)
	put(t, root, "etc/locale.gen", "#de_DE.UTF-8 UTF-8\n#en_US.UTF-8 UTF-8\n", 0o644)
	put(t, root, "usr/share/zoneinfo/Europe/Berlin", "TZif", 0o644)
	put(t, root, "usr/lib/systemd/system/systemd-networkd.service",
		"[Unit]\nDescription=Network\n\n[Install]\nWantedBy=multi-user.target\n"+
			"Alias=dbus-org.freedesktop.network1.service\nAlso=systemd-networkd.socket\n", 0o644)
	put(t, root, "usr/lib/systemd/system/systemd-networkd.socket",
		"[Socket]\nListenNetlink=route 1361\n\n[Install]\nWantedBy=sockets.target\n", 0o644)
	put(t, root, "usr/lib/systemd/system/getty@.service",
		"[Install]\nWantedBy=getty.target\n", 0o644)
	return root
}

func TestApply_WritesSystemConfiguration(t *testing.T) {
	root := baseRoot(t)
	s := &Settings{
		Hostname: "dodos",
		Timezone: "Europe/Berlin",
		Locale:   "en_US.UTF-8",
		Keymap:   "de",
		Users: []User{{
			Name:     "op",
			Groups:   []string{"wheel"},
			Password: "secret",
			Sudo:     true,
		}},
		Services: []string{"systemd-networkd.service", "getty@tty1.service"},
		Files:    []File{{Path: "/etc/motd", Content: "hi\n", Mode: "0600"}},
		Scripts:  []string{"write_file('/etc/issue', 'dodos ' + hostname + '\\n')"},
	}

	res, err := NewApplier().Apply(context.Background(), root, s)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Contains(t, res.Applied, "hostname")
	assert.Contains(t, res.Applied, "script 1")

	assert.Equal(t, "dodos\n", read(t, root, "etc/hostname"))
	assert.Contains(t, read(t, root, "etc/hosts"), "127.0.1.1\tdodos.localdomain\tdodos")
	assert.Equal(t, "/usr/share/zoneinfo/Europe/Berlin", link(t, root, "etc/localtime"))
	assert.Equal(t, "LANG=en_US.UTF-8\n", read(t, root, "etc/locale.conf"))
	assert.Equal(t, "#de_DE.UTF-8 UTF-8\nen_US.UTF-8 UTF-8\n", read(t, root, "etc/locale.gen"))
	assert.Equal(t, "KEYMAP=de\n", read(t, root, "etc/vconsole.conf"))

	assert.Contains(t, read(t, root, "etc/passwd"), "op:x:1000:1000::/home/op:/bin/bash\n")
	group := read(t, root, "etc/group")
	assert.Contains(t, group, "wheel:x:998:op\n")
	assert.Contains(t, group, "op:x:1000:\n")

	var hash string
	for _, line := range strings.Split(read(t, root, "etc/shadow"), "\n") {
		if strings.HasPrefix(line, "op:") {
			hash = strings.Split(line, ":")[1]
		}
	}
	require.NotEmpty(t, hash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")))
	assert.Equal(t, fs.FileMode(0o600), mode(t, root, "etc/shadow").Perm())

	assert.True(t, mode(t, root, "home/op").IsDir())
	assert.Equal(t, fs.FileMode(0o700), mode(t, root, "home/op").Perm())
	assert.Equal(t, "# bashrc\n", read(t, root, "home/op/.bashrc"))
	assert.Equal(t, fs.FileMode(0o440), mode(t, root, "etc/sudoers.d/dodos-op").Perm())

	assert.Equal(t, "/usr/lib/systemd/system/systemd-networkd.service",
		link(t, root, "etc/systemd/system/multi-user.target.wants/systemd-networkd.service"))
	assert.Equal(t, "/usr/lib/systemd/system/systemd-networkd.service",
		link(t, root, "etc/systemd/system/dbus-org.freedesktop.network1.service"))
	assert.Equal(t, "/usr/lib/systemd/system/systemd-networkd.socket",
		link(t, root, "etc/systemd/system/sockets.target.wants/systemd-networkd.socket"))
	assert.Equal(t, "/usr/lib/systemd/system/getty@.service",
		link(t, root, "etc/systemd/system/getty.target.wants/getty@tty1.service"))

	assert.Equal(t, "hi\n", read(t, root, "etc/motd"))
	assert.Equal(t, fs.FileMode(0o600), mode(t, root, "etc/motd").Perm())
	assert.Equal(t, "dodos dodos\n", read(t, root, "etc/issue"))
}

func TestApply_IsIdempotent(t *testing.T) {
	root := baseRoot(t)
	s := &Settings{
		Hostname: "dodos",
		Groups:   []Group{{Name: "media", GID: 2000}},
		Users:    []User{{Name: "op", Groups: []string{"wheel", "media"}, PasswordHash: "$6$salt$hash"}},
		Services: []string{"systemd-networkd.service"},
	}
	a := NewApplier()
	_, err := a.Apply(context.Background(), root, s)
	require.NoError(t, err)
	first := read(t, root, "etc/group")

	_, err = a.Apply(context.Background(), root, s)
	require.NoError(t, err)
	assert.Equal(t, first, read(t, root, "etc/group"))
	assert.Contains(t, first, "media:x:2000:op\n")
	assert.Equal(t, 1, strings.Count(read(t, root, "etc/passwd"), "op:x:"))
	assert.Contains(t, read(t, root, "etc/shadow"), "op:$6$salt$hash:")
}

func TestApply_UpdatesExistingUser(t *testing.T) {
	root := baseRoot(t)
	put(t, root, "etc/passwd", "root:x:0:0::/root:/bin/bash\nop:x:1001:1001::/home/op:/bin/sh\n", 0o644)
	put(t, root, "etc/group", "root:x:0:root\nop:x:1001:\n", 0o644)

	_, err := NewApplier().Apply(context.Background(), root, &Settings{
		Users: []User{{Name: "op", Shell: "/bin/zsh", GECOS: "Operator"}},
	})
	require.NoError(t, err)
	passwd := read(t, root, "etc/passwd")
	assert.Contains(t, passwd, "op:x:1001:1001:Operator:/home/op:/bin/zsh\n")
	assert.Equal(t, 1, strings.Count(passwd, "op:x:"))
	assert.Contains(t, read(t, root, "etc/shadow"), "op:!:", "accounts without a password are locked")
}

func TestApply_DegradedSuccess(t *testing.T) {
	memfs := afero.NewMemMapFs()
	events := telemetry.NewEventPublisher()
	var warnings int
	events.Subscribe(func(*engine.Event) { warnings++ }, telemetry.FilterByType(engine.EventTypeWarning))

	a := NewApplier(WithFs(memfs), WithEvents(events, "build-1"))
	res, err := a.Apply(context.Background(), "/target", &Settings{
		Hostname: "dodos",
		Timezone: "Mars/Olympus_Mons",
		Services: []string{"missing.service"},
		Files:    []File{{Path: "etc/motd", Content: "hi\n"}},
	})

	var ce *engine.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"timezone", "service missing.service"}, ce.Steps)
	assert.Equal(t, engine.BuildStatusConfigurationIncomplete, engine.StatusFor(err))
	assert.Equal(t, []string{"hostname", "file etc/motd"}, res.Applied)
	assert.Equal(t, 2, warnings)

	data, err := afero.ReadFile(memfs, "/target/etc/motd")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))
}

func TestApply_IgnoresCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	memfs := afero.NewMemMapFs()

	_, err := NewApplier(WithFs(memfs)).Apply(ctx, "/target", &Settings{Hostname: "dodos"})
	require.NoError(t, err)
	ok, err := afero.Exists(memfs, "/target/etc/hostname")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApply_NothingToDo(t *testing.T) {
	res, err := NewApplier(WithFs(afero.NewMemMapFs())).Apply(context.Background(), "/target", &Settings{})
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Empty(t, res.Failed)
}

func TestScript_Timeout(t *testing.T) {
	a := NewApplier(WithFs(afero.NewMemMapFs()), WithScriptTimeout(50*time.Millisecond))
	res, err := a.Apply(context.Background(), "/target", &Settings{Scripts: []string{`
def spin():
    for i in range(1000000000):
        pass

spin()
`}})
	require.Error(t, err)
	require.Len(t, res.Failed, 1)
	assert.ErrorContains(t, res.Failed[0].Err, "timed out")
}

func TestScript_ConfinedToRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	require.NoError(t, os.Mkdir(root, 0o755))

	res, err := NewApplier().Apply(context.Background(), root, &Settings{Scripts: []string{
		"write_file('../escape', 'x')",
		"mkdir('/srv/data')\nsymlink('/srv/data', '/data')\nwrite_file('/srv/data/ok', read_file('/srv/data/ok') if exists('/srv/data/ok') else 'fresh')",
	}})
	require.Error(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "script 1", res.Failed[0].Step)
	assert.NoFileExists(t, filepath.Join(parent, "escape"))

	assert.Equal(t, "fresh", read(t, root, "srv/data/ok"))
	assert.Equal(t, "/srv/data", link(t, root, "data"))
}

func TestParseInstall(t *testing.T) {
	in := parseInstall([]byte(`[Unit]
WantedBy=ignored.target

[Install]
# comment
WantedBy=multi-user.target graphical.target
RequiredBy=network.target
Alias=sshd.service
`))
	assert.Equal(t, []string{"multi-user.target", "graphical.target"}, in.wantedBy)
	assert.Equal(t, []string{"network.target"}, in.requiredBy)
	assert.Equal(t, []string{"sshd.service"}, in.alias)
	assert.Empty(t, in.also)
}

func TestParseMode(t *testing.T) {
	m, err := parseMode("")
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o644), m)

	m, err = parseMode("4755")
	require.NoError(t, err)
	assert.Equal(t, fs.ModeSetuid|0o755, m)

	_, err = parseMode("999")
	assert.Error(t, err)
	_, err = parseMode("17777")
	assert.Error(t, err)
}
