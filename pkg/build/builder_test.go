package build

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dodos-os/dodos/pkg/archive"
	"github.com/dodos-os/dodos/pkg/cache"
	"github.com/dodos-os/dodos/pkg/config"
	"github.com/dodos-os/dodos/pkg/engine"
	"github.com/dodos-os/dodos/pkg/osfs"
	"github.com/dodos-os/dodos/pkg/source"
	"github.com/dodos-os/dodos/pkg/stores"
	"github.com/dodos-os/dodos/pkg/sysconfig"
	"github.com/dodos-os/dodos/pkg/transaction"
)

func archiveBytes(t *testing.T, files ...archive.File) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, archive.Write(&buf, archive.FormatZstd, files))
	return buf.Bytes()
}

var (
	libcFiles = []archive.File{
		{Path: "usr/", Type: archive.TypeDir, Mode: 0o755},
		{Path: "usr/lib/", Type: archive.TypeDir, Mode: 0o755},
		{Path: "usr/lib/libc.so.6", Mode: 0o755, Content: []byte("libc 2.1")},
	}
	baseFiles = []archive.File{
		{Path: "etc/", Type: archive.TypeDir, Mode: 0o755},
		{Path: "etc/os-release", Mode: 0o644, Content: []byte("NAME=dodos\n")},
		{Path: "usr/", Type: archive.TypeDir, Mode: 0o755},
		{Path: "usr/bin/", Type: archive.TypeDir, Mode: 0o755},
		{Path: "usr/bin/base", Mode: 0o755, Content: []byte("base 1.2")},
	}
)

// baseRepo holds base-1.2, which depends on libc>=2.0, and libc-2.1.
func baseRepo(t *testing.T) *source.Memory {
	src := source.NewMemory()
	src.Add(engine.PackageMetadata{Name: "libc", Version: "2.1"}, archiveBytes(t, libcFiles...))
	src.Add(engine.PackageMetadata{Name: "base", Version: "1.2", Depends: []string{"libc>=2.0"}},
		archiveBytes(t, baseFiles...))
	return src
}

type fixture struct {
	cache  *cache.Store
	store  *stores.SQLiteStore
	target string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cs, err := cache.NewStore(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	st, err := stores.Open(context.Background(), stores.Config{Path: stores.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return &fixture{cache: cs, store: st, target: filepath.Join(t.TempDir(), "root")}
}

func (f *fixture) builder(t *testing.T, src engine.PackageSource, opts ...Option) *Builder {
	t.Helper()
	opts = append([]Option{
		WithStore(f.store),
		WithCacheIndex(f.store),
		WithMaxAttempts(2),
		WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }),
	}, opts...)
	b, err := New(src, osfs.NewOS(), f.cache, opts...)
	require.NoError(t, err)
	return b
}

func (f *fixture) config(packages map[string]string) *config.BuildConfig {
	cfg := &config.BuildConfig{
		Repository:  source.Config{URL: "memory", Repos: []string{"core"}},
		Target:      f.target,
		Packages:    packages,
		SourceFiles: []string{"build.cue"},
	}
	cfg.Defaults()
	return cfg
}

func names(p *engine.Plan) []string {
	var out []string
	for _, pkg := range p.Packages {
		out = append(out, pkg.ID.String())
	}
	return out
}

type fakeInstaller struct {
	err   error
	calls []string
}

func (f *fakeInstaller) Install(_ context.Context, root string) error {
	f.calls = append(f.calls, root)
	return f.err
}

func TestBuild_BaseAndLibc(t *testing.T) {
	f := newFixture(t)
	boot := &fakeInstaller{}
	b := f.builder(t, baseRepo(t), WithBootloader(boot))
	ctx := context.Background()

	cfg := f.config(map[string]string{"base": ">=1.0"})
	cfg.System = &sysconfig.Settings{Hostname: "dodos"}

	report, err := b.Build(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, engine.BuildStatusSuccess, report.Status)
	assert.Equal(t, 0, report.Status.ExitCode())
	assert.Equal(t, []string{"libc-2.1", "base-1.2"}, names(report.Plan))
	assert.Equal(t, 2, report.Downloaded)
	assert.True(t, report.Policy.Allowed)
	assert.Equal(t, []string{f.target}, boot.calls)

	data, err := os.ReadFile(filepath.Join(f.target, "usr/bin/base"))
	require.NoError(t, err)
	assert.Equal(t, "base 1.2", string(data))
	data, err = os.ReadFile(filepath.Join(f.target, "etc/hostname"))
	require.NoError(t, err)
	assert.Equal(t, "dodos\n", string(data))
	_, err = os.Stat(filepath.Join(f.target, transaction.InstalledDBPath))
	assert.NoError(t, err)

	rec, err := f.store.GetBuild(ctx, report.Build.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.BuildStatusSuccess, rec.Status)
	assert.Equal(t, 2, rec.Packages)
	assert.Equal(t, 2, rec.Downloaded)
	assert.Equal(t, "build.cue", rec.ConfigPath)
	require.NotNil(t, rec.CompletedAt)

	entries, err := f.store.PlanEntries(ctx, report.Build.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "libc", entries[0].Name)
	assert.True(t, entries[1].Requested)

	events, err := f.store.Events(ctx, report.Build.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, engine.EventTypeBuildStarted, events[0].Type)
	assert.Equal(t, engine.EventTypeBuildCompleted, events[len(events)-1].Type)

	cached, err := f.store.CacheEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, cached, 2)

	// A rebuild reuses the cache and keeps the target.
	again, err := b.Build(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Downloaded)
	assert.Equal(t, 2, again.Cached)
	data, err = os.ReadFile(filepath.Join(f.target, "usr/lib/libc.so.6"))
	require.NoError(t, err)
	assert.Equal(t, "libc 2.1", string(data))

	builds, err := f.store.ListBuilds(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, builds, 2)
}

func TestResolve_ConflictingRequest(t *testing.T) {
	f := newFixture(t)
	src := source.NewMemory()
	src.Add(engine.PackageMetadata{Name: "app", Version: "1.0", Conflicts: []string{"lib=2.0"}},
		archiveBytes(t, archive.File{Path: "usr/bin/app", Mode: 0o755, Content: []byte("app")}))
	src.Add(engine.PackageMetadata{Name: "lib", Version: "2.0"},
		archiveBytes(t, archive.File{Path: "usr/lib/lib.so", Mode: 0o644, Content: []byte("lib")}))
	b := f.builder(t, src)

	report, err := b.Build(context.Background(), f.config(map[string]string{"app": "1.0", "lib": "2.0"}))
	var re *engine.ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, []string{"app", "lib"}, re.Requested)
	require.NotEmpty(t, re.Conflicts)
	assert.Equal(t, engine.ConflictPackages, re.Conflicts[0].Kind)
	assert.Nil(t, report.Plan, "no partial plan")
	assert.Equal(t, engine.BuildStatusResolutionConflict, report.Status)
	assert.Equal(t, 11, report.Status.ExitCode())

	_, err = os.Stat(f.target)
	assert.True(t, os.IsNotExist(err))
}

func TestBuild_CorruptArtifact(t *testing.T) {
	f := newFixture(t)
	src := source.NewMemory()
	src.Add(engine.PackageMetadata{Name: "libc", Version: "2.1"}, archiveBytes(t, libcFiles...))
	good := src.Add(engine.PackageMetadata{Name: "base", Version: "1.2", Depends: []string{"libc>=2.0"}},
		archiveBytes(t, baseFiles...))
	// Serve other bytes of the same size under the declared digest.
	corrupt := source.NewMemory()
	corrupt.Add(engine.PackageMetadata{Name: "libc", Version: "2.1"}, archiveBytes(t, libcFiles...))
	corrupt.Add(engine.PackageMetadata{
		Name: "base", Version: "1.2", Depends: []string{"libc>=2.0"},
		Digest: good.Digest, Size: good.Size,
	}, bytes.Repeat([]byte{'x'}, int(good.Size)))

	b := f.builder(t, corrupt)
	report, err := b.Build(context.Background(), f.config(map[string]string{"base": ">=1.0"}))

	var ve *engine.VerificationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "base-1.2", ve.Package.String())
	assert.Equal(t, engine.BuildStatusFetchFailure, report.Status)
	assert.Equal(t, 12, report.Status.ExitCode())

	d, err := cache.ParseDigest(good.Digest)
	require.NoError(t, err)
	_, _, ok := f.cache.Lookup(d)
	assert.False(t, ok, "corrupt bytes never reach the store")

	_, err = os.Stat(f.target)
	assert.True(t, os.IsNotExist(err), "target untouched")

	rec, err := f.store.GetBuild(context.Background(), report.Build.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.BuildStatusFetchFailure, rec.Status)
	assert.Contains(t, rec.Error, "base-1.2")
}

func TestBuild_PolicyGate(t *testing.T) {
	f := newFixture(t)
	b := f.builder(t, baseRepo(t))

	cfg := f.config(map[string]string{"base": ""})
	cfg.Policies.DenyPackages = []string{"libc"}

	report, err := b.Build(context.Background(), cfg)
	var pe *engine.PolicyError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, engine.BuildStatusPolicyViolation, report.Status)
	assert.False(t, report.Policy.Allowed)
	assert.NotNil(t, report.Plan)

	stats, err := f.cache.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Objects, "nothing is downloaded before the gate")
}

func TestBuild_BootloaderFailureIsDegradedSuccess(t *testing.T) {
	f := newFixture(t)
	boot := &fakeInstaller{err: errors.New("bootctl failed")}
	b := f.builder(t, baseRepo(t), WithBootloader(boot))

	report, err := b.Build(context.Background(), f.config(map[string]string{"base": ""}))
	var ce *engine.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"bootloader"}, ce.Steps)
	assert.Equal(t, engine.BuildStatusConfigurationIncomplete, report.Status)
	assert.True(t, report.Status.IsSuccess())

	_, err = os.Stat(filepath.Join(f.target, "usr/bin/base"))
	assert.NoError(t, err, "packages stay committed")
}

func TestBuild_ConfigurationFailureSkipsBootloader(t *testing.T) {
	f := newFixture(t)
	boot := &fakeInstaller{}
	b := f.builder(t, baseRepo(t), WithBootloader(boot))

	cfg := f.config(map[string]string{"base": ""})
	cfg.System = &sysconfig.Settings{Hostname: "dodos", Timezone: "Mars/Olympus"}

	report, err := b.Build(context.Background(), cfg)
	var ce *engine.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"timezone"}, ce.Steps)
	assert.Equal(t, engine.BuildStatusConfigurationIncomplete, report.Status)
	assert.Empty(t, boot.calls, "bootloader must not run on an unconfigured root")

	hostname, err := os.ReadFile(filepath.Join(f.target, "etc/hostname"))
	require.NoError(t, err)
	assert.Equal(t, "dodos\n", string(hostname))
}

func TestBuild_StagingFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	fault := &osfs.FaultFS{FS: osfs.NewOS(), Fail: func(op, path string) error {
		if op == "write" && filepath.Base(path) == "base" {
			return errors.New("disk on fire")
		}
		return nil
	}}
	cs, err := cache.NewStore(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	b, err := New(baseRepo(t), fault, cs, WithStore(f.store))
	require.NoError(t, err)

	report, err := b.Build(context.Background(), f.config(map[string]string{"base": ""}))
	var se *engine.StagingError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, engine.BuildStatusStagingFailure, report.Status)

	_, err = os.Stat(f.target)
	assert.True(t, os.IsNotExist(err), "target untouched")
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(f.target), ".root.dodos-staging*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "staging root discarded")

	events, err := f.store.Events(context.Background(), report.Build.ID, 0)
	require.NoError(t, err)
	var rolledBack bool
	for _, e := range events {
		rolledBack = rolledBack || e.Type == engine.EventTypeRolledBack
	}
	assert.True(t, rolledBack)
}

func TestBuild_Cancelled(t *testing.T) {
	f := newFixture(t)
	b := f.builder(t, baseRepo(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := b.Build(ctx, f.config(map[string]string{"base": ""}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, engine.BuildStatusCancelled, report.Status)
	assert.Equal(t, 130, report.Status.ExitCode())

	rec, err := f.store.GetBuild(context.Background(), report.Build.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.BuildStatusCancelled, rec.Status)
}

func TestResolveAndFetch_RecordNoHistory(t *testing.T) {
	f := newFixture(t)
	b := f.builder(t, baseRepo(t))
	ctx := context.Background()
	cfg := f.config(map[string]string{"base": ""})

	report, err := b.Resolve(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"libc-2.1", "base-1.2"}, names(report.Plan))
	assert.Nil(t, report.Artifacts)

	report, err = b.Fetch(ctx, cfg)
	require.NoError(t, err)
	assert.Len(t, report.Artifacts, 2)
	assert.Equal(t, 2, report.Downloaded)

	builds, err := f.store.ListBuilds(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, builds)
	_, err = os.Stat(f.target)
	assert.True(t, os.IsNotExist(err))
}
