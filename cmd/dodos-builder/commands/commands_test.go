package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dodos-os/dodos/pkg/assembler"
	"github.com/dodos-os/dodos/pkg/cache"
	"github.com/dodos-os/dodos/pkg/engine"
	"github.com/dodos-os/dodos/pkg/stores"
	"github.com/dodos-os/dodos/pkg/version"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// writeSettings writes a settings file whose cache and state database live
// in a temporary directory.
func writeSettings(t *testing.T) (path, dir string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "builder.toml")
	content := fmt.Sprintf(`cache_dir = %q
state_db = %q
workers = 7

[log]
level = "error"
`, filepath.Join(dir, "cache"), filepath.Join(dir, "state.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, dir
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 12, ExitCode(&statusError{status: engine.BuildStatusFetchFailure}))
	assert.Equal(t, 10, ExitCode(fmt.Errorf("wrapped: %w",
		&statusError{status: engine.BuildStatusConfigurationIncomplete})))
	assert.Equal(t, 130, ExitCode(fmt.Errorf("loading: %w", context.Canceled)))
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "build.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
repository:
  url: file:///srv/repo/$repo
  repos: [core]
target: /mnt/root
packages:
  base: ""
`), 0o644))

	out, err := execute(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "1 package(s) for /mnt/root")

	out, err = execute(t, "validate", good, "--target", "/mnt/other")
	require.NoError(t, err)
	assert.Contains(t, out, "/mnt/other")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
repository:
  url: file:///srv/repo/$repo
  repos: [core]
target: /mnt/root
packages:
  base: ">=<1"
`), 0o644))

	out, err = execute(t, "validate", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation error")
	assert.Contains(t, out, "packages.base")
	assert.Equal(t, 1, ExitCode(err))
}

func TestSettingsCommand(t *testing.T) {
	path, dir := writeSettings(t)

	out, err := execute(t, "settings", "--settings", path)
	require.NoError(t, err)
	assert.Contains(t, out, "workers = 7")
	assert.Contains(t, out, filepath.Join(dir, "cache"))

	_, err = execute(t, "settings", "--settings", filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestHistoryCommands(t *testing.T) {
	path, _ := writeSettings(t)

	out, err := execute(t, "history", "list", "--settings", path)
	require.NoError(t, err)
	assert.Contains(t, out, "no builds recorded")

	_, err = execute(t, "history", "show", "no-such-build", "--settings", path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, stores.ErrNotFound))

	out, err = execute(t, "history", "prune", "--keep", "5", "--settings", path, "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"deleted": 0}`, out)
}

func TestCacheVerifyRemovesCorruptObjects(t *testing.T) {
	path, dir := writeSettings(t)
	ctx := context.Background()

	store, err := cache.NewStore(filepath.Join(dir, "cache"))
	require.NoError(t, err)

	good, _, err := cache.Compute(cache.SHA256, strings.NewReader("good"))
	require.NoError(t, err)
	goodPath, _, err := store.Ingest(strings.NewReader("good"), good, 4)
	require.NoError(t, err)

	bad, _, err := cache.Compute(cache.SHA256, strings.NewReader("expected"))
	require.NoError(t, err)
	badPath := store.Path(bad)
	require.NoError(t, os.MkdirAll(filepath.Dir(badPath), 0o755))
	require.NoError(t, os.WriteFile(badPath, []byte("tampered"), 0o644))

	db, err := stores.Open(ctx, stores.Config{Path: filepath.Join(dir, "state.db")})
	require.NoError(t, err)
	for _, d := range []cache.Digest{good, bad} {
		require.NoError(t, db.RecordCacheEntry(ctx, &engine.Artifact{
			ID:     engine.PackageID{Name: "pkg", Version: version.MustParse("1.0-1")},
			Digest: d.String(),
			Size:   4,
			Path:   store.Path(d),
		}))
	}
	require.NoError(t, db.Close())

	out, err := execute(t, "cache", "verify", "--dry-run", "--json", "--settings", path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"checked": 2, "corrupt": 1, "forgotten": 0}`, out)
	assert.FileExists(t, badPath)

	out, err = execute(t, "cache", "verify", "--json", "--settings", path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"checked": 2, "corrupt": 1, "forgotten": 0}`, out)
	assert.NoFileExists(t, badPath)
	assert.FileExists(t, goodPath)

	out, err = execute(t, "cache", "stats", "--json", "--settings", path)
	require.NoError(t, err)
	var st cacheStats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 1, st.Objects)
	assert.Equal(t, int64(4), st.Bytes)
	assert.Equal(t, 1, st.Indexed)

	db, err = stores.Open(ctx, stores.Config{Path: filepath.Join(dir, "state.db")})
	require.NoError(t, err)
	defer db.Close()
	_, err = db.GetCacheEntry(ctx, bad.String())
	assert.ErrorIs(t, err, stores.ErrNotFound)
}

func TestRecoverCommand(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(target, 0o755))

	out, err := execute(t, "recover", "--target", target, "--json")
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{"target": %q, "pending": false}`, target), out)

	staging := filepath.Join(dir, ".root.dodos-staging")
	require.NoError(t, os.MkdirAll(staging, 0o755))
	data, err := assembler.MarshalJournal(&assembler.Journal{
		Version:       1,
		Target:        target,
		Staging:       staging,
		Phase:         "exchange",
		StartedAt:     1700000000,
		TargetExisted: true,
	})
	require.NoError(t, err)
	journal := filepath.Join(dir, ".root.dodos-journal")
	require.NoError(t, os.WriteFile(journal, data, 0o600))

	out, err = execute(t, "recover", "--target", target)
	require.NoError(t, err)
	assert.Contains(t, out, "Unfinished promotion of "+target)
	assert.Contains(t, out, "exchange of staging root and target")
	assert.FileExists(t, journal)

	out, err = execute(t, "recover", "--target", target, "--clear", "--json")
	require.NoError(t, err)
	var got recoverJSON
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, got.Pending)
	assert.True(t, got.Cleared)
	assert.Equal(t, "exchange", got.Phase)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, int64(1700000000), got.StartedAt.Unix())
	require.Len(t, got.Trees, 2)
	assert.Equal(t, staging, got.Trees[1].Path)
	assert.True(t, got.Trees[1].Exists)
	assert.NoFileExists(t, journal)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 MiB", formatBytes(2<<20))
}
