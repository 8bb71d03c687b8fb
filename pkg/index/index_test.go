package index

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dodos-os/dodos/pkg/engine"
	"github.com/dodos-os/dodos/pkg/version"
)

const testDigest = "sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

type listSource struct {
	entries []engine.PackageMetadata
	err     error
}

func (s *listSource) List(context.Context) ([]engine.PackageMetadata, error) {
	return s.entries, s.err
}

func (s *listSource) Fetch(context.Context, engine.ArtifactRef) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func entry(name, ver string) engine.PackageMetadata {
	return engine.PackageMetadata{
		Name:    name,
		Version: ver,
		Digest:  testDigest,
		Locator: name + "-" + ver + ".pkg.tar.zst",
	}
}

func TestLoad(t *testing.T) {
	bash := entry("bash", "5.2-1")
	bash.Provides = []string{"sh=5.2"}
	bash.Depends = []string{"glibc>=2.38", "readline"}
	dash := entry("dash", "0.5-1")
	dash.Provides = []string{"sh"}

	src := &listSource{entries: []engine.PackageMetadata{
		entry("glibc", "2.38-1"),
		entry("glibc", "2.39-2"),
		entry("readline", "8.2-1"),
		bash,
		dash,
	}}

	idx, err := Load(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 5, idx.Len())
	assert.Equal(t, []string{"bash", "dash", "glibc", "readline"}, idx.Names())

	versions := idx.versions("glibc")
	require.Len(t, versions, 2)
	assert.Equal(t, "2.39-2", versions[0].ID.Version.String(), "highest first")

	providers := idx.Providers("sh")
	require.Len(t, providers, 2)
	assert.Equal(t, "bash", providers[0].ID.Name)
	assert.Equal(t, "dash", providers[1].ID.Name)

	self := idx.Providers("bash")
	require.Len(t, self, 1)
	assert.Len(t, self[0].Depends, 2)

	pkg, ok := idx.lookup(engine.PackageID{Name: "readline", Version: version.MustParse("8.2-1")})
	require.True(t, ok)
	assert.Equal(t, "readline-8.2-1.pkg.tar.zst", pkg.Artifact.Locator)

	assert.Empty(t, idx.Providers("zsh"))
}

func TestLoad_Malformed(t *testing.T) {
	badDep := entry("app", "1.0")
	badDep.Depends = []string{"lib>>2"}
	noDigest := entry("app", "1.0")
	noDigest.Digest = ""
	badDigest := entry("app", "1.0")
	badDigest.Digest = "md5:abc"
	badVersion := entry("app", "1.0-")
	badProvides := entry("app", "1.0")
	badProvides.Provides = []string{"=1"}

	for name, e := range map[string]engine.PackageMetadata{
		"constraint": badDep,
		"no digest":  noDigest,
		"digest":     badDigest,
		"version":    badVersion,
		"provides":   badProvides,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := FromMetadata([]engine.PackageMetadata{e})
			var ie *engine.IndexError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, engine.IndexMalformedEntry, ie.Kind)
		})
	}
}

func TestLoad_Duplicate(t *testing.T) {
	_, err := FromMetadata([]engine.PackageMetadata{entry("a", "1.0"), entry("a", "1.0")})
	var ie *engine.IndexError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, engine.IndexDuplicateEntry, ie.Kind)
	assert.Equal(t, "a-1.0", ie.Entry)
}

func TestLoad_SourceUnavailable(t *testing.T) {
	_, err := Load(context.Background(), &listSource{err: errors.New("dial tcp: refused")})
	var ie *engine.IndexError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, engine.IndexSourceUnavailable, ie.Kind)
	assert.True(t, engine.IsTransient(err))
}
