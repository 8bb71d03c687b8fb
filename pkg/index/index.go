// Package index builds the in-memory package index a build resolves against.
//
// The index is rebuilt from the package source on every run and is immutable
// once loaded, so it can be shared freely.
package index

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dodos-os/dodos/pkg/engine"
	"github.com/dodos-os/dodos/pkg/version"
)

var digestPattern = regexp.MustCompile(`^((sha256|blake3):)?[0-9a-f]{64}$`)

// Index maps package names and provisions to indexed packages.
type Index struct {
	byName    map[string][]*engine.Package
	providers map[string][]*engine.Package
	byID      map[engine.PackageID]*engine.Package
	names     []string
}

// Load lists src and indexes every entry. Any malformed or duplicate entry
// fails the whole load.
func Load(ctx context.Context, src engine.PackageSource) (*Index, error) {
	entries, err := src.List(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &engine.IndexError{Kind: engine.IndexSourceUnavailable, Err: err}
	}
	return FromMetadata(entries)
}

// FromMetadata indexes already listed entries.
func FromMetadata(entries []engine.PackageMetadata) (*Index, error) {
	validate := validator.New()
	idx := &Index{
		byName:    make(map[string][]*engine.Package),
		providers: make(map[string][]*engine.Package),
		byID:      make(map[engine.PackageID]*engine.Package, len(entries)),
	}

	for i := range entries {
		pkg, err := parseEntry(validate, &entries[i])
		if err != nil {
			return nil, err
		}
		if _, dup := idx.byID[pkg.ID]; dup {
			return nil, &engine.IndexError{
				Kind:    engine.IndexDuplicateEntry,
				Entry:   pkg.ID.String(),
				Message: "listed more than once",
			}
		}
		idx.byID[pkg.ID] = pkg
		idx.byName[pkg.ID.Name] = append(idx.byName[pkg.ID.Name], pkg)

		idx.providers[pkg.ID.Name] = append(idx.providers[pkg.ID.Name], pkg)
		for _, prov := range pkg.Provides {
			if prov.Name == pkg.ID.Name {
				continue
			}
			idx.providers[prov.Name] = appendUnique(idx.providers[prov.Name], pkg)
		}
	}

	for name, versions := range idx.byName {
		slices.SortFunc(versions, func(a, b *engine.Package) int {
			return b.ID.Version.Compare(a.ID.Version)
		})
		idx.names = append(idx.names, name)
	}
	for _, provs := range idx.providers {
		slices.SortFunc(provs, func(a, b *engine.Package) int {
			if a.ID.Name != b.ID.Name {
				return strings.Compare(a.ID.Name, b.ID.Name)
			}
			return b.ID.Version.Compare(a.ID.Version)
		})
	}
	slices.Sort(idx.names)
	return idx, nil
}

func appendUnique(list []*engine.Package, pkg *engine.Package) []*engine.Package {
	for _, p := range list {
		if p == pkg {
			return list
		}
	}
	return append(list, pkg)
}

func parseEntry(validate *validator.Validate, m *engine.PackageMetadata) (*engine.Package, error) {
	entry := m.Name
	if m.Version != "" {
		entry += "-" + m.Version
	}
	malformed := func(format string, args ...interface{}) error {
		return &engine.IndexError{
			Kind:    engine.IndexMalformedEntry,
			Entry:   entry,
			Message: fmt.Sprintf(format, args...),
		}
	}

	if err := validate.Struct(m); err != nil {
		return nil, malformed("%v", err)
	}
	if !version.ValidName(m.Name) {
		return nil, malformed("invalid name %q", m.Name)
	}
	v, err := version.Parse(m.Version)
	if err != nil {
		return nil, malformed("%v", err)
	}
	digest := strings.ToLower(m.Digest)
	if !digestPattern.MatchString(digest) {
		return nil, malformed("invalid digest %q", m.Digest)
	}

	pkg := &engine.Package{
		ID:          engine.PackageID{Name: m.Name, Version: v},
		Replaces:    slices.Clone(m.Replaces),
		Files:       slices.Clone(m.Files),
		Arch:        m.Arch,
		Description: m.Description,
		Repository:  m.Repository,
		Artifact: engine.ArtifactRef{
			Digest:  digest,
			Size:    m.Size,
			Locator: m.Locator,
		},
	}
	for _, raw := range m.Depends {
		c, err := version.ParseConstraint(raw)
		if err != nil {
			return nil, malformed("depends: %v", err)
		}
		pkg.Depends = append(pkg.Depends, c)
	}
	for _, raw := range m.Conflicts {
		c, err := version.ParseConstraint(raw)
		if err != nil {
			return nil, malformed("conflicts: %v", err)
		}
		pkg.Conflicts = append(pkg.Conflicts, c)
	}
	for _, raw := range m.Provides {
		p, err := version.ParseProvision(raw)
		if err != nil {
			return nil, malformed("provides: %v", err)
		}
		pkg.Provides = append(pkg.Provides, p)
	}
	return pkg, nil
}

// versions returns every indexed version of name, highest first.
func (idx *Index) versions(name string) []*engine.Package {
	return slices.Clone(idx.byName[name])
}

// lookup returns the package with the given identity.
func (idx *Index) lookup(id engine.PackageID) (*engine.Package, bool) {
	pkg, ok := idx.byID[id]
	return pkg, ok
}

// Providers returns the packages named name or providing name, ordered by
// name and then highest version first.
func (idx *Index) Providers(name string) []*engine.Package {
	return slices.Clone(idx.providers[name])
}

// Names returns every package name, sorted.
func (idx *Index) Names() []string {
	return slices.Clone(idx.names)
}

// Len returns the number of indexed packages.
func (idx *Index) Len() int {
	return len(idx.byID)
}
