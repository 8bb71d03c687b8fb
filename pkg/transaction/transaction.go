// Package transaction turns a resolved plan into the ordered filesystem
// operations that install it.
package transaction

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/dodos-os/dodos/pkg/archive"
	"github.com/dodos-os/dodos/pkg/cache"
	"github.com/dodos-os/dodos/pkg/engine"
	"github.com/dodos-os/dodos/pkg/telemetry"
	"github.com/dodos-os/dodos/pkg/version"
)

// OpKind is the kind of a filesystem operation.
type OpKind string

const (
	OpMkdir   OpKind = "mkdir"
	OpWrite   OpKind = "write"
	OpSymlink OpKind = "symlink"
	OpLink    OpKind = "link"
	OpChmod   OpKind = "chmod"
	OpRemove  OpKind = "remove"
	OpRmdir   OpKind = "rmdir"
)

// BuilderOwner owns the operations the builder adds itself.
const BuilderOwner = "dodos-builder"

// Operation is one filesystem operation. Paths are slash separated and
// relative to the root the transaction is applied to.
type Operation struct {
	Kind OpKind `json:"kind"`
	Path string `json:"path"`

	// Package is the name-version of the owning package.
	Package string `json:"package"`

	Mode fs.FileMode `json:"mode,omitempty"`

	// Digest and Size describe the content of write and link operations.
	Digest string `json:"digest,omitempty"`
	Size   int64  `json:"size,omitempty"`

	// Target is the symlink target, or the root relative path a hard link
	// points at.
	Target string `json:"target,omitempty"`

	// Artifact is the archive holding the content of a write. Data holds
	// the content of builder generated files instead.
	Artifact string `json:"artifact,omitempty"`
	Data     []byte `json:"-"`
}

func (op Operation) String() string {
	switch op.Kind {
	case OpSymlink, OpLink:
		return fmt.Sprintf("%s %s -> %s (%s)", op.Kind, op.Path, op.Target, op.Package)
	default:
		return fmt.Sprintf("%s %s (%s)", op.Kind, op.Path, op.Package)
	}
}

// Transaction is an ordered list of operations. Removals of superseded
// packages precede the operations of the package superseding them, and
// every package's operations follow those of its dependencies.
type Transaction struct {
	Ops []Operation

	// Installed is the installed database the transaction writes.
	Installed *InstalledDB

	// Removed lists the name-version of every package removed.
	Removed []string
}

// Len returns the number of operations.
func (t *Transaction) Len() int { return len(t.Ops) }

// Summary counts operations by kind.
func (t *Transaction) Summary() map[OpKind]int {
	counts := make(map[OpKind]int)
	for _, op := range t.Ops {
		counts[op.Kind]++
	}
	return counts
}

// Planner builds transactions.
type Planner struct {
	prune bool
	log   *telemetry.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithPrune controls whether installed packages that are no longer planned
// are removed. On by default.
func WithPrune(prune bool) Option {
	return func(p *Planner) { p.prune = prune }
}

// WithLogger sets the logger.
func WithLogger(log *telemetry.Logger) Option {
	return func(p *Planner) { p.log = log }
}

// NewPlanner creates a planner.
func NewPlanner(opts ...Option) *Planner {
	p := &Planner{prune: true, log: telemetry.NewNopLogger()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type entry struct {
	path   string
	typ    archive.EntryType
	mode   fs.FileMode
	digest string
	size   int64
	target string
}

type manifest struct {
	pkg      *engine.Package
	owner    string
	artifact string
	entries  []entry
}

func (m *manifest) split() (files, dirs []string) {
	for _, e := range m.entries {
		if e.typ == archive.TypeDir {
			dirs = append(dirs, e.path)
		} else {
			files = append(files, e.path)
		}
	}
	return files, dirs
}

// Plan walks plan in order and expands each package's archive into
// operations. installed is the database of the root the transaction will be
// applied to and may be nil for an empty root.
func (p *Planner) Plan(plan *engine.Plan, artifacts map[engine.PackageID]*engine.Artifact, installed *InstalledDB) (*Transaction, error) {
	if installed == nil {
		installed = &InstalledDB{Version: installedDBVersion}
	}

	manifests := make([]*manifest, len(plan.Packages))
	position := make(map[string]int, len(plan.Packages))
	for i, pkg := range plan.Packages {
		art, ok := artifacts[pkg.ID]
		if !ok || art == nil {
			return nil, fmt.Errorf("no artifact for %s", pkg.ID)
		}
		m, err := readManifest(pkg, art)
		if err != nil {
			return nil, err
		}
		manifests[i] = m
		position[pkg.ID.Name] = i
	}

	owners, dirs, err := claimPaths(manifests)
	if err != nil {
		return nil, err
	}

	removeBefore := make(map[int][]InstalledPackage)
	var orphans, retained []InstalledPackage
	for _, rec := range installed.Packages {
		if pos, ok := position[rec.Name]; ok {
			if plan.Packages[pos].ID.Version.String() != rec.Version {
				removeBefore[pos] = append(removeBefore[pos], rec)
			}
			continue
		}
		if pos, ok := supersededBy(plan, rec); ok {
			removeBefore[pos] = append(removeBefore[pos], rec)
			continue
		}
		if p.prune {
			orphans = append(orphans, rec)
			continue
		}
		retained = append(retained, rec)
		for _, f := range rec.Files {
			if owner, taken := owners[f]; taken {
				return nil, &engine.ConflictError{
					Kind:    engine.ConflictFileOwnedElsewhere,
					Path:    f,
					Package: owner,
					Owner:   rec.ID(),
				}
			}
		}
	}

	txn := &Transaction{Installed: &InstalledDB{Version: installedDBVersion}}
	keep := func(p string) bool {
		_, owned := owners[p]
		return owned || dirs[p]
	}
	emitRemoval := func(rec InstalledPackage) {
		txn.Ops = append(txn.Ops, removalOps(rec, keep)...)
		txn.Removed = append(txn.Removed, rec.ID())
		p.log.WithPackage(rec.Name, rec.Version).Debug("package scheduled for removal")
	}

	sort.Slice(orphans, func(i, j int) bool { return orphans[i].Name < orphans[j].Name })
	for _, rec := range orphans {
		emitRemoval(rec)
	}

	for i, m := range manifests {
		for _, rec := range removeBefore[i] {
			emitRemoval(rec)
		}
		txn.Ops = append(txn.Ops, m.ops()...)

		files, dirs := m.split()
		txn.Installed.Packages = append(txn.Installed.Packages, installedFrom(m.pkg, files, dirs))
	}
	txn.Installed.Packages = append(txn.Installed.Packages, retained...)

	dbOps, err := installedDBOps(txn.Installed)
	if err != nil {
		return nil, err
	}
	txn.Ops = append(txn.Ops, dbOps...)

	p.log.Debugf("planned %d operations for %d packages, %d removals",
		len(txn.Ops), len(manifests), len(txn.Removed))
	return txn, nil
}

func readManifest(pkg *engine.Package, art *engine.Artifact) (*manifest, error) {
	rc, err := art.Open()
	if err != nil {
		return nil, fmt.Errorf("opening artifact of %s: %w", pkg.ID, err)
	}
	defer rc.Close()

	m := &manifest{pkg: pkg, owner: pkg.ID.String(), artifact: art.Path}
	digests := make(map[string]entry)
	err = archive.Walk(rc, func(e *archive.Entry, body io.Reader) error {
		ent := entry{path: e.Path, typ: e.Type, mode: e.Mode, target: e.Linkname}
		switch e.Type {
		case archive.TypeFile:
			d, n, err := cache.Compute(cache.SHA256, body)
			if err != nil {
				return err
			}
			ent.digest, ent.size = d.String(), n
			digests[e.Path] = ent
		case archive.TypeHardlink:
			target, ok := digests[e.Linkname]
			if !ok {
				return &engine.ConflictError{Kind: engine.ConflictUnsafePath, Path: e.Path, Package: m.owner}
			}
			ent.digest, ent.size, ent.mode = target.digest, target.size, target.mode
		}
		m.entries = append(m.entries, ent)
		return nil
	})
	if err != nil {
		var ce *engine.ConflictError
		if errors.As(err, &ce) {
			return nil, ce
		}
		if errors.Is(err, archive.ErrUnsafePath) {
			return nil, &engine.ConflictError{Kind: engine.ConflictUnsafePath, Path: err.Error(), Package: m.owner}
		}
		return nil, fmt.Errorf("reading archive of %s: %w", pkg.ID, err)
	}
	return m, nil
}

// claimPaths assigns every non-directory path to exactly one package and
// rejects paths that would be written through a planned symlink.
func claimPaths(manifests []*manifest) (map[string]string, map[string]bool, error) {
	owners := make(map[string]string)
	dirs := make(map[string]bool)
	symlinks := make(map[string]bool)

	for _, m := range manifests {
		for _, e := range m.entries {
			if e.typ == archive.TypeDir {
				if owner, ok := owners[e.path]; ok {
					return nil, nil, &engine.ConflictError{Kind: engine.ConflictTypeMismatch, Path: e.path, Package: m.owner, Owner: owner}
				}
				dirs[e.path] = true
				continue
			}
			if dirs[e.path] {
				return nil, nil, &engine.ConflictError{Kind: engine.ConflictTypeMismatch, Path: e.path, Package: m.owner}
			}
			if owner, ok := owners[e.path]; ok && owner != m.owner {
				return nil, nil, &engine.ConflictError{Kind: engine.ConflictFileOwnedElsewhere, Path: e.path, Package: m.owner, Owner: owner}
			}
			owners[e.path] = m.owner
			if e.typ == archive.TypeSymlink {
				symlinks[e.path] = true
			}
		}
	}

	for _, m := range manifests {
		for _, e := range m.entries {
			for dir := path.Dir(e.path); dir != "."; dir = path.Dir(dir) {
				if symlinks[dir] {
					return nil, nil, &engine.ConflictError{Kind: engine.ConflictUnsafePath, Path: e.path, Package: m.owner, Owner: owners[dir]}
				}
			}
		}
	}
	return owners, dirs, nil
}

// supersededBy returns the position of the first planned package that
// conflicts with or replaces an installed one.
func supersededBy(plan *engine.Plan, rec InstalledPackage) (int, bool) {
	ver, err := version.Parse(rec.Version)
	if err != nil {
		return 0, false
	}
	var provisions []version.Provision
	for _, s := range rec.Provides {
		if prov, err := version.ParseProvision(s); err == nil {
			provisions = append(provisions, prov)
		}
	}

	for i, pkg := range plan.Packages {
		for _, name := range pkg.Replaces {
			if name == rec.Name {
				return i, true
			}
		}
		for _, c := range pkg.Conflicts {
			if c.Name == rec.Name && c.Range.Matches(ver) {
				return i, true
			}
			for _, prov := range provisions {
				if prov.Satisfies(c) {
					return i, true
				}
			}
		}
	}
	return 0, false
}

func (m *manifest) ops() []Operation {
	var ops []Operation
	for _, e := range m.entries {
		switch e.typ {
		case archive.TypeDir:
			ops = append(ops,
				Operation{Kind: OpMkdir, Path: e.path, Package: m.owner, Mode: e.mode},
				Operation{Kind: OpChmod, Path: e.path, Package: m.owner, Mode: e.mode},
			)
		case archive.TypeFile:
			ops = append(ops, Operation{
				Kind:     OpWrite,
				Path:     e.path,
				Package:  m.owner,
				Mode:     e.mode,
				Digest:   e.digest,
				Size:     e.size,
				Artifact: m.artifact,
			})
			if e.mode&(fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky) != 0 {
				ops = append(ops, Operation{Kind: OpChmod, Path: e.path, Package: m.owner, Mode: e.mode})
			}
		case archive.TypeSymlink:
			ops = append(ops, Operation{Kind: OpSymlink, Path: e.path, Package: m.owner, Target: e.target})
		case archive.TypeHardlink:
			ops = append(ops, Operation{
				Kind:    OpLink,
				Path:    e.path,
				Package: m.owner,
				Mode:    e.mode,
				Digest:  e.digest,
				Size:    e.size,
				Target:  e.target,
			})
		}
	}
	return ops
}

// removalOps deletes the files of rec, then its directories deepest first.
// Paths that keep reports as still owned are left alone.
func removalOps(rec InstalledPackage, keep func(string) bool) []Operation {
	owner := rec.ID()
	var ops []Operation

	files := append([]string(nil), rec.Files...)
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	for _, f := range files {
		if !keep(f) {
			ops = append(ops, Operation{Kind: OpRemove, Path: f, Package: owner})
		}
	}

	dirs := append([]string(nil), rec.Dirs...)
	sort.Slice(dirs, func(i, j int) bool {
		di, dj := strings.Count(dirs[i], "/"), strings.Count(dirs[j], "/")
		if di != dj {
			return di > dj
		}
		return dirs[i] > dirs[j]
	})
	for _, d := range dirs {
		if !keep(d) {
			ops = append(ops, Operation{Kind: OpRmdir, Path: d, Package: owner})
		}
	}
	return ops
}

func installedDBOps(db *InstalledDB) ([]Operation, error) {
	data, err := db.Marshal()
	if err != nil {
		return nil, err
	}
	d, n, err := cache.Compute(cache.SHA256, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var ops []Operation
	dir := path.Dir(InstalledDBPath)
	var parents []string
	for p := dir; p != "."; p = path.Dir(p) {
		parents = append([]string{p}, parents...)
	}
	for _, p := range parents {
		ops = append(ops, Operation{Kind: OpMkdir, Path: p, Package: BuilderOwner, Mode: 0o755})
	}
	ops = append(ops, Operation{
		Kind:    OpWrite,
		Path:    InstalledDBPath,
		Package: BuilderOwner,
		Mode:    0o644,
		Digest:  d.String(),
		Size:    n,
		Data:    data,
	})
	return ops, nil
}
