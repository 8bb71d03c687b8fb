package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dodos-os/dodos/pkg/version"
)

// PackageID identifies one version of one package. It is comparable and may
// be used as a map key.
type PackageID struct {
	Name    string          `json:"name"`
	Version version.Version `json:"version"`
}

// NewPackageID parses ver and returns the identity.
func NewPackageID(name, ver string) (PackageID, error) {
	v, err := version.Parse(ver)
	if err != nil {
		return PackageID{}, err
	}
	return PackageID{Name: name, Version: v}, nil
}

// String renders the identity as name-version, the way pacman names files.
func (id PackageID) String() string {
	return id.Name + "-" + id.Version.String()
}

// Less orders identities by name, then newest version first.
func (id PackageID) Less(other PackageID) bool {
	if id.Name != other.Name {
		return id.Name < other.Name
	}
	return id.Version.Compare(other.Version) > 0
}

// ArtifactRef locates and describes the archive of a package.
type ArtifactRef struct {
	// Digest is "sha256:<hex>", "blake3:<hex>" or bare sha256 hex.
	Digest string `json:"digest"`

	// Size is the archive size in bytes. Zero means unknown.
	Size int64 `json:"size"`

	// Locator is the source specific address, usually a file name
	// relative to the repository.
	Locator string `json:"locator"`
}

// PackageMetadata is a package entry as reported by a PackageSource, before
// any syntax has been checked.
type PackageMetadata struct {
	Name        string   `json:"name" validate:"required"`
	Version     string   `json:"version" validate:"required"`
	Depends     []string `json:"depends,omitempty" validate:"dive,required"`
	Provides    []string `json:"provides,omitempty" validate:"dive,required"`
	Conflicts   []string `json:"conflicts,omitempty" validate:"dive,required"`
	Replaces    []string `json:"replaces,omitempty"`
	Digest      string   `json:"digest" validate:"required"`
	Size        int64    `json:"size" validate:"gte=0"`
	Locator     string   `json:"locator" validate:"required"`
	Files       []string `json:"files,omitempty"`
	Arch        string   `json:"arch,omitempty"`
	Description string   `json:"description,omitempty"`
	Repository  string   `json:"repository,omitempty"`
}

// Package is an indexed package. Packages are immutable once the index that
// holds them has been loaded.
type Package struct {
	ID          PackageID
	Depends     []version.Constraint
	Conflicts   []version.Constraint
	Provides    []version.Provision
	Replaces    []string
	Artifact    ArtifactRef
	Files       []string
	Arch        string
	Description string
	Repository  string
}

// Name is a shorthand for p.ID.Name.
func (p *Package) Name() string { return p.ID.Name }

// Satisfies reports whether the package answers the constraint, either by its
// own name and version or through one of its provisions.
func (p *Package) Satisfies(c version.Constraint) bool {
	if p.ID.Name == c.Name && c.Range.Matches(p.ID.Version) {
		return true
	}
	for _, prov := range p.Provides {
		if prov.Satisfies(c) {
			return true
		}
	}
	return false
}

// ConflictsWith reports whether either package declares a conflict the other
// satisfies. A package never conflicts with itself.
func (p *Package) ConflictsWith(other *Package) bool {
	if p.ID == other.ID {
		return false
	}
	for _, c := range p.Conflicts {
		if other.Satisfies(c) {
			return true
		}
	}
	for _, c := range other.Conflicts {
		if p.Satisfies(c) {
			return true
		}
	}
	return false
}

// Edge is a dependency edge: From depends on To.
type Edge struct {
	From PackageID `json:"from"`
	To   PackageID `json:"to"`
}

// Plan is a resolved installation plan. Every dependency of an entry is
// satisfied by an earlier entry, and no name appears twice.
type Plan struct {
	// Packages in installation order.
	Packages []*Package

	// Edges between planned packages.
	Edges []Edge

	// Requested names the packages asked for, sorted.
	Requested []string
}

// Len returns the number of planned packages.
func (p *Plan) Len() int { return len(p.Packages) }

// IDs returns the planned identities in plan order.
func (p *Plan) IDs() []PackageID {
	ids := make([]PackageID, len(p.Packages))
	for i, pkg := range p.Packages {
		ids[i] = pkg.ID
	}
	return ids
}

// Find returns the planned package with the given name, or nil.
func (p *Plan) Find(name string) *Package {
	for _, pkg := range p.Packages {
		if pkg.ID.Name == name {
			return pkg
		}
	}
	return nil
}

// DependenciesOf returns the planned packages id depends on, in plan order.
func (p *Plan) DependenciesOf(id PackageID) []PackageID {
	var deps []PackageID
	for _, e := range p.Edges {
		if e.From == id {
			deps = append(deps, e.To)
		}
	}
	slices.SortFunc(deps, func(a, b PackageID) int {
		return p.position(a) - p.position(b)
	})
	return deps
}

func (p *Plan) position(id PackageID) int {
	for i, pkg := range p.Packages {
		if pkg.ID == id {
			return i
		}
	}
	return -1
}

// Validate checks the plan invariants: unique names, dependencies satisfied
// by earlier entries, no conflicts, and edges pointing backwards.
func (p *Plan) Validate() error {
	seen := make(map[string]int, len(p.Packages))
	for i, pkg := range p.Packages {
		if j, dup := seen[pkg.ID.Name]; dup {
			return fmt.Errorf("package %s planned twice (positions %d and %d)", pkg.ID.Name, j, i)
		}
		seen[pkg.ID.Name] = i

		for _, dep := range pkg.Depends {
			satisfied := false
			for _, earlier := range p.Packages[:i] {
				if earlier.Satisfies(dep) {
					satisfied = true
					break
				}
			}
			if !satisfied {
				return fmt.Errorf("dependency %s of %s is not satisfied by an earlier entry", dep, pkg.ID)
			}
		}
		for _, earlier := range p.Packages[:i] {
			if pkg.ConflictsWith(earlier) {
				return fmt.Errorf("%s conflicts with %s", pkg.ID, earlier.ID)
			}
		}
	}
	for _, e := range p.Edges {
		from, to := p.position(e.From), p.position(e.To)
		if from < 0 || to < 0 {
			return fmt.Errorf("edge %s -> %s references a package outside the plan", e.From, e.To)
		}
		if to >= from {
			return fmt.Errorf("edge %s -> %s does not point to an earlier entry", e.From, e.To)
		}
	}
	return nil
}

// Artifact is a verified package archive held in the content-addressed cache.
type Artifact struct {
	ID     PackageID `json:"id"`
	Digest string    `json:"digest"`
	Size   int64     `json:"size"`
	Path   string    `json:"path"`

	// Cached is true when the artifact was already present and no download
	// took place.
	Cached bool `json:"cached"`
}

// Open opens the cached archive for reading.
func (a *Artifact) Open() (io.ReadCloser, error) {
	return os.Open(a.Path)
}

// Build is the persisted record of one build.
type Build struct {
	// ID is the unique identifier for this build.
	ID string `json:"id"`

	// ConfigPath is the build configuration the build ran from.
	ConfigPath string `json:"config_path"`

	// Target is the target root directory.
	Target string `json:"target"`

	// Status is the terminal status, empty while running.
	Status BuildStatus `json:"status,omitempty"`

	// Packages is the number of planned packages.
	Packages int `json:"packages"`

	// Downloaded is the number of artifacts fetched from the source.
	Downloaded int `json:"downloaded"`

	// Error is the failure message, if any.
	Error string `json:"error,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewBuild returns a build record with a fresh ID.
func NewBuild(configPath, target string) *Build {
	return &Build{
		ID:         uuid.New().String(),
		ConfigPath: configPath,
		Target:     target,
		StartedAt:  time.Now().UTC(),
	}
}

// Duration returns how long the build ran, or zero while it is running.
func (b *Build) Duration() time.Duration {
	if b.CompletedAt == nil {
		return 0
	}
	return b.CompletedAt.Sub(b.StartedAt)
}

// Event represents a timeline event during a build.
type Event struct {
	ID        string          `json:"id"`
	BuildID   string          `json:"build_id"`
	Type      EventType       `json:"type"`
	Stage     Stage           `json:"stage,omitempty"`
	Package   string          `json:"package,omitempty"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent returns an event stamped with a fresh ID and the current time.
func NewEvent(buildID string, typ EventType, stage Stage, message string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		BuildID:   buildID,
		Type:      typ,
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}
