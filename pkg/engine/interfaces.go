package engine

import (
	"context"
	"io"
)

// PackageSource is a package repository. Implementations must be safe for
// concurrent Fetch calls.
type PackageSource interface {
	// List returns every package entry the source offers.
	List(ctx context.Context) ([]PackageMetadata, error)

	// Fetch opens the archive bytes for an artifact. The caller verifies
	// size and digest.
	Fetch(ctx context.Context, ref ArtifactRef) (io.ReadCloser, error)
}

// BootloaderInstaller makes a committed target root bootable.
type BootloaderInstaller interface {
	Install(ctx context.Context, targetRoot string) error
}

// BuildStore persists build history.
type BuildStore interface {
	// SaveBuild creates or updates a build record.
	SaveBuild(ctx context.Context, build *Build) error

	// SavePlanEntries records the resolved plan of a build.
	SavePlanEntries(ctx context.Context, buildID string, plan *Plan) error

	// AppendEvent records a timeline event.
	AppendEvent(ctx context.Context, event *Event) error
}

// CacheIndex records artifacts held by the content-addressed cache.
type CacheIndex interface {
	RecordCacheEntry(ctx context.Context, artifact *Artifact) error
}
