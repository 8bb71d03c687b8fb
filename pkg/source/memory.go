package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sync"

	"github.com/dodos-os/dodos/pkg/engine"
)

// Memory is a PackageSource held in memory.
type Memory struct {
	mu      sync.RWMutex
	entries []engine.PackageMetadata
	blobs   map[string][]byte
}

// NewMemory returns an empty in-memory source.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Add registers a package with its archive bytes. Digest, Size and Locator
// are filled in when meta leaves them empty.
func (m *Memory) Add(meta engine.PackageMetadata, data []byte) engine.PackageMetadata {
	if meta.Digest == "" {
		sum := sha256.Sum256(data)
		meta.Digest = "sha256:" + hex.EncodeToString(sum[:])
	}
	if meta.Size == 0 {
		meta.Size = int64(len(data))
	}
	if meta.Locator == "" {
		meta.Locator = "memory/" + meta.Name + "-" + meta.Version + ".pkg.tar.zst"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, meta)
	m.blobs[meta.Locator] = data
	return meta
}

func (m *Memory) List(ctx context.Context) ([]engine.PackageMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.PackageMetadata, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *Memory) Fetch(ctx context.Context, ref engine.ArtifactRef) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.blobs[ref.Locator]
	m.mu.RUnlock()
	if !ok {
		return nil, &TransportError{Op: "open", Name: ref.Locator, Err: os.ErrNotExist}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
