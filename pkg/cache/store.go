package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Directory names within the cache root.
const (
	objectsDir = "objects"
	tmpDir     = "tmp"
)

// Store is a content-addressed artifact store. Objects live under
// objects/<algo>/<xx>/<hex> and are only ever created by linking a fully
// verified temporary file into place, so a reader never observes a partial
// object. Concurrent writers of the same digest are safe: the first link
// wins and later writers discard their copy. Fetchers sharing a Store
// coalesce identical in-flight downloads.
type Store struct {
	root     string
	inflight singleflight.Group
}

// NewStore creates a Store rooted at root, creating the directory layout if
// it does not exist.
func NewStore(root string) (*Store, error) {
	for _, dir := range []string{
		root,
		filepath.Join(root, objectsDir),
		filepath.Join(root, tmpDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// Path returns where the object for d lives, whether or not it exists.
func (s *Store) Path(d Digest) string {
	return filepath.Join(s.root, objectsDir, string(d.Algo), d.Hex[:2], d.Hex)
}

// Lookup returns the path and size of the object for d if it is present.
func (s *Store) Lookup(d Digest) (string, int64, bool) {
	path := s.Path(d)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", 0, false
	}
	return path, info.Size(), true
}

// MismatchError reports content that does not match its declared digest or
// size. Nothing was stored.
type MismatchError struct {
	Expected     Digest
	Actual       Digest
	ExpectedSize int64
	ActualSize   int64
}

func (e *MismatchError) Error() string {
	if e.Expected != e.Actual {
		return fmt.Sprintf("digest mismatch: want %s, got %s", e.Expected, e.Actual)
	}
	return fmt.Sprintf("size mismatch: want %d bytes, got %d", e.ExpectedSize, e.ActualSize)
}

// ReadError reports a failure of the source reader passed to Ingest, as
// opposed to a failure of the local disk.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string { return "reading artifact: " + e.Err.Error() }

func (e *ReadError) Unwrap() error { return e.Err }

type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

// Ingest streams r into the store, verifying it against d and, when size is
// positive, against size. It returns the object path and the number of bytes
// read from r. On any error the temporary copy is removed and the addressed
// storage is left unchanged.
func (s *Store) Ingest(r io.Reader, d Digest, size int64) (string, int64, error) {
	tmpFile, err := os.CreateTemp(filepath.Join(s.root, tmpDir), d.Hex[:12]+"-*.part")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	h := d.newHash()
	tr := &trackingReader{r: r}
	n, err := io.Copy(io.MultiWriter(tmpFile, h), tr)
	if err != nil {
		tmpFile.Close()
		if tr.err != nil {
			return "", n, &ReadError{Err: tr.err}
		}
		return "", n, fmt.Errorf("writing temp file: %w", err)
	}

	actual := d.sum(h)
	if actual != d || (size > 0 && n != size) {
		tmpFile.Close()
		return "", n, &MismatchError{Expected: d, Actual: actual, ExpectedSize: size, ActualSize: n}
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return "", n, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", n, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o444); err != nil {
		return "", n, fmt.Errorf("sealing temp file: %w", err)
	}

	final := s.Path(d)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", n, fmt.Errorf("creating shard directory: %w", err)
	}
	if err := os.Link(tmpPath, final); err != nil && !errors.Is(err, fs.ErrExist) {
		return "", n, fmt.Errorf("linking object %s: %w", d, err)
	}
	return final, n, nil
}

// Verify re-hashes the stored object for d.
func (s *Store) Verify(d Digest) error {
	f, err := os.Open(s.Path(d))
	if err != nil {
		return err
	}
	defer f.Close()

	actual, n, err := Compute(d.Algo, f)
	if err != nil {
		return fmt.Errorf("reading object %s: %w", d, err)
	}
	if actual != d {
		return &MismatchError{Expected: d, Actual: actual, ActualSize: n}
	}
	return nil
}

// Remove deletes the object for d. Removing an absent object is not an
// error.
func (s *Store) Remove(d Digest) error {
	err := os.Remove(s.Path(d))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Walk calls fn for every stored object in lexical order.
func (s *Store) Walk(fn func(d Digest, size int64) error) error {
	base := filepath.Join(s.root, objectsDir)
	return filepath.WalkDir(base, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}
		d, err := ParseDigest(parts[0] + ":" + parts[2])
		if err != nil {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		return fn(d, info.Size())
	})
}

// Stats summarises the store contents.
type Stats struct {
	Objects int   `json:"objects"`
	Bytes   int64 `json:"bytes"`
}

// Stats counts stored objects and their total size.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.Walk(func(_ Digest, size int64) error {
		st.Objects++
		st.Bytes += size
		return nil
	})
	return st, err
}
