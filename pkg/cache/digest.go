package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a content digest algorithm.
type Algorithm string

const (
	// SHA256 is what Arch repositories publish.
	SHA256 Algorithm = "sha256"

	// BLAKE3 is accepted for sources that publish it.
	BLAKE3 Algorithm = "blake3"
)

// Digest is a parsed content digest.
type Digest struct {
	Algo Algorithm
	Hex  string
}

// ParseDigest parses "sha256:<hex>", "blake3:<hex>" or bare sha256 hex.
func ParseDigest(s string) (Digest, error) {
	algo, hexPart, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	if !ok {
		algo, hexPart = string(SHA256), algo
	}

	d := Digest{Algo: Algorithm(algo), Hex: hexPart}
	switch d.Algo {
	case SHA256, BLAKE3:
	default:
		return Digest{}, fmt.Errorf("unsupported digest algorithm %q", algo)
	}
	if len(d.Hex) != 64 {
		return Digest{}, fmt.Errorf("digest %q: want 64 hex characters, got %d", s, len(d.Hex))
	}
	if _, err := hex.DecodeString(d.Hex); err != nil {
		return Digest{}, fmt.Errorf("digest %q: %w", s, err)
	}
	return d, nil
}

// String returns the canonical "algo:hex" form.
func (d Digest) String() string {
	return string(d.Algo) + ":" + d.Hex
}

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool { return d.Hex == "" }

func (d Digest) newHash() hash.Hash {
	if d.Algo == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

func (d Digest) sum(h hash.Hash) Digest {
	return Digest{Algo: d.Algo, Hex: hex.EncodeToString(h.Sum(nil))}
}

// Compute digests r with algo and returns the digest and the number of
// bytes read.
func Compute(algo Algorithm, r io.Reader) (Digest, int64, error) {
	d := Digest{Algo: algo}
	h := d.newHash()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, n, err
	}
	return d.sum(h), n, nil
}
