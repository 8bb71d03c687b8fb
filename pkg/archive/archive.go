// Package archive reads package archives: tar streams compressed with zstd,
// xz, lz4 or gzip, or not compressed at all.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Format is a compression format.
type Format string

const (
	FormatNone Format = "none"
	FormatZstd Format = "zstd"
	FormatXz   Format = "xz"
	FormatLz4  Format = "lz4"
	FormatGzip Format = "gzip"
)

var magics = []struct {
	format Format
	magic  []byte
}{
	{FormatZstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{FormatXz, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{FormatLz4, []byte{0x04, 0x22, 0x4d, 0x18}},
	{FormatGzip, []byte{0x1f, 0x8b}},
}

// Detect returns the compression format of a stream from its first bytes.
func Detect(header []byte) Format {
	for _, m := range magics {
		if bytes.HasPrefix(header, m.magic) {
			return m.format
		}
	}
	return FormatNone
}

// metadata lists the pacman members that describe a package rather than
// belong to the installed tree.
var metadata = map[string]bool{
	".PKGINFO":   true,
	".MTREE":     true,
	".BUILDINFO": true,
	".INSTALL":   true,
	".CHANGELOG": true,
}

// IsMetadata reports whether name is a pacman metadata member.
func IsMetadata(name string) bool {
	return metadata[strings.TrimPrefix(name, "./")]
}

// ErrUnsafePath is returned for members that would land outside the root.
var ErrUnsafePath = errors.New("unsafe path")

// CleanPath normalises a member name to a slash separated path relative to
// the root, without a leading slash. Names that escape the root are
// rejected.
func CleanPath(name string) (string, error) {
	if strings.Contains(name, "\x00") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
		}
	}
	p := strings.TrimPrefix(path.Clean("/"+name), "/")
	if p == "" {
		p = "."
	}
	return p, nil
}

// EntryType is the kind of an archive member.
type EntryType string

const (
	TypeDir      EntryType = "dir"
	TypeFile     EntryType = "file"
	TypeSymlink  EntryType = "symlink"
	TypeHardlink EntryType = "hardlink"
)

// Entry is one member of the installed tree.
type Entry struct {
	Path     string
	Type     EntryType
	Mode     fs.FileMode
	Size     int64
	Linkname string
	UID      int
	GID      int
}

// Reader iterates over the installed tree of a package archive.
type Reader struct {
	format Format
	tr     *tar.Reader
	closer func() error
}

// NewReader detects the compression of r and opens the tar stream inside.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(8)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading archive header: %w", err)
	}

	format := Detect(header)
	var (
		stream io.Reader
		closer = func() error { return nil }
	)
	switch format {
	case FormatZstd:
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		stream = dec
		closer = func() error {
			dec.Close()
			return nil
		}
	case FormatXz:
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening xz stream: %w", err)
		}
		stream = xr
	case FormatLz4:
		stream = lz4.NewReader(br)
	case FormatGzip:
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		stream = gr
		closer = gr.Close
	default:
		stream = br
	}

	return &Reader{format: format, tr: tar.NewReader(stream), closer: closer}, nil
}

// Format returns the detected compression format.
func (r *Reader) Format() Format { return r.format }

// Next advances to the next member of the installed tree, skipping pacman
// metadata and members that carry no filesystem object. It returns io.EOF
// at the end of the archive. The member body is read from r until the next
// call to Next.
func (r *Reader) Next() (*Entry, error) {
	for {
		hdr, err := r.tr.Next()
		if errors.Is(err, tar.ErrInsecurePath) {
			return nil, fmt.Errorf("%w: %q", ErrUnsafePath, hdr.Name)
		}
		if err != nil {
			return nil, err
		}
		if IsMetadata(hdr.Name) {
			continue
		}

		p, err := CleanPath(hdr.Name)
		if err != nil {
			return nil, err
		}
		if p == "." {
			continue
		}

		e := &Entry{
			Path: p,
			Mode: fs.FileMode(hdr.Mode).Perm(),
			UID:  hdr.Uid,
			GID:  hdr.Gid,
		}
		if hdr.Mode&0o4000 != 0 {
			e.Mode |= fs.ModeSetuid
		}
		if hdr.Mode&0o2000 != 0 {
			e.Mode |= fs.ModeSetgid
		}
		if hdr.Mode&0o1000 != 0 {
			e.Mode |= fs.ModeSticky
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			e.Type = TypeDir
		case tar.TypeReg:
			e.Type = TypeFile
			e.Size = hdr.Size
		case tar.TypeSymlink:
			e.Type = TypeSymlink
			e.Linkname = hdr.Linkname
		case tar.TypeLink:
			target, err := CleanPath(hdr.Linkname)
			if err != nil {
				return nil, err
			}
			e.Type = TypeHardlink
			e.Linkname = target
		default:
			continue
		}
		return e, nil
	}
}

// Read reads from the body of the current member.
func (r *Reader) Read(p []byte) (int, error) {
	return r.tr.Read(p)
}

// Close releases the decompressor.
func (r *Reader) Close() error {
	return r.closer()
}

// Walk calls fn for every member of the installed tree of the archive in r.
// body is only valid during the call.
func Walk(r io.Reader, fn func(e *Entry, body io.Reader) error) error {
	ar, err := NewReader(r)
	if err != nil {
		return err
	}
	defer ar.Close()

	for {
		e, err := ar.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		if err := fn(e, ar); err != nil {
			return err
		}
	}
}
