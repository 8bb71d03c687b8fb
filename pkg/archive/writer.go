package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// File is a member written by Write.
type File struct {
	Path     string
	Type     EntryType
	Mode     fs.FileMode
	Content  []byte
	Linkname string
}

// Write writes files as a tar stream compressed with format. Members are
// written in the order given.
func Write(w io.Writer, format Format, files []File) error {
	cw, err := compressor(w, format)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(cw)
	mtime := time.Unix(0, 0)
	for _, f := range files {
		hdr := &tar.Header{
			Name:    f.Path,
			Mode:    int64(f.Mode.Perm()),
			ModTime: mtime,
			Format:  tar.FormatPAX,
		}
		if f.Mode&fs.ModeSetuid != 0 {
			hdr.Mode |= 0o4000
		}
		switch f.Type {
		case TypeDir:
			hdr.Typeflag = tar.TypeDir
		case TypeSymlink:
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = f.Linkname
		case TypeHardlink:
			hdr.Typeflag = tar.TypeLink
			hdr.Linkname = f.Linkname
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(f.Content))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing header %s: %w", f.Path, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write(f.Content); err != nil {
				return fmt.Errorf("writing %s: %w", f.Path, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return cw.Close()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func compressor(w io.Writer, format Format) (io.WriteCloser, error) {
	switch format {
	case FormatZstd:
		return zstd.NewWriter(w)
	case FormatXz:
		return xz.NewWriter(w)
	case FormatLz4:
		return lz4.NewWriter(w), nil
	case FormatGzip:
		return gzip.NewWriter(w), nil
	case FormatNone, "":
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported archive format %q", format)
	}
}
