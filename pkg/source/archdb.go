package source

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/dodos-os/dodos/pkg/archive"
	"github.com/dodos-os/dodos/pkg/engine"
)

// descFields parses a pacman sync database "desc" or "files" entry: blocks
// of a %KEY% line followed by values up to a blank line.
func descFields(r io.Reader) (map[string][]string, error) {
	fields := make(map[string][]string)
	var key string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			key = ""
		case key == "" && len(line) > 2 && line[0] == '%' && line[len(line)-1] == '%':
			key = line[1 : len(line)-1]
			if _, ok := fields[key]; !ok {
				fields[key] = nil
			}
		case key != "":
			fields[key] = append(fields[key], line)
		}
	}
	return fields, sc.Err()
}

func first(fields map[string][]string, key string) string {
	if v := fields[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// parseDB reads a <repo>.db or <repo>.files tarball. Entries keep database
// order; the files of a .files database are attached when present.
func parseDB(r io.Reader, repo string) ([]engine.PackageMetadata, error) {
	var (
		order   []string
		entries = make(map[string]*engine.PackageMetadata)
		files   = make(map[string][]string)
	)

	err := archive.Walk(r, func(e *archive.Entry, body io.Reader) error {
		if e.Type != archive.TypeFile {
			return nil
		}
		dir, name := path.Split(e.Path)
		dir = strings.TrimSuffix(dir, "/")
		if dir == "" || strings.Contains(dir, "/") {
			return nil
		}
		fields, err := descFields(body)
		if err != nil {
			return fmt.Errorf("%s: %w", e.Path, err)
		}

		switch name {
		case "desc":
			m, err := metadataFromDesc(fields, repo)
			if err != nil {
				return fmt.Errorf("%s: %w", e.Path, err)
			}
			if _, seen := entries[dir]; !seen {
				order = append(order, dir)
			}
			entries[dir] = m
		case "files":
			for _, f := range fields["FILES"] {
				if !strings.HasSuffix(f, "/") {
					files[dir] = append(files[dir], f)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]engine.PackageMetadata, 0, len(order))
	for _, dir := range order {
		m := entries[dir]
		m.Files = files[dir]
		out = append(out, *m)
	}
	return out, nil
}

func metadataFromDesc(fields map[string][]string, repo string) (*engine.PackageMetadata, error) {
	m := &engine.PackageMetadata{
		Name:        first(fields, "NAME"),
		Version:     first(fields, "VERSION"),
		Depends:     fields["DEPENDS"],
		Provides:    fields["PROVIDES"],
		Conflicts:   fields["CONFLICTS"],
		Replaces:    fields["REPLACES"],
		Arch:        first(fields, "ARCH"),
		Description: first(fields, "DESC"),
		Repository:  repo,
	}
	filename := first(fields, "FILENAME")
	if m.Name == "" || m.Version == "" || filename == "" {
		return nil, errors.New("entry lacks %NAME%, %VERSION% or %FILENAME%")
	}
	m.Locator = repo + "/" + filename

	switch {
	case first(fields, "SHA256SUM") != "":
		m.Digest = "sha256:" + first(fields, "SHA256SUM")
	case first(fields, "B3SUM") != "":
		m.Digest = "blake3:" + first(fields, "B3SUM")
	default:
		return nil, fmt.Errorf("%s has no %%SHA256SUM%%", m.Name)
	}

	if s := first(fields, "CSIZE"); s != "" {
		size, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid %%CSIZE%% %q", m.Name, s)
		}
		m.Size = size
	}
	return m, nil
}
