package transaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/dodos-os/dodos/pkg/engine"
	"github.com/dodos-os/dodos/pkg/osfs"
)

// InstalledDBPath is where the installed database lives inside a root.
const InstalledDBPath = "var/lib/dodos/installed.json"

const installedDBVersion = 1

// InstalledPackage records one installed package and what it owns.
type InstalledPackage struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Provides []string `json:"provides,omitempty"`

	// Files are the regular files, symlinks and hard links the package
	// owns, sorted.
	Files []string `json:"files"`

	// Dirs are the directories the package created, sorted. Directories
	// may be shared with other packages.
	Dirs []string `json:"dirs,omitempty"`
}

// ID returns the name-version form of the package.
func (p InstalledPackage) ID() string { return p.Name + "-" + p.Version }

// InstalledDB lists the packages installed in a root.
type InstalledDB struct {
	Version  int                `json:"version"`
	Packages []InstalledPackage `json:"packages"`
}

// ReadInstalled loads the installed database of root. A root without one is
// empty.
func ReadInstalled(fsys osfs.FS, root string) (*InstalledDB, error) {
	f, err := fsys.Open(filepath.Join(root, filepath.FromSlash(InstalledDBPath)))
	if errors.Is(err, fs.ErrNotExist) {
		return &InstalledDB{Version: installedDBVersion}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	var db InstalledDB
	if err := json.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", InstalledDBPath, err)
	}
	if db.Version > installedDBVersion {
		return nil, fmt.Errorf("%s has unsupported version %d", InstalledDBPath, db.Version)
	}
	return &db, nil
}

// Find returns the installed package called name, or nil.
func (db *InstalledDB) Find(name string) *InstalledPackage {
	for i := range db.Packages {
		if db.Packages[i].Name == name {
			return &db.Packages[i]
		}
	}
	return nil
}

// Marshal renders the database deterministically.
func (db *InstalledDB) Marshal() ([]byte, error) {
	sort.Slice(db.Packages, func(i, j int) bool { return db.Packages[i].Name < db.Packages[j].Name })
	data, err := json.MarshalIndent(db, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func installedFrom(pkg *engine.Package, files, dirs []string) InstalledPackage {
	rec := InstalledPackage{
		Name:    pkg.ID.Name,
		Version: pkg.ID.Version.String(),
		Files:   files,
		Dirs:    dirs,
	}
	for _, prov := range pkg.Provides {
		rec.Provides = append(rec.Provides, prov.String())
	}
	sort.Strings(rec.Files)
	sort.Strings(rec.Dirs)
	return rec
}
