package assembler

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/dodos-os/dodos/pkg/osfs"
)

// Journal records an in-progress promotion so an operator can tell which
// tree is which if the exchange is interrupted.
type Journal struct {
	Version   int    `cbor:"1,keyasint"`
	Target    string `cbor:"2,keyasint"`
	Staging   string `cbor:"3,keyasint"`
	Phase     string `cbor:"4,keyasint"`
	StartedAt int64  `cbor:"5,keyasint"`

	// TargetExisted is false for a first build, where promotion is a
	// rename rather than an exchange.
	TargetExisted bool `cbor:"6,keyasint"`
}

const journalVersion = 1

var (
	journalEncMode cbor.EncMode
	journalDecMode cbor.DecMode
)

func init() {
	var err error
	journalEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("assembler: CBOR encoder initialization failed: " + err.Error())
	}
	journalDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("assembler: CBOR decoder initialization failed: " + err.Error())
	}
}

func newJournal(target, staging, phase string, targetExisted bool) *Journal {
	return &Journal{
		Version:       journalVersion,
		Target:        target,
		Staging:       staging,
		Phase:         phase,
		StartedAt:     time.Now().Unix(),
		TargetExisted: targetExisted,
	}
}

// MarshalJournal encodes a journal with deterministic CBOR.
func MarshalJournal(j *Journal) ([]byte, error) {
	data, err := journalEncMode.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encoding journal: %w", err)
	}
	return data, nil
}

// ReadJournal decodes the journal at path.
func ReadJournal(path string) (*Journal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var j Journal
	if err := journalDecMode.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decoding journal: %w", err)
	}
	if j.Version < 1 {
		return nil, fmt.Errorf("journal version %d is invalid", j.Version)
	}
	return &j, nil
}

// siblings returns the staging root and journal paths of target. Both live
// next to target so that promotion never crosses a filesystem boundary.
func siblings(target string) (staging, journal string) {
	dir, base := filepath.Split(filepath.Clean(target))
	return filepath.Join(dir, "."+base+".dodos-staging"), filepath.Join(dir, "."+base+".dodos-journal")
}

// Pending describes what an unfinished promotion left next to a target.
type Pending struct {
	JournalPath   string
	StagingRoot   string
	Journal       *Journal
	TargetExists  bool
	StagingExists bool

	// DecodeErr is set when the journal exists but cannot be read.
	DecodeErr error
}

// Inspect returns the promotion journal left next to target, or nil when
// the last promotion finished.
func Inspect(fsys osfs.FS, target string) (*Pending, error) {
	staging, journal := siblings(target)
	ok, err := osfs.Exists(fsys, journal)
	if err != nil || !ok {
		return nil, err
	}

	p := &Pending{JournalPath: journal, StagingRoot: staging}
	p.Journal, p.DecodeErr = ReadJournal(journal)
	if p.TargetExists, err = osfs.Exists(fsys, target); err != nil {
		return nil, err
	}
	if p.StagingExists, err = osfs.Exists(fsys, staging); err != nil {
		return nil, err
	}
	return p, nil
}

// ClearJournal removes the promotion journal of target once an operator has
// settled which tree is current. A missing journal is not an error.
func ClearJournal(fsys osfs.FS, target string) error {
	_, journal := siblings(target)
	if err := fsys.Remove(journal); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// PendingPromotionError stops a build over a target whose last promotion
// did not finish.
type PendingPromotionError struct {
	Pending *Pending
}

func (e *PendingPromotionError) Error() string {
	j := e.Pending.Journal
	if j == nil {
		return fmt.Sprintf("unreadable promotion journal %s: %v; run dodos-builder recover", e.Pending.JournalPath, e.Pending.DecodeErr)
	}
	started := time.Unix(j.StartedAt, 0).UTC().Format(time.RFC3339)
	return fmt.Sprintf("promotion of %s started %s did not finish (phase %s); run dodos-builder recover", j.Target, started, j.Phase)
}
