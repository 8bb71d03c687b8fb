// Package assembler applies transactions to a private staging copy of the
// target root, verifies the result and swaps it into place atomically.
package assembler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dodos-os/dodos/pkg/archive"
	"github.com/dodos-os/dodos/pkg/engine"
	"github.com/dodos-os/dodos/pkg/osfs"
	"github.com/dodos-os/dodos/pkg/telemetry"
	"github.com/dodos-os/dodos/pkg/transaction"
)

// Hooks let callers observe or fail an assembly at chosen points. A
// non-nil error from a hook fails the assembly as if the filesystem had.
type Hooks struct {
	// OnEnter runs when a state is entered, before its work starts.
	OnEnter func(State) error

	// AfterOp runs after each staged operation.
	AfterOp func(i int, op transaction.Operation) error
}

// Assembler drives one assembly of one target root. It is not reusable.
type Assembler struct {
	fs      osfs.FS
	target  string
	staging string
	journal string
	seed    bool
	hooks   Hooks
	log     *telemetry.Logger
	metrics *telemetry.Metrics

	mu            sync.Mutex
	state         State
	history       []State
	targetExisted bool

	// pending is set when Begin found an unfinished promotion; its trees
	// are left alone.
	pending bool
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithHooks installs hooks.
func WithHooks(h Hooks) Option {
	return func(a *Assembler) { a.hooks = h }
}

// WithSeed controls whether staging starts as a copy of the current
// target. On by default; without it every build starts from an empty tree.
func WithSeed(seed bool) Option {
	return func(a *Assembler) { a.seed = seed }
}

// WithLogger sets the logger.
func WithLogger(log *telemetry.Logger) Option {
	return func(a *Assembler) { a.log = log }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Assembler) { a.metrics = m }
}

// New creates an assembler for target. The staging root and promotion
// journal are siblings of target so that promotion never crosses a
// filesystem boundary.
func New(fsys osfs.FS, target string, opts ...Option) *Assembler {
	target = filepath.Clean(target)
	staging, journal := siblings(target)
	a := &Assembler{
		fs:      fsys,
		target:  target,
		staging: staging,
		journal: journal,
		seed:    true,
		log:     telemetry.NewNopLogger(),
		state:   StateIdle,
		history: []State{StateIdle},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the current state.
func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// History returns every state entered so far, starting with idle.
func (a *Assembler) History() []State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]State(nil), a.history...)
}

// StagingRoot returns the staging directory.
func (a *Assembler) StagingRoot() string { return a.staging }

// JournalPath returns the promotion journal path.
func (a *Assembler) JournalPath() string { return a.journal }

func (a *Assembler) transition(to State) error {
	a.mu.Lock()
	from := a.state
	if !CanTransition(from, to) {
		a.mu.Unlock()
		return &TransitionError{From: from, To: to}
	}
	a.state = to
	a.history = append(a.history, to)
	a.mu.Unlock()

	a.log.WithFields(map[string]interface{}{"from": string(from), "to": string(to)}).Debug("assembler transition")
	if a.hooks.OnEnter != nil {
		return a.hooks.OnEnter(to)
	}
	return nil
}

func (a *Assembler) stagingError(state State, op *transaction.Operation, err error) error {
	se := &engine.StagingError{State: string(state), Err: err}
	if op != nil {
		se.Op = string(op.Kind)
		se.Path = op.Path
	}
	return se
}

func (a *Assembler) stagePath(rel string) string {
	return filepath.Join(a.staging, filepath.FromSlash(rel))
}

// Begin enters staging: it checks free space for txn, removes a stale
// staging root left by an interrupted build and seeds a fresh one. A
// journal left by an unfinished promotion stops the build.
func (a *Assembler) Begin(ctx context.Context, txn *transaction.Transaction) error {
	if err := a.transition(StateStaging); err != nil {
		return a.stagingError(StateStaging, nil, err)
	}
	if err := ctx.Err(); err != nil {
		return a.stagingError(StateStaging, nil, err)
	}

	pending, err := Inspect(a.fs, a.target)
	if err != nil {
		return a.stagingError(StateStaging, nil, err)
	}
	if pending != nil {
		a.pending = true
		return a.stagingError(StateStaging, nil, &PendingPromotionError{Pending: pending})
	}

	exists, err := osfs.Exists(a.fs, a.target)
	if err != nil {
		return a.stagingError(StateStaging, nil, err)
	}
	a.targetExisted = exists

	if err := a.checkSpace(txn); err != nil {
		return a.stagingError(StateStaging, nil, err)
	}

	if stale, _ := osfs.Exists(a.fs, a.staging); stale {
		a.log.Warnf("removing stale staging root %s", a.staging)
		if err := a.fs.RemoveAll(a.staging); err != nil {
			return a.stagingError(StateStaging, nil, fmt.Errorf("removing stale staging root: %w", err))
		}
	}

	if exists && a.seed {
		if err := osfs.CopyTree(a.fs, a.target, a.staging); err != nil {
			return a.stagingError(StateStaging, nil, fmt.Errorf("seeding staging root: %w", err))
		}
		return nil
	}
	if err := a.fs.MkdirAll(a.staging, 0o755); err != nil {
		return a.stagingError(StateStaging, nil, err)
	}
	return nil
}

func (a *Assembler) checkSpace(txn *transaction.Transaction) error {
	var need uint64
	for _, op := range txn.Ops {
		if op.Kind == transaction.OpWrite && op.Size > 0 {
			need += uint64(op.Size)
		}
	}
	if a.targetExisted && a.seed {
		used, err := treeSize(a.target)
		if err != nil {
			return err
		}
		need += used
	}

	free, err := a.fs.FreeSpace(filepath.Dir(a.target))
	if err != nil {
		return err
	}
	if free < need {
		return engine.NewPermanentError(
			fmt.Sprintf("need %d bytes next to %s, %d available", need, a.target, free), nil).
			WithCode(engine.ErrCodeNoSpace)
	}
	return nil
}

func treeSize(root string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += uint64(info.Size())
		}
		return nil
	})
	return total, err
}

// Stage applies txn to the staging root in order. It stops at the first
// failure or cancellation.
func (a *Assembler) Stage(ctx context.Context, txn *transaction.Transaction) error {
	if s := a.State(); s != StateStaging {
		return a.stagingError(s, nil, &TransitionError{From: s, To: StateStaging})
	}

	cur := &cursor{fs: a.fs}
	defer cur.close()

	for i := range txn.Ops {
		op := &txn.Ops[i]
		if err := ctx.Err(); err != nil {
			return a.stagingError(StateStaging, op, err)
		}
		if err := a.apply(cur, op); err != nil {
			return a.stagingError(StateStaging, op, err)
		}
		a.metrics.RecordOperation(string(op.Kind))
		if a.hooks.AfterOp != nil {
			if err := a.hooks.AfterOp(i, *op); err != nil {
				return a.stagingError(StateStaging, op, err)
			}
		}
	}
	a.log.Debugf("staged %d operations", len(txn.Ops))
	return nil
}

func (a *Assembler) apply(cur *cursor, op *transaction.Operation) error {
	p := a.stagePath(op.Path)
	switch op.Kind {
	case transaction.OpMkdir:
		mode := op.Mode.Perm()
		if mode == 0 {
			mode = 0o755
		}
		if err := a.fs.MkdirAll(p, mode); err != nil {
			return err
		}
		return a.fs.Chmod(p, mode)

	case transaction.OpChmod:
		return a.fs.Chmod(p, op.Mode)

	case transaction.OpWrite:
		if err := a.clear(p); err != nil {
			return err
		}
		var r io.Reader
		if op.Data != nil {
			r = bytes.NewReader(op.Data)
		} else {
			body, err := cur.open(op.Artifact, op.Path)
			if err != nil {
				return err
			}
			r = body
		}
		n, err := a.fs.WriteFile(p, r, op.Mode.Perm())
		if err != nil {
			return err
		}
		if op.Size > 0 && n != op.Size {
			return fmt.Errorf("wrote %d bytes, want %d", n, op.Size)
		}
		return nil

	case transaction.OpSymlink:
		if err := a.clear(p); err != nil {
			return err
		}
		return a.fs.Symlink(op.Target, p)

	case transaction.OpLink:
		if err := a.clear(p); err != nil {
			return err
		}
		return a.fs.Link(a.stagePath(op.Target), p)

	case transaction.OpRemove:
		err := a.fs.Remove(p)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil

	case transaction.OpRmdir:
		err := a.fs.Remove(p)
		if err != nil && !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, unix.ENOTEMPTY) && !errors.Is(err, unix.EEXIST) {
			return err
		}
		return nil

	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// clear prepares p for a non-directory: parents are created and a file or
// symlink already there is removed. A directory in the way is an error.
func (a *Assembler) clear(p string) error {
	if err := a.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	info, err := a.fs.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return &engine.ConflictError{Kind: engine.ConflictTypeMismatch, Path: p}
	}
	return a.fs.Remove(p)
}

// cursor streams write contents out of package archives. Writes for one
// package arrive in archive order, so each archive is usually read once.
type cursor struct {
	fs       osfs.FS
	artifact string
	rc       io.ReadCloser
	ar       *archive.Reader
}

func (c *cursor) reopen(artifact string) error {
	c.close()
	rc, err := c.fs.Open(artifact)
	if err != nil {
		return err
	}
	ar, err := archive.NewReader(rc)
	if err != nil {
		rc.Close()
		return err
	}
	c.artifact, c.rc, c.ar = artifact, rc, ar
	return nil
}

func (c *cursor) open(artifact, member string) (io.Reader, error) {
	if c.ar == nil || c.artifact != artifact {
		if err := c.reopen(artifact); err != nil {
			return nil, err
		}
	}
	for rewound := false; ; {
		e, err := c.ar.Next()
		if errors.Is(err, io.EOF) && !rewound {
			if err := c.reopen(artifact); err != nil {
				return nil, err
			}
			rewound = true
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%s not found in %s", member, filepath.Base(artifact))
			}
			return nil, err
		}
		if e.Path == member && e.Type == archive.TypeFile {
			return c.ar, nil
		}
	}
}

func (c *cursor) close() {
	if c.ar != nil {
		c.ar.Close()
	}
	if c.rc != nil {
		c.rc.Close()
	}
	c.ar, c.rc, c.artifact = nil, nil, ""
}
