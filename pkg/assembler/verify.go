package assembler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/dodos-os/dodos/pkg/cache"
	"github.com/dodos-os/dodos/pkg/transaction"
)

const specialBits = fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky

type expectation struct {
	kind   transaction.OpKind
	op     *transaction.Operation
	mode   fs.FileMode
	digest string
	target string
}

// expectations folds txn into the final state it leaves each path in.
func expectations(txn *transaction.Transaction) map[string]*expectation {
	want := make(map[string]*expectation)
	for i := range txn.Ops {
		op := &txn.Ops[i]
		switch op.Kind {
		case transaction.OpMkdir:
			mode := op.Mode.Perm()
			if mode == 0 {
				mode = 0o755
			}
			want[op.Path] = &expectation{kind: transaction.OpMkdir, op: op, mode: mode}
		case transaction.OpChmod:
			if e, ok := want[op.Path]; ok {
				e.mode = op.Mode & specialBits
			}
		case transaction.OpWrite:
			want[op.Path] = &expectation{kind: transaction.OpWrite, op: op, mode: op.Mode.Perm(), digest: op.Digest}
		case transaction.OpLink:
			want[op.Path] = &expectation{kind: transaction.OpWrite, op: op, mode: op.Mode & specialBits, digest: op.Digest}
		case transaction.OpSymlink:
			want[op.Path] = &expectation{kind: transaction.OpSymlink, op: op, target: op.Target}
		case transaction.OpRemove:
			want[op.Path] = &expectation{kind: transaction.OpRemove, op: op}
		case transaction.OpRmdir:
			delete(want, op.Path)
		}
	}
	return want
}

// Verify checks that the staging root holds what txn planned: every written
// file with its digest and permissions, every symlink with its target,
// every directory, and no removed path.
func (a *Assembler) Verify(ctx context.Context, txn *transaction.Transaction) error {
	if err := a.transition(StateVerifying); err != nil {
		return a.stagingError(StateVerifying, nil, err)
	}

	want := expectations(txn)
	paths := make([]string, 0, len(want))
	for p := range want {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return a.stagingError(StateVerifying, nil, err)
		}
		e := want[p]
		if err := a.check(p, e); err != nil {
			return a.stagingError(StateVerifying, e.op, err)
		}
	}
	a.log.Debugf("verified %d paths", len(paths))
	return nil
}

func (a *Assembler) check(rel string, e *expectation) error {
	p := a.stagePath(rel)
	info, err := a.fs.Lstat(p)
	if e.kind == transaction.OpRemove {
		if err == nil {
			return errors.New("removed path still exists")
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	switch e.kind {
	case transaction.OpMkdir:
		if !info.IsDir() {
			return fmt.Errorf("want directory, found %s", info.Mode().Type())
		}
	case transaction.OpSymlink:
		if info.Mode()&fs.ModeSymlink == 0 {
			return fmt.Errorf("want symlink, found %s", info.Mode().Type())
		}
		target, err := a.fs.Readlink(p)
		if err != nil {
			return err
		}
		if target != e.target {
			return fmt.Errorf("symlink points to %q, want %q", target, e.target)
		}
		return nil
	case transaction.OpWrite:
		if !info.Mode().IsRegular() {
			return fmt.Errorf("want regular file, found %s", info.Mode().Type())
		}
		if err := a.checkDigest(p, e.digest); err != nil {
			return err
		}
	}

	if got := info.Mode() & specialBits; got != e.mode {
		return fmt.Errorf("mode %s, want %s", got, e.mode)
	}
	return nil
}

func (a *Assembler) checkDigest(p, digest string) error {
	want, err := cache.ParseDigest(digest)
	if err != nil {
		return err
	}
	f, err := a.fs.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	got, _, err := cache.Compute(want.Algo, f)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("content digest %s, want %s", got, want)
	}
	return nil
}
