package assembler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dodos-os/dodos/pkg/archive"
	"github.com/dodos-os/dodos/pkg/engine"
	"github.com/dodos-os/dodos/pkg/osfs"
	"github.com/dodos-os/dodos/pkg/transaction"
	"github.com/dodos-os/dodos/pkg/version"
)

type pkgSpec struct {
	name, version string
	files         []archive.File
}

func buildTxn(t *testing.T, target string, specs ...pkgSpec) *transaction.Transaction {
	t.Helper()
	dir := t.TempDir()
	plan := &engine.Plan{}
	artifacts := make(map[engine.PackageID]*engine.Artifact)
	for _, s := range specs {
		id := engine.PackageID{Name: s.name, Version: version.MustParse(s.version)}
		var buf bytes.Buffer
		require.NoError(t, archive.Write(&buf, archive.FormatZstd, s.files))
		path := filepath.Join(dir, id.String()+".pkg.tar.zst")
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
		plan.Packages = append(plan.Packages, &engine.Package{ID: id})
		artifacts[id] = &engine.Artifact{ID: id, Path: path}
	}

	installed, err := transaction.ReadInstalled(osfs.NewOS(), target)
	require.NoError(t, err)
	txn, err := transaction.NewPlanner().Plan(plan, artifacts, installed)
	require.NoError(t, err)
	return txn
}

var (
	libc = pkgSpec{"libc", "2.1", []archive.File{
		{Path: "usr/", Type: archive.TypeDir, Mode: 0o755},
		{Path: "usr/lib/", Type: archive.TypeDir, Mode: 0o755},
		{Path: "usr/lib/libc.so.6", Mode: 0o755, Content: []byte("libc 2.1")},
	}}
	bash51 = pkgSpec{"bash", "5.1", []archive.File{
		{Path: "usr/", Type: archive.TypeDir, Mode: 0o755},
		{Path: "usr/bin/", Type: archive.TypeDir, Mode: 0o755},
		{Path: "usr/bin/bash", Mode: 0o755, Content: []byte("bash 5.1")},
		{Path: "usr/bin/bashbug", Mode: 0o755, Content: []byte("bashbug")},
		{Path: "usr/bin/sh", Type: archive.TypeSymlink, Linkname: "bash"},
	}}
	bash52 = pkgSpec{"bash", "5.2", []archive.File{
		{Path: "usr/", Type: archive.TypeDir, Mode: 0o755},
		{Path: "usr/bin/", Type: archive.TypeDir, Mode: 0o755},
		{Path: "usr/bin/bash", Mode: 0o755, Content: []byte("bash 5.2")},
		{Path: "usr/bin/rbash", Type: archive.TypeHardlink, Linkname: "usr/bin/bash"},
		{Path: "usr/bin/sh", Type: archive.TypeSymlink, Linkname: "bash"},
	}}
)

// snapshot records every path under root with its type, mode and content.
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	snap := make(map[string]string)
	if _, err := os.Lstat(root); errors.Is(err, fs.ErrNotExist) {
		return snap
	}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		info, err := os.Lstat(p)
		if err != nil {
			return err
		}
		desc := info.Mode().String()
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			desc += " -> " + target
		case info.Mode().IsRegular():
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			desc += " " + string(data)
		}
		snap[rel] = desc
		return nil
	})
	require.NoError(t, err)
	return snap
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// existingTarget commits a first build of libc and bash 5.1 plus a file no
// package owns.
func existingTarget(t *testing.T) string {
	t.Helper()
	target := filepath.Join(t.TempDir(), "root")
	txn := buildTxn(t, target, libc, bash51)
	require.NoError(t, New(osfs.NewOS(), target).Run(context.Background(), txn))
	require.NoError(t, os.MkdirAll(filepath.Join(target, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "etc", "hostname"), []byte("dodos\n"), 0o644))
	return target
}

func TestRun_FirstBuild(t *testing.T) {
	target := filepath.Join(t.TempDir(), "root")
	txn := buildTxn(t, target, libc, bash51)

	a := New(osfs.NewOS(), target)
	require.NoError(t, a.Run(context.Background(), txn))

	assert.Equal(t, StateCommitted, a.State())
	assert.Equal(t, []State{StateIdle, StateStaging, StateVerifying, StatePromoting, StateCommitted}, a.History())
	assert.Equal(t, "libc 2.1", readFile(t, filepath.Join(target, "usr/lib/libc.so.6")))
	assert.Equal(t, "bash 5.1", readFile(t, filepath.Join(target, "usr/bin/bash")))
	link, err := os.Readlink(filepath.Join(target, "usr/bin/sh"))
	require.NoError(t, err)
	assert.Equal(t, "bash", link)

	db, err := transaction.ReadInstalled(osfs.NewOS(), target)
	require.NoError(t, err)
	assert.Len(t, db.Packages, 2)

	assert.NoFileExists(t, a.JournalPath())
	assert.NoDirExists(t, a.StagingRoot())
}

func TestRun_IncrementalUpgrade(t *testing.T) {
	target := existingTarget(t)
	txn := buildTxn(t, target, libc, bash52)

	a := New(osfs.NewOS(), target)
	require.NoError(t, a.Run(context.Background(), txn))

	assert.Equal(t, "bash 5.2", readFile(t, filepath.Join(target, "usr/bin/bash")))
	assert.Equal(t, "bash 5.2", readFile(t, filepath.Join(target, "usr/bin/rbash")))
	assert.NoFileExists(t, filepath.Join(target, "usr/bin/bashbug"))
	assert.Equal(t, "dodos\n", readFile(t, filepath.Join(target, "etc/hostname")), "unowned files survive")
	assert.NoDirExists(t, a.StagingRoot(), "displaced tree is removed")

	db, err := transaction.ReadInstalled(osfs.NewOS(), target)
	require.NoError(t, err)
	assert.Equal(t, "5.2", db.Find("bash").Version)
}

func TestRun_SeedKeepsSpecialModeBits(t *testing.T) {
	target := existingTarget(t)
	sudo := filepath.Join(target, "usr/bin/sudo")
	require.NoError(t, os.WriteFile(sudo, []byte("sudo"), 0o755))
	require.NoError(t, os.Chmod(sudo, 0o755|os.ModeSetuid))
	tmp := filepath.Join(target, "var/tmp")
	require.NoError(t, os.MkdirAll(tmp, 0o755))
	require.NoError(t, os.Chmod(tmp, 0o777|os.ModeSticky))

	txn := buildTxn(t, target, libc, bash52)
	require.NoError(t, New(osfs.NewOS(), target).Run(context.Background(), txn))

	special := os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky
	info, err := os.Lstat(sudo)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755)|os.ModeSetuid, info.Mode()&special)
	info, err = os.Lstat(tmp)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o777)|os.ModeSticky, info.Mode()&special)
	assert.Equal(t, "bash 5.2", readFile(t, filepath.Join(target, "usr/bin/bash")))
}

func TestAtomicity_InjectedFailures(t *testing.T) {
	boom := errors.New("injected failure")
	probe := buildTxn(t, existingTarget(t), libc, bash52)

	cases := map[string]Hooks{
		"entering staging":   {OnEnter: func(s State) error { return when(s == StateStaging, boom) }},
		"entering verifying": {OnEnter: func(s State) error { return when(s == StateVerifying, boom) }},
	}
	for i := range probe.Ops {
		i := i
		cases[fmt.Sprintf("after op %d", i)] = Hooks{AfterOp: func(n int, _ transaction.Operation) error {
			return when(n == i, boom)
		}}
	}

	for name, hooks := range cases {
		t.Run(name, func(t *testing.T) {
			target := existingTarget(t)
			before := snapshot(t, target)
			txn := buildTxn(t, target, libc, bash52)

			a := New(osfs.NewOS(), target, WithHooks(hooks))
			err := a.Run(context.Background(), txn)

			require.ErrorIs(t, err, boom)
			var se *engine.StagingError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, engine.BuildStatusStagingFailure, engine.StatusFor(err))
			assert.Equal(t, StateRolledBack, a.State())
			assert.Equal(t, before, snapshot(t, target), "target must be byte-identical")
			assert.NoDirExists(t, a.StagingRoot())
		})
	}
}

func when(cond bool, err error) error {
	if cond {
		return err
	}
	return nil
}

func TestAtomicity_FilesystemFault(t *testing.T) {
	target := existingTarget(t)
	before := snapshot(t, target)
	txn := buildTxn(t, target, libc, bash52)

	fsys := &osfs.FaultFS{FS: osfs.NewOS(), Fail: func(op, path string) error {
		if op == "link" && filepath.Base(path) == "rbash" {
			return errors.New("too many links")
		}
		return nil
	}}
	err := New(fsys, target).Run(context.Background(), txn)

	var se *engine.StagingError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, string(StateStaging), se.State)
	assert.Equal(t, "link", se.Op)
	assert.Equal(t, "usr/bin/rbash", se.Path)
	assert.Equal(t, before, snapshot(t, target))
}

func TestVerify_DetectsTampering(t *testing.T) {
	target := filepath.Join(t.TempDir(), "root")
	txn := buildTxn(t, target, libc)
	ctx := context.Background()

	a := New(osfs.NewOS(), target)
	require.NoError(t, a.Begin(ctx, txn))
	require.NoError(t, a.Stage(ctx, txn))
	require.NoError(t, os.WriteFile(filepath.Join(a.StagingRoot(), "usr/lib/libc.so.6"), []byte("evil"), 0o755))

	err := a.Verify(ctx, txn)
	var se *engine.StagingError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, string(StateVerifying), se.State)
	assert.Equal(t, "usr/lib/libc.so.6", se.Path)
	assert.ErrorContains(t, err, "content digest")

	require.NoError(t, a.Rollback(ctx))
	assert.NoDirExists(t, target)
}

func TestVerify_DetectsModeDrift(t *testing.T) {
	target := filepath.Join(t.TempDir(), "root")
	txn := buildTxn(t, target, libc)
	ctx := context.Background()

	a := New(osfs.NewOS(), target)
	require.NoError(t, a.Begin(ctx, txn))
	require.NoError(t, a.Stage(ctx, txn))
	require.NoError(t, os.Chmod(filepath.Join(a.StagingRoot(), "usr/lib/libc.so.6"), 0o600))

	assert.ErrorContains(t, a.Verify(ctx, txn), "mode")
}

func TestPromote_FailureIsFatal(t *testing.T) {
	target := existingTarget(t)
	before := snapshot(t, target)
	txn := buildTxn(t, target, libc, bash52)

	fsys := &osfs.FaultFS{FS: osfs.NewOS(), Fail: func(op, _ string) error {
		if op == "exchange" {
			return errors.New("device busy")
		}
		return nil
	}}
	a := New(fsys, target)
	err := a.Run(context.Background(), txn)

	var pe *engine.PromotionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, engine.BuildStatusPromotionFailure, engine.StatusFor(err))
	assert.Contains(t, err.Error(), "FATAL")
	assert.Equal(t, StateRolledBack, a.State())
	assert.Equal(t, before, snapshot(t, target))

	j, err := ReadJournal(a.JournalPath())
	require.NoError(t, err)
	assert.Equal(t, target, j.Target)
	assert.Equal(t, a.StagingRoot(), j.Staging)
	assert.True(t, j.TargetExisted)
}

func TestBegin_RefusesUnfinishedPromotion(t *testing.T) {
	target := existingTarget(t)
	before := snapshot(t, target)

	exchangeFails := &osfs.FaultFS{FS: osfs.NewOS(), Fail: func(op, _ string) error {
		if op == "exchange" {
			return errors.New("device busy")
		}
		return nil
	}}
	failed := New(exchangeFails, target)
	var pe *engine.PromotionError
	require.ErrorAs(t, failed.Run(context.Background(), buildTxn(t, target, libc, bash52)), &pe)

	pending, err := Inspect(osfs.NewOS(), target)
	require.NoError(t, err)
	require.NotNil(t, pending)
	require.NoError(t, pending.DecodeErr)
	assert.Equal(t, failed.JournalPath(), pending.JournalPath)
	assert.Equal(t, target, pending.Journal.Target)
	assert.True(t, pending.TargetExists)
	assert.True(t, pending.StagingExists)

	a := New(osfs.NewOS(), target)
	err = a.Run(context.Background(), buildTxn(t, target, libc, bash52))
	var ppe *PendingPromotionError
	require.ErrorAs(t, err, &ppe)
	assert.Equal(t, engine.BuildStatusStagingFailure, engine.StatusFor(err))
	assert.ErrorContains(t, err, "dodos-builder recover")
	assert.DirExists(t, a.StagingRoot(), "staging root is kept for recovery")
	assert.Equal(t, before, snapshot(t, target))

	require.NoError(t, ClearJournal(osfs.NewOS(), target))
	pending, err = Inspect(osfs.NewOS(), target)
	require.NoError(t, err)
	assert.Nil(t, pending)

	require.NoError(t, New(osfs.NewOS(), target).Run(context.Background(), buildTxn(t, target, libc, bash52)))
	assert.Equal(t, "bash 5.2", readFile(t, filepath.Join(target, "usr/bin/bash")))
}

func TestCancellation(t *testing.T) {
	target := existingTarget(t)
	before := snapshot(t, target)
	txn := buildTxn(t, target, libc, bash52)

	ctx, cancel := context.WithCancel(context.Background())
	a := New(osfs.NewOS(), target, WithHooks(Hooks{AfterOp: func(i int, _ transaction.Operation) error {
		if i == 2 {
			cancel()
		}
		return nil
	}}))
	err := a.Run(ctx, txn)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, engine.BuildStatusCancelled, engine.StatusFor(err))
	assert.Equal(t, before, snapshot(t, target))
}

func TestPromote_IgnoresCancellation(t *testing.T) {
	target := filepath.Join(t.TempDir(), "root")
	txn := buildTxn(t, target, libc)

	ctx, cancel := context.WithCancel(context.Background())
	a := New(osfs.NewOS(), target)
	require.NoError(t, a.Begin(ctx, txn))
	require.NoError(t, a.Stage(ctx, txn))
	require.NoError(t, a.Verify(ctx, txn))
	cancel()

	require.NoError(t, a.Promote(ctx))
	assert.Equal(t, StateCommitted, a.State())
	assert.FileExists(t, filepath.Join(target, "usr/lib/libc.so.6"))
}

func TestIllegalTransitions(t *testing.T) {
	target := filepath.Join(t.TempDir(), "root")
	txn := buildTxn(t, target, libc)
	a := New(osfs.NewOS(), target)

	var te *TransitionError
	require.ErrorAs(t, a.Stage(context.Background(), txn), &te)
	require.ErrorAs(t, a.Verify(context.Background(), txn), &te)
	assert.Equal(t, StateIdle, a.State())

	assert.True(t, CanTransition(StateIdle, StateStaging))
	assert.True(t, CanTransition(StatePromoting, StateRolledBack))
	assert.False(t, CanTransition(StateIdle, StateCommitted))
	assert.False(t, CanTransition(StateCommitted, StateStaging))
	assert.True(t, StateCommitted.IsTerminal())
	assert.True(t, StateRolledBack.IsTerminal())
	assert.False(t, StateVerifying.IsTerminal())
}

type smallDisk struct{ osfs.FS }

func (smallDisk) FreeSpace(string) (uint64, error) { return 4, nil }

func TestBegin_InsufficientSpace(t *testing.T) {
	target := filepath.Join(t.TempDir(), "root")
	txn := buildTxn(t, target, libc)

	err := New(smallDisk{osfs.NewOS()}, target).Run(context.Background(), txn)
	var ee *engine.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engine.ErrCodeNoSpace, ee.Code)
	assert.Equal(t, engine.BuildStatusStagingFailure, engine.StatusFor(err))
	assert.NoDirExists(t, target)
}

func TestStaleStagingRootIsReplaced(t *testing.T) {
	target := filepath.Join(t.TempDir(), "root")
	txn := buildTxn(t, target, libc)
	a := New(osfs.NewOS(), target)

	require.NoError(t, os.MkdirAll(filepath.Join(a.StagingRoot(), "junk"), 0o755))
	require.NoError(t, a.Run(context.Background(), txn))
	assert.NoDirExists(t, filepath.Join(target, "junk"))
}

func TestJournalRoundTrip(t *testing.T) {
	data, err := MarshalJournal(newJournal("/srv/root", "/srv/.root.dodos-staging", "exchange", true))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "journal")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	j, err := ReadJournal(path)
	require.NoError(t, err)
	assert.Equal(t, journalVersion, j.Version)
	assert.Equal(t, "/srv/root", j.Target)
	assert.Equal(t, "/srv/.root.dodos-staging", j.Staging)
	assert.Equal(t, "exchange", j.Phase)
	assert.True(t, j.TargetExisted)
	assert.NotZero(t, j.StartedAt)
}
