// Package sysconfig writes system configuration into a committed target
// root: host identity, locale, accounts, enabled services, extra files and
// the output of customisation scripts.
//
// Configuration runs after the package transaction has been promoted, so
// it is never rolled back. Every step runs even when an earlier one fails;
// failures are collected into Result.Failed and reported as a
// *engine.ConfigurationError.
package sysconfig

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/dodos-os/dodos/pkg/archive"
	"github.com/dodos-os/dodos/pkg/engine"
	"github.com/dodos-os/dodos/pkg/telemetry"
)

// DefaultScriptTimeout bounds one customisation script.
const DefaultScriptTimeout = 30 * time.Second

// Failure is one configuration step that failed.
type Failure struct {
	Step string
	Err  error
}

// Result lists the steps applied and the steps that failed, in run order.
type Result struct {
	Applied []string
	Failed  []Failure
}

// Err returns a *engine.ConfigurationError for the failed steps, or nil.
func (r *Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	ce := &engine.ConfigurationError{}
	for _, f := range r.Failed {
		ce.Steps = append(ce.Steps, f.Step)
		ce.Errs = append(ce.Errs, fmt.Errorf("%s: %w", f.Step, f.Err))
	}
	return ce
}

// Applier applies Settings to target roots.
type Applier struct {
	fs            afero.Fs
	log           *telemetry.Logger
	events        *telemetry.EventPublisher
	buildID       string
	scriptTimeout time.Duration
}

// Option configures an Applier.
type Option func(*Applier)

// WithFs sets the filesystem target roots live on.
func WithFs(fsys afero.Fs) Option {
	return func(a *Applier) { a.fs = fsys }
}

// WithLogger sets the logger.
func WithLogger(log *telemetry.Logger) Option {
	return func(a *Applier) { a.log = log }
}

// WithEvents publishes a warning event for every failed step.
func WithEvents(ep *telemetry.EventPublisher, buildID string) Option {
	return func(a *Applier) { a.events, a.buildID = ep, buildID }
}

// WithScriptTimeout bounds each customisation script.
func WithScriptTimeout(d time.Duration) Option {
	return func(a *Applier) { a.scriptTimeout = d }
}

// NewApplier creates an applier on the host filesystem.
func NewApplier(opts ...Option) *Applier {
	a := &Applier{
		fs:            afero.NewOsFs(),
		log:           telemetry.NewNopLogger(),
		scriptTimeout: DefaultScriptTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type step struct {
	name string
	run  func(context.Context, *root) error
}

func (a *Applier) steps(s *Settings) []step {
	var steps []step
	add := func(cond bool, name string, run func(context.Context, *root) error) {
		if cond {
			steps = append(steps, step{name: name, run: run})
		}
	}
	add(s.Hostname != "", "hostname", func(_ context.Context, r *root) error { return writeHostname(r, s.Hostname) })
	add(s.Timezone != "", "timezone", func(_ context.Context, r *root) error { return writeTimezone(r, s.Timezone) })
	add(s.Locale != "", "locale", func(_ context.Context, r *root) error { return writeLocale(r, s.Locale) })
	add(s.Keymap != "", "keymap", func(_ context.Context, r *root) error { return writeKeymap(r, s.Keymap) })
	add(len(s.Groups) > 0 || len(s.Users) > 0, "accounts", func(_ context.Context, r *root) error {
		return writeAccounts(r, s.Groups, s.Users)
	})
	add(len(s.Users) > 0, "homes", func(_ context.Context, r *root) error { return createHomes(r, s.Users) })
	add(hasSudoers(s.Users), "sudoers", func(_ context.Context, r *root) error { return writeSudoers(r, s.Users) })
	for _, unit := range s.Services {
		unit := unit
		add(true, "service "+unit, func(_ context.Context, r *root) error { return enableService(r, unit) })
	}
	for _, f := range s.Files {
		f := f
		add(true, "file "+f.Path, func(_ context.Context, r *root) error { return writeExtraFile(r, f) })
	}
	for i, script := range s.Scripts {
		script, name := script, fmt.Sprintf("script %d", i+1)
		add(true, name, func(ctx context.Context, r *root) error {
			return runScript(ctx, r, name, script, s, a.scriptTimeout, a.log)
		})
	}
	return steps
}

// Apply writes s into the target root at targetRoot. Cancellation of ctx
// is ignored: the packages are already committed and a half-configured
// system is worse than a late one. Scripts are still bounded by the
// script timeout.
func (a *Applier) Apply(ctx context.Context, targetRoot string, s *Settings) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	res := &Result{}
	if s.IsZero() {
		return res, nil
	}

	r := &root{fs: a.fs, dir: filepath.Clean(targetRoot)}
	for _, st := range a.steps(s) {
		if err := st.run(ctx, r); err != nil {
			a.log.WithError(err).Warnf("configuration step %q failed", st.name)
			a.events.PublishStage(a.buildID, engine.EventTypeWarning, engine.StageConfigure,
				fmt.Sprintf("%s: %v", st.name, err))
			res.Failed = append(res.Failed, Failure{Step: st.name, Err: err})
			continue
		}
		a.log.Debugf("configuration step %q applied", st.name)
		res.Applied = append(res.Applied, st.name)
	}
	return res, res.Err()
}

// root resolves slash separated paths inside a target root.
type root struct {
	fs  afero.Fs
	dir string
}

func (r *root) path(name string) (string, error) {
	rel, err := archive.CleanPath(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.dir, filepath.FromSlash(rel)), nil
}

func (r *root) writeFile(name string, data []byte, perm fs.FileMode) error {
	p, err := r.path(name)
	if err != nil {
		return err
	}
	if err := r.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	if info, err := lstat(r.fs, p); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		// Never write through a symlink that may point out of the root.
		if err := r.fs.Remove(p); err != nil {
			return err
		}
	}
	if err := afero.WriteFile(r.fs, p, data, perm); err != nil {
		return err
	}
	return r.fs.Chmod(p, perm)
}

func (r *root) readFile(name string) ([]byte, error) {
	p, err := r.path(name)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(r.fs, p)
}

func (r *root) exists(name string) bool {
	p, err := r.path(name)
	if err != nil {
		return false
	}
	_, err = lstat(r.fs, p)
	return err == nil
}

func (r *root) mkdir(name string, perm fs.FileMode) error {
	p, err := r.path(name)
	if err != nil {
		return err
	}
	if err := r.fs.MkdirAll(p, perm); err != nil {
		return err
	}
	return r.fs.Chmod(p, perm)
}

// symlink creates name pointing at target. The target is stored verbatim;
// absolute targets resolve once the root is booted.
func (r *root) symlink(target, name string) error {
	linker, ok := r.fs.(afero.Linker)
	if !ok {
		return &os.LinkError{Op: "symlink", Old: target, New: name, Err: afero.ErrNoSymlink}
	}
	p, err := r.path(name)
	if err != nil {
		return err
	}
	if err := r.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	if _, err := lstat(r.fs, p); err == nil {
		if err := r.fs.Remove(p); err != nil {
			return err
		}
	}
	return linker.SymlinkIfPossible(target, p)
}

func lstat(fsys afero.Fs, p string) (fs.FileInfo, error) {
	if l, ok := fsys.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(p)
		return info, err
	}
	return fsys.Stat(p)
}

// validName reports whether s is usable as a single path element.
func validName(s string) bool {
	return s != "" && s != "." && s != ".." && path.Base(s) == s
}

var errInvalidName = errors.New("invalid name")
