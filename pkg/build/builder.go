// Package build wires the pipeline stages into one build: index, resolve,
// policy, fetch, plan, stage, verify, promote, configure and bootloader.
package build

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/afero"

	"github.com/dodos-os/dodos/pkg/assembler"
	"github.com/dodos-os/dodos/pkg/bootloader"
	"github.com/dodos-os/dodos/pkg/cache"
	"github.com/dodos-os/dodos/pkg/config"
	"github.com/dodos-os/dodos/pkg/engine"
	"github.com/dodos-os/dodos/pkg/index"
	"github.com/dodos-os/dodos/pkg/osfs"
	"github.com/dodos-os/dodos/pkg/policy"
	"github.com/dodos-os/dodos/pkg/resolver"
	"github.com/dodos-os/dodos/pkg/sysconfig"
	"github.com/dodos-os/dodos/pkg/telemetry"
	"github.com/dodos-os/dodos/pkg/transaction"
)

// Builder runs builds against one package source and one artifact cache.
// A Builder may run several builds one after another.
type Builder struct {
	source engine.PackageSource
	fs     osfs.FS
	afs    afero.Fs
	cache  *cache.Store
	tel    *telemetry.Telemetry

	store      engine.BuildStore
	cacheIndex engine.CacheIndex
	policies   *policy.Engine
	installer  engine.BootloaderInstaller
	asmOpts    []assembler.Option

	workers       int
	maxAttempts   int
	backOff       func() backoff.BackOff
	stepLimit     int
	scriptTimeout time.Duration

	// recording holds the IDs of builds whose events are persisted.
	recording sync.Map
}

// Option configures a Builder.
type Option func(*Builder)

// WithTelemetry sets logging, tracing, metrics and events.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(b *Builder) { b.tel = t }
}

// WithStore persists build history and the event timeline.
func WithStore(s engine.BuildStore) Option {
	return func(b *Builder) { b.store = s }
}

// WithCacheIndex records every artifact the cache holds.
func WithCacheIndex(idx engine.CacheIndex) Option {
	return func(b *Builder) { b.cacheIndex = idx }
}

// WithPolicyEngine replaces the policy engine. The default one holds the
// built-in policies only.
func WithPolicyEngine(e *policy.Engine) Option {
	return func(b *Builder) { b.policies = e }
}

// WithBootloader replaces the installer built from the configuration.
func WithBootloader(i engine.BootloaderInstaller) Option {
	return func(b *Builder) { b.installer = i }
}

// WithAfero sets the filesystem the configuration applier and bootloader
// work on.
func WithAfero(fsys afero.Fs) Option {
	return func(b *Builder) { b.afs = fsys }
}

// WithAssemblerOptions passes options to every assembler.
func WithAssemblerOptions(opts ...assembler.Option) Option {
	return func(b *Builder) { b.asmOpts = append(b.asmOpts, opts...) }
}

// WithWorkers bounds concurrent downloads.
func WithWorkers(n int) Option {
	return func(b *Builder) { b.workers = n }
}

// WithMaxAttempts bounds download attempts per artifact.
func WithMaxAttempts(n int) Option {
	return func(b *Builder) { b.maxAttempts = n }
}

// WithBackOff replaces the retry schedule of downloads.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(b *Builder) { b.backOff = fn }
}

// WithStepLimit bounds the resolver search.
func WithStepLimit(n int) Option {
	return func(b *Builder) { b.stepLimit = n }
}

// WithScriptTimeout bounds each customisation script.
func WithScriptTimeout(d time.Duration) Option {
	return func(b *Builder) { b.scriptTimeout = d }
}

// New creates a builder.
func New(src engine.PackageSource, fsys osfs.FS, store *cache.Store, opts ...Option) (*Builder, error) {
	b := &Builder{
		source:        src,
		fs:            fsys,
		cache:         store,
		stepLimit:     resolver.DefaultStepLimit,
		scriptTimeout: sysconfig.DefaultScriptTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.tel == nil {
		b.tel = telemetry.Nop()
	}
	if b.afs == nil {
		if o, ok := fsys.(*osfs.OS); ok {
			b.afs = o.Afero()
		} else {
			b.afs = afero.NewOsFs()
		}
	}
	if b.policies == nil {
		pe, err := policy.NewEngine(b.tel.Logger.Zerolog())
		if err != nil {
			return nil, err
		}
		b.policies = pe
	}
	if b.store != nil {
		b.tel.Events.Subscribe(b.persistEvent, nil)
	}
	return b, nil
}

func (b *Builder) persistEvent(e *engine.Event) {
	if _, ok := b.recording.Load(e.BuildID); !ok {
		return
	}
	if err := b.store.AppendEvent(context.Background(), e); err != nil {
		b.tel.Logger.WithError(err).Warn("failed to persist build event")
	}
}

// Report describes the outcome of a build.
type Report struct {
	Build  *engine.Build
	Status engine.BuildStatus

	Plan        *engine.Plan
	Policy      *policy.Result
	Artifacts   map[engine.PackageID]*engine.Artifact
	Transaction *transaction.Transaction

	// Configuration is nil when the build stopped before configuring.
	Configuration *sysconfig.Result

	Downloaded int
	Cached     int
}

// run carries the state of one build through its stages.
type run struct {
	b      *Builder
	cfg    *config.BuildConfig
	build  *engine.Build
	report *Report
	log    *telemetry.Logger
}

func (b *Builder) newRun(cfg *config.BuildConfig) *run {
	build := engine.NewBuild(strings.Join(cfg.SourceFiles, ","), cfg.Target)
	return &run{
		b:      b,
		cfg:    cfg,
		build:  build,
		report: &Report{Build: build},
		log:    b.tel.Logger.WithBuildID(build.ID),
	}
}

func (r *run) stage(ctx context.Context, stage engine.Stage, fn func(context.Context) error) error {
	return r.b.tel.RunStage(ctx, r.build.ID, stage, fn)
}

// Resolve indexes the source, resolves cfg and gates the plan with the
// policies. Nothing is downloaded and no history is recorded.
func (b *Builder) Resolve(ctx context.Context, cfg *config.BuildConfig) (*Report, error) {
	r := b.newRun(cfg)
	ctx = r.log.WithContext(b.tel.WithContext(ctx))
	err := r.resolve(ctx)
	r.report.Status = engine.StatusFor(err)
	return r.report, err
}

// Fetch resolves cfg and downloads every planned artifact into the cache.
func (b *Builder) Fetch(ctx context.Context, cfg *config.BuildConfig) (*Report, error) {
	r := b.newRun(cfg)
	ctx = r.log.WithContext(b.tel.WithContext(ctx))
	err := r.resolve(ctx)
	if err == nil {
		err = r.fetch(ctx)
	}
	r.report.Status = engine.StatusFor(err)
	return r.report, err
}

// Build runs the whole pipeline for cfg. The report is never nil; its
// Status tells how far the build got. The returned error is the one that
// decided the status.
func (b *Builder) Build(ctx context.Context, cfg *config.BuildConfig) (*Report, error) {
	r := b.newRun(cfg)
	ctx, span := b.tel.Tracer.StartBuildSpan(ctx, r.build.ID, cfg.Target)
	defer span.End()
	ctx = r.log.WithContext(b.tel.WithContext(ctx))

	b.recording.Store(r.build.ID, struct{}{})
	defer b.recording.Delete(r.build.ID)

	b.tel.Metrics.RecordBuildStarted()
	r.save(ctx)
	b.tel.Events.PublishStage(r.build.ID, engine.EventTypeBuildStarted, "",
		fmt.Sprintf("building %s", cfg.Target))
	r.log.Infof("build started for %s", cfg.Target)

	err := r.pipeline(ctx)

	status := engine.StatusFor(err)
	now := time.Now().UTC()
	r.build.Status = status
	r.build.CompletedAt = &now
	r.build.Downloaded = r.report.Downloaded
	if err != nil {
		r.build.Error = err.Error()
	}
	r.report.Status = status
	r.save(ctx)

	b.tel.Metrics.RecordBuildCompleted(string(status), r.build.Duration())
	telemetry.SetAttributes(span, telemetry.AttrBuildStatus.String(string(status)))
	if status.IsSuccess() {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, err)
	}

	msg := fmt.Sprintf("build %s in %s", status, r.build.Duration().Round(time.Millisecond))
	if status == engine.BuildStatusSuccess {
		b.tel.Events.PublishStage(r.build.ID, engine.EventTypeBuildCompleted, "", msg)
		r.log.Info(msg)
	} else {
		b.tel.Events.PublishStage(r.build.ID, engine.EventTypeBuildFailed, "", msg)
		r.log.WithError(err).Error(msg)
	}
	return r.report, err
}

func (r *run) save(ctx context.Context) {
	if r.b.store == nil {
		return
	}
	if err := r.b.store.SaveBuild(context.WithoutCancel(ctx), r.build); err != nil {
		r.log.WithError(err).Warn("failed to save build record")
	}
}

func (r *run) pipeline(ctx context.Context) error {
	if err := r.resolve(ctx); err != nil {
		return err
	}
	if r.b.store != nil {
		if err := r.b.store.SavePlanEntries(context.WithoutCancel(ctx), r.build.ID, r.report.Plan); err != nil {
			r.log.WithError(err).Warn("failed to save plan")
		}
	}
	if err := r.fetch(ctx); err != nil {
		return err
	}
	if err := r.assemble(ctx); err != nil {
		return err
	}
	return r.configure(ctx)
}

func (r *run) resolve(ctx context.Context) error {
	var idx *index.Index
	err := r.stage(ctx, engine.StageIndex, func(ctx context.Context) error {
		var err error
		idx, err = index.Load(ctx, r.b.source)
		if err == nil {
			telemetry.FromContext(ctx).Infof("indexed %d packages", idx.Len())
		}
		return err
	})
	if err != nil {
		return err
	}

	err = r.stage(ctx, engine.StageResolve, func(ctx context.Context) error {
		requested, err := r.cfg.Requested()
		if err != nil {
			return err
		}
		ranges, err := r.cfg.Ranges()
		if err != nil {
			return err
		}
		plan, err := resolver.New(idx, resolver.WithStepLimit(r.b.stepLimit)).Resolve(requested, ranges)
		if err != nil {
			return err
		}
		r.report.Plan = plan
		r.build.Packages = plan.Len()
		r.b.tel.Metrics.SetPlannedPackages(plan.Len())
		telemetry.SpanFromContext(ctx).SetAttributes(telemetry.AttrPlanSize.Int(plan.Len()))
		telemetry.FromContext(ctx).Infof("resolved %d packages", plan.Len())
		return nil
	})
	if err != nil {
		return err
	}

	return r.stage(ctx, engine.StagePolicy, func(ctx context.Context) error {
		if len(r.cfg.Policies.Files) > 0 {
			if err := r.b.policies.LoadPolicies(ctx, r.cfg.Policies.Files); err != nil {
				return err
			}
		}
		input := policy.NewInput(r.report.Plan, r.cfg.Policies)
		input.Target = r.cfg.Target
		input.Arch = r.cfg.Repository.Arch
		input.BuildID = r.build.ID

		res, err := r.b.policies.EvaluatePlan(ctx, input)
		if err != nil {
			return err
		}
		r.report.Policy = res
		for _, w := range res.Warnings {
			r.b.tel.Events.PublishStage(r.build.ID, engine.EventTypeWarning, engine.StagePolicy, w.String())
			telemetry.FromContext(ctx).Warn(w.String())
		}
		return res.Err()
	})
}

func (r *run) fetch(ctx context.Context) error {
	return r.stage(ctx, engine.StageFetch, func(ctx context.Context) error {
		opts := []cache.Option{
			cache.WithLogger(telemetry.FromContext(ctx)),
			cache.WithMetrics(r.b.tel.Metrics),
			cache.WithEvents(r.b.tel.Events, r.build.ID),
		}
		if r.b.workers > 0 {
			opts = append(opts, cache.WithWorkers(r.b.workers))
		}
		if r.b.maxAttempts > 0 {
			opts = append(opts, cache.WithMaxAttempts(r.b.maxAttempts))
		}
		if r.b.backOff != nil {
			opts = append(opts, cache.WithBackOff(r.b.backOff))
		}
		if r.b.cacheIndex != nil {
			opts = append(opts, cache.WithCacheIndex(r.b.cacheIndex))
		}

		artifacts, err := cache.NewFetcher(r.b.source, r.b.cache, opts...).FetchAll(ctx, r.report.Plan)
		r.report.Artifacts = artifacts
		for _, art := range artifacts {
			if art.Cached {
				r.report.Cached++
			} else {
				r.report.Downloaded++
			}
		}
		return err
	})
}

func (r *run) assemble(ctx context.Context) error {
	err := r.stage(ctx, engine.StagePlan, func(ctx context.Context) error {
		installed, err := transaction.ReadInstalled(r.b.fs, r.cfg.Target)
		if err != nil {
			return err
		}
		planner := transaction.NewPlanner(
			transaction.WithPrune(r.cfg.PruneEnabled()),
			transaction.WithLogger(telemetry.FromContext(ctx)),
		)
		txn, err := planner.Plan(r.report.Plan, r.report.Artifacts, installed)
		if err != nil {
			return err
		}
		r.report.Transaction = txn
		telemetry.FromContext(ctx).Infof("planned %d operations", txn.Len())
		return nil
	})
	if err != nil {
		return err
	}

	opts := append([]assembler.Option{
		assembler.WithLogger(r.log.NewComponentLogger("assembler")),
		assembler.WithMetrics(r.b.tel.Metrics),
	}, r.b.asmOpts...)
	asm := assembler.New(r.b.fs, r.cfg.Target, opts...)
	txn := r.report.Transaction

	rollback := func(err error) error {
		if rbErr := asm.Rollback(ctx); rbErr != nil {
			r.log.WithError(rbErr).Warn("rollback incomplete")
		}
		r.b.tel.Events.PublishStage(r.build.ID, engine.EventTypeRolledBack, "", "staging root discarded, target unchanged")
		return err
	}

	err = r.stage(ctx, engine.StageStage, func(ctx context.Context) error {
		if err := asm.Begin(ctx, txn); err != nil {
			return err
		}
		return asm.Stage(ctx, txn)
	})
	if err != nil {
		return rollback(err)
	}
	err = r.stage(ctx, engine.StageVerify, func(ctx context.Context) error {
		if err := asm.Verify(ctx, txn); err != nil {
			return err
		}
		// Last point at which cancellation is honoured.
		if err := ctx.Err(); err != nil {
			return &engine.StagingError{State: string(assembler.StateVerifying), Err: err}
		}
		return nil
	})
	if err != nil {
		return rollback(err)
	}
	return r.stage(ctx, engine.StagePromote, asm.Promote)
}

// configure runs after the commit; cancellation no longer applies. The
// bootloader is only installed once the system configuration succeeded.
func (r *run) configure(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	if r.cfg.System != nil && !r.cfg.System.IsZero() {
		err := r.stage(ctx, engine.StageConfigure, func(ctx context.Context) error {
			applier := sysconfig.NewApplier(
				sysconfig.WithFs(r.b.afs),
				sysconfig.WithLogger(telemetry.FromContext(ctx)),
				sysconfig.WithEvents(r.b.tel.Events, r.build.ID),
				sysconfig.WithScriptTimeout(r.b.scriptTimeout),
			)
			res, err := applier.Apply(ctx, r.cfg.Target, r.cfg.System)
			r.report.Configuration = res
			return err
		})
		if err != nil {
			r.b.tel.Events.PublishStage(r.build.ID, engine.EventTypeWarning, engine.StageBootload,
				"bootloader not installed, system configuration incomplete")
			r.log.Warn("skipping bootloader, system configuration incomplete")
			return err
		}
	}

	return r.stage(ctx, engine.StageBootload, func(ctx context.Context) error {
		installer := r.b.installer
		if installer == nil {
			bl, err := bootloader.New(r.cfg.Bootloader,
				bootloader.WithFs(r.b.afs),
				bootloader.WithLogger(telemetry.FromContext(ctx)),
			)
			if err != nil {
				return err
			}
			installer = bl
		}
		if err := installer.Install(ctx, r.cfg.Target); err != nil {
			return &engine.ConfigurationError{Steps: []string{"bootloader"}, Errs: []error{err}}
		}
		return nil
	})
}
