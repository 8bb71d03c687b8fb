package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dodos-os/dodos/pkg/engine"
	"github.com/dodos-os/dodos/pkg/telemetry"
)

// Defaults for a Fetcher.
const (
	DefaultWorkers     = 4
	DefaultMaxAttempts = 3
)

// Fetcher downloads and verifies the artifacts of a plan into a Store.
type Fetcher struct {
	source      engine.PackageSource
	store       *Store
	workers     int
	maxAttempts int
	newBackOff  func() backoff.BackOff

	log     *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	buildID string
	index   engine.CacheIndex
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithWorkers bounds the number of concurrent downloads.
func WithWorkers(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.workers = n
		}
	}
}

// WithMaxAttempts bounds the attempts per artifact, first try included.
func WithMaxAttempts(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithBackOff sets the policy used between attempts. The function is called
// once per artifact.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(f *Fetcher) { f.newBackOff = fn }
}

// WithLogger sets the logger.
func WithLogger(log *telemetry.Logger) Option {
	return func(f *Fetcher) { f.log = log }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithEvents publishes per-artifact events for the given build.
func WithEvents(ep *telemetry.EventPublisher, buildID string) Option {
	return func(f *Fetcher) {
		f.events = ep
		f.buildID = buildID
	}
}

// WithCacheIndex records every stored artifact in idx.
func WithCacheIndex(idx engine.CacheIndex) Option {
	return func(f *Fetcher) { f.index = idx }
}

// NewFetcher creates a fetcher reading from source into store.
func NewFetcher(source engine.PackageSource, store *Store, opts ...Option) *Fetcher {
	f := &Fetcher{
		source:      source,
		store:       store,
		workers:     DefaultWorkers,
		maxAttempts: DefaultMaxAttempts,
		newBackOff:  defaultBackOff,
		log:         telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return b
}

// FetchAll fetches every artifact of plan with a bounded worker pool.
// Failures do not cancel downloads already in flight; they are collected
// into one *engine.FetchStageError in plan order. The returned map holds
// every artifact that succeeded.
func (f *Fetcher) FetchAll(ctx context.Context, plan *engine.Plan) (map[engine.PackageID]*engine.Artifact, error) {
	n := plan.Len()
	artifacts := make(map[engine.PackageID]*engine.Artifact, n)
	if n == 0 {
		return artifacts, nil
	}

	workerCount := f.workers
	if n < workerCount {
		workerCount = n
	}

	workQueue := make(chan int, n)
	for i := range plan.Packages {
		workQueue <- i
	}
	close(workQueue)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures = make([]error, n)
	)

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for pos := range workQueue {
				pkg := plan.Packages[pos]
				if ctx.Err() != nil {
					failures[pos] = &engine.FetchError{Package: pkg.ID, Err: ctx.Err()}
					continue
				}

				art, err := f.Fetch(ctx, pkg)
				if err != nil {
					failures[pos] = err
					continue
				}
				mu.Lock()
				artifacts[pkg.ID] = art
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return artifacts, err
	}

	var collected []error
	for _, err := range failures {
		if err != nil {
			collected = append(collected, err)
		}
	}
	if len(collected) > 0 {
		return artifacts, &engine.FetchStageError{Failures: collected}
	}
	return artifacts, nil
}

// Fetch returns the verified artifact of one package, downloading it unless
// the store already holds its digest. Identical in-flight downloads of any
// Fetcher on the same Store are coalesced; only the caller that performed the
// transfer gets an uncached artifact.
func (f *Fetcher) Fetch(ctx context.Context, pkg *engine.Package) (*engine.Artifact, error) {
	d, err := ParseDigest(pkg.Artifact.Digest)
	if err != nil {
		return nil, &engine.FetchError{Package: pkg.ID, Err: engine.NewPermanentError("invalid digest", err)}
	}

	if path, size, ok := f.store.Lookup(d); ok {
		return f.cached(ctx, pkg, d, path, size), nil
	}

	leader := false
	v, err, _ := f.store.inflight.Do(d.String(), func() (interface{}, error) {
		leader = true
		// A flight for d may have finished between Lookup and Do.
		if path, size, ok := f.store.Lookup(d); ok {
			return f.cached(ctx, pkg, d, path, size), nil
		}
		return f.download(ctx, pkg, d)
	})
	if err != nil {
		return nil, err
	}

	art := *v.(*engine.Artifact)
	art.ID = pkg.ID
	if !leader {
		f.metrics.RecordCacheHit()
		art.Cached = true
		f.record(ctx, &art, f.log.WithPackage(pkg.ID.Name, pkg.ID.Version.String()))
	}
	return &art, nil
}

func (f *Fetcher) cached(ctx context.Context, pkg *engine.Package, d Digest, path string, size int64) *engine.Artifact {
	f.metrics.RecordCacheHit()
	log := f.log.WithPackage(pkg.ID.Name, pkg.ID.Version.String())
	log.Debug("artifact cached")
	art := &engine.Artifact{ID: pkg.ID, Digest: d.String(), Size: size, Path: path, Cached: true}
	f.record(ctx, art, log)
	return art
}

func (f *Fetcher) download(ctx context.Context, pkg *engine.Package, d Digest) (*engine.Artifact, error) {
	ctx, span := telemetry.TracerFromContext(ctx).StartFetchSpan(ctx, pkg.ID.Name, pkg.ID.Version.String(), d.String())
	defer span.End()

	log := f.log.WithPackage(pkg.ID.Name, pkg.ID.Version.String())
	timer := telemetry.NewTimer()

	var (
		attempts int
		received int64
	)
	operation := func() (string, error) {
		attempts++
		rc, err := f.source.Fetch(ctx, pkg.Artifact)
		if err != nil {
			if ctx.Err() != nil {
				return "", backoff.Permanent(ctx.Err())
			}
			return "", retryable(err)
		}
		defer rc.Close()

		path, n, err := f.store.Ingest(rc, d, pkg.Artifact.Size)
		received += n

		var mismatch *MismatchError
		var readErr *ReadError
		switch {
		case err == nil:
			return path, nil
		case errors.As(err, &mismatch):
			f.metrics.RecordVerificationFailure()
			return "", &engine.VerificationError{
				Package:      pkg.ID,
				Expected:     mismatch.Expected.String(),
				Actual:       mismatch.Actual.String(),
				ExpectedSize: mismatch.ExpectedSize,
				ActualSize:   mismatch.ActualSize,
			}
		case errors.As(err, &readErr):
			if ctx.Err() != nil {
				return "", backoff.Permanent(ctx.Err())
			}
			return "", retryable(readErr.Err)
		default:
			return "", backoff.Permanent(err)
		}
	}

	path, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(f.newBackOff()),
		backoff.WithMaxTries(uint(f.maxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			f.metrics.RecordFetchRetry()
			log.WithError(err).Warnf("attempt %d/%d failed, retrying in %s", attempts, f.maxAttempts, wait.Round(time.Millisecond))
		}),
	)
	if err != nil {
		f.metrics.RecordFetch("failed", received, timer.Duration())
		telemetry.RecordError(span, err)
		err = attribute(pkg.ID, attempts, err)
		f.events.PublishPackage(f.buildID, engine.EventTypeArtifactFailed, engine.StageFetch,
			pkg.ID.Name, err.Error(), map[string]interface{}{"attempts": attempts, "digest": d.String()})
		log.WithError(err).Error("artifact fetch failed")
		return nil, err
	}

	f.metrics.RecordFetch("downloaded", received, timer.Duration())
	telemetry.RecordSuccess(span)

	art := &engine.Artifact{ID: pkg.ID, Digest: d.String(), Size: pkg.Artifact.Size, Path: path}
	if art.Size <= 0 {
		if _, size, ok := f.store.Lookup(d); ok {
			art.Size = size
		}
	}
	f.record(ctx, art, log)
	f.events.PublishPackage(f.buildID, engine.EventTypeArtifactCached, engine.StageFetch,
		pkg.ID.Name, fmt.Sprintf("%s cached (%d bytes)", pkg.ID, art.Size),
		map[string]interface{}{"attempts": attempts, "digest": d.String()})
	log.Debugf("artifact downloaded in %d attempt(s)", attempts)
	return art, nil
}

func (f *Fetcher) record(ctx context.Context, art *engine.Artifact, log *telemetry.Logger) {
	if f.index == nil {
		return
	}
	if err := f.index.RecordCacheEntry(ctx, art); err != nil {
		log.WithError(err).Warn("failed to record cache entry")
	}
}

// retryable marks errors the source classified as permanent or conflicting
// so that backoff stops. Unclassified transport errors are retried.
func retryable(err error) error {
	var c interface{ ErrorClass() engine.ErrorClass }
	if errors.As(err, &c) {
		switch c.ErrorClass() {
		case engine.ErrorClassPermanent, engine.ErrorClassConflict:
			return backoff.Permanent(err)
		}
	}
	return err
}

// attribute turns the last attempt's error into the per-package error the
// stage reports.
func attribute(id engine.PackageID, attempts int, err error) error {
	var verr *engine.VerificationError
	if errors.As(err, &verr) {
		verr.Attempts = attempts
		return verr
	}
	var ferr *engine.FetchError
	if errors.As(err, &ferr) {
		ferr.Attempts = attempts
		return ferr
	}
	return &engine.FetchError{Package: id, Attempts: attempts, Err: err}
}
