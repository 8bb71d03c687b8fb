package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dodos-os/dodos/pkg/build"
	"github.com/dodos-os/dodos/pkg/cache"
	"github.com/dodos-os/dodos/pkg/config"
	"github.com/dodos-os/dodos/pkg/osfs"
	"github.com/dodos-os/dodos/pkg/source"
	"github.com/dodos-os/dodos/pkg/stores"
	"github.com/dodos-os/dodos/pkg/telemetry"
)

// env holds what a command needs, built from the settings.
type env struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	cache    *cache.Store
	store    *stores.SQLiteStore
}

// newEnv loads the settings and opens telemetry, the artifact cache and,
// when withStore is set and a database is configured, the build history.
func newEnv(ctx context.Context, withStore bool) (*env, error) {
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(settings, appVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	store, err := cache.NewStore(settings.CacheDir)
	if err != nil {
		return nil, err
	}

	e := &env{settings: settings, tel: tel, cache: store}
	if withStore && settings.StateDB != "" {
		if settings.StateDB != stores.MemoryPath {
			if err := os.MkdirAll(filepath.Dir(settings.StateDB), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create state directory: %w", err)
			}
		}
		db, err := stores.Open(ctx, stores.Config{Path: settings.StateDB})
		if err != nil {
			return nil, err
		}
		e.store = db
	}
	return e, nil
}

// requireStore fails when history is disabled.
func (e *env) requireStore() error {
	if e.store == nil {
		return errors.New("build history is disabled: state_db is empty")
	}
	return nil
}

func (e *env) close(ctx context.Context) {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.tel.Logger.WithError(err).Warn("failed to close state database")
		}
	}
	if err := e.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		e.tel.Logger.WithError(err).Debug("telemetry shutdown")
	}
}

// builder opens the repositories of cfg and returns a builder wired to the
// environment. The returned source must be closed.
func (e *env) builder(cfg *config.BuildConfig) (*build.Builder, *source.Repository, error) {
	log := e.tel.Logger.NewComponentLogger("source")
	repo, err := source.Open(cfg.Repository, e.settings.Source, log.Zerolog())
	if err != nil {
		return nil, nil, err
	}

	opts := []build.Option{
		build.WithTelemetry(e.tel),
		build.WithWorkers(e.settings.Workers),
		build.WithMaxAttempts(e.settings.MaxAttempts),
		build.WithStepLimit(e.settings.StepLimit),
		build.WithScriptTimeout(e.settings.ScriptTimeout),
	}
	if e.store != nil {
		opts = append(opts, build.WithStore(e.store), build.WithCacheIndex(e.store))
	}

	b, err := build.New(repo, osfs.NewOS(), e.cache, opts...)
	if err != nil {
		repo.Close()
		return nil, nil, err
	}
	return b, repo, nil
}

// telemetryConfig maps the settings onto a telemetry configuration.
func telemetryConfig(s *config.Settings, version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = s.Log.Level
	cfg.Logging.Format = s.Log.Format
	if verbose {
		cfg.Logging.Level = "debug"
		cfg.Logging.Caller = true
	}
	cfg.Tracing.Exporter = s.Tracing.Exporter
	cfg.Tracing.Endpoint = s.Tracing.Endpoint
	cfg.Tracing.SamplingRate = s.Tracing.SamplingRate
	cfg.Metrics.ListenAddress = s.Metrics.Listen
	return cfg
}

// configPath returns the configuration argument or the default.
func configPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return DefaultConfigPath
}

// loadConfig reads and validates the build configuration.
func loadConfig(ctx context.Context, args []string) (*config.BuildConfig, error) {
	return config.NewParser().Load(ctx, configPath(args), targetPath)
}
