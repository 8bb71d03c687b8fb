package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// watchDebounce collapses the bursts of events an editor save produces.
const watchDebounce = 500 * time.Millisecond

func newBuildCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "build [config]",
		Short: "Build a system root",
		Long: `Build a system root from a build configuration.

The build resolves the requested packages, checks the plan against the
policies, downloads every artifact into the cache, assembles the new root in
a staging directory next to the target and swaps it in atomically. System
settings and the bootloader are applied to the committed root.

The exit code tells how far the build got:
  0    success
  10   packages committed, configuration incomplete
  11   resolution conflict
  12   fetch failure
  13   staging failure (target untouched)
  14   promotion failure
  15   index failure
  16   planning conflict
  17   policy violation
  130  cancelled (target untouched)`,
		Example: `  # Build from build.cue in the current directory
  dodos-builder build

  # Build into another root
  dodos-builder build configs/desktop.cue --target /mnt/desktop

  # Rebuild whenever the configuration changes
  dodos-builder build configs/ --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newEnv(ctx, true)
			if err != nil {
				return err
			}
			defer e.close(ctx)

			if watch {
				return watchBuilds(ctx, cmd, e, args)
			}
			return runBuild(ctx, cmd, e, args)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "rebuild when the configuration changes")

	return cmd
}

// runBuild runs one build and writes the metrics textfile.
func runBuild(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
	cfg, err := loadConfig(ctx, args)
	if err != nil {
		return err
	}
	b, repo, err := e.builder(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	report, err := b.Build(ctx, cfg)
	if werr := e.tel.Metrics.WriteTextfile(e.settings.Metrics.Textfile); werr != nil {
		e.tel.Logger.WithError(werr).Warn("failed to write metrics textfile")
	}
	return finish(cmd.OutOrStdout(), report, err)
}

// watchBuilds builds once, then again after every change to the
// configuration files, until ctx is cancelled. Metrics are served while
// watching when a listen address is set.
func watchBuilds(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
	log := e.tel.Logger.NewComponentLogger("watch")
	if err := e.tel.Metrics.StartMetricsServer(ctx, log.Zerolog()); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	watched := make(map[string]bool)
	rewatch := func() {
		cfg, err := loadConfig(ctx, args)
		paths := []string{configPath(args)}
		if err == nil {
			paths = append(paths, cfg.SourceFiles...)
			paths = append(paths, cfg.Policies.Files...)
		}
		// Directories are watched so files replaced by a rename are seen.
		for _, p := range paths {
			dir := p
			if info, err := os.Stat(p); err != nil || !info.IsDir() {
				dir = filepath.Dir(p)
			}
			if abs, err := filepath.Abs(dir); err == nil {
				dir = abs
			}
			if watched[dir] {
				continue
			}
			if err := watcher.Add(dir); err != nil {
				log.WithError(err).Warnf("cannot watch %s", dir)
				continue
			}
			watched[dir] = true
		}
	}

	build := func() {
		if err := runBuild(ctx, cmd, e, args); err != nil {
			log.WithError(err).Warn("build failed, waiting for changes")
		}
		rewatch()
	}

	build()
	log.Infof("watching %d director%s for changes", len(watched), plural(len(watched)))

	var (
		timer *time.Timer
		fire  = make(chan struct{}, 1)
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !relevant(event.Name) {
				continue
			}
			log.Debugf("%s changed", event.Name)
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("watcher error")
		case <-fire:
			log.Info("configuration changed, rebuilding")
			build()
		}
	}
}

// relevant reports whether a changed file can affect the build.
func relevant(name string) bool {
	switch filepath.Ext(name) {
	case ".cue", ".yaml", ".yml", ".json", ".jsonc", ".rego":
		return true
	}
	return false
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
