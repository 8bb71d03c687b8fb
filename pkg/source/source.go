// Package source implements engine.PackageSource over Arch Linux style
// repositories reachable by http(s), file or sftp URLs, plus an in-memory
// source for tests and offline builds.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dodos-os/dodos/pkg/engine"
)

// DefaultTimeout bounds the wait for response headers from a mirror.
const DefaultTimeout = 60 * time.Second

// Options tunes the transports of a Repository.
type Options struct {
	// SSH holds credentials for sftp:// repositories.
	SSH SSHConfig `koanf:"ssh" toml:"ssh,omitempty"`

	// Timeout is the response header timeout of HTTP mirrors.
	Timeout time.Duration `koanf:"timeout" toml:"timeout,omitempty"`

	// UserAgent is sent with HTTP requests.
	UserAgent string `koanf:"user_agent" toml:"user_agent,omitempty"`
}

// Config selects the repositories of a build.
type Config struct {
	// URL is the repository URL template. $repo and $arch are substituted.
	URL string `json:"url" yaml:"url" validate:"required"`

	// Repos are searched in order; the first repository offering a name
	// wins.
	Repos []string `json:"repos" yaml:"repos" validate:"required,min=1,dive,required"`

	// Arch replaces $arch. Defaults to x86_64.
	Arch string `json:"arch,omitempty" yaml:"arch,omitempty"`

	// Files reads <repo>.files instead of <repo>.db, so packages carry
	// their file lists.
	Files bool `json:"files,omitempty" yaml:"files,omitempty"`
}

// Expand returns the URL of repo.
func (c Config) Expand(repo string) string {
	arch := c.Arch
	if arch == "" {
		arch = "x86_64"
	}
	return strings.NewReplacer("$repo", repo, "$arch", arch).Replace(c.URL)
}

// Repository is a set of sync databases with their package archives.
type Repository struct {
	cfg        Config
	transports map[string]Transport
	log        zerolog.Logger
}

// Open creates transports for every repository in cfg. No network traffic
// happens until List or Fetch.
func Open(cfg Config, opts Options, log zerolog.Logger) (*Repository, error) {
	if cfg.URL == "" || len(cfg.Repos) == 0 {
		return nil, errors.New("repository URL and at least one repo are required")
	}
	r := &Repository{cfg: cfg, transports: make(map[string]Transport), log: log}
	for _, repo := range cfg.Repos {
		if _, dup := r.transports[repo]; dup {
			r.Close()
			return nil, fmt.Errorf("repo %q listed twice", repo)
		}
		t, err := NewTransport(cfg.Expand(repo), opts)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("repo %s: %w", repo, err)
		}
		r.transports[repo] = t
	}
	return r, nil
}

// List reads the sync database of every repo. Names already offered by an
// earlier repo are skipped.
func (r *Repository) List(ctx context.Context) ([]engine.PackageMetadata, error) {
	ext := ".db"
	if r.cfg.Files {
		ext = ".files"
	}

	var out []engine.PackageMetadata
	seen := make(map[string]string)
	for _, repo := range r.cfg.Repos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rc, err := r.transports[repo].Open(ctx, repo+ext)
		if err != nil {
			return nil, fmt.Errorf("reading %s%s: %w", repo, ext, err)
		}
		entries, err := parseDB(rc, repo)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("parsing %s%s: %w", repo, ext, err)
		}

		shadowed := 0
		for _, m := range entries {
			if _, ok := seen[m.Name]; ok {
				shadowed++
				continue
			}
			seen[m.Name] = repo
			out = append(out, m)
		}
		r.log.Debug().
			Str("repo", repo).
			Int("packages", len(entries)).
			Int("shadowed", shadowed).
			Msg("sync database loaded")
	}
	return out, nil
}

// Fetch opens the archive named by a "<repo>/<filename>" locator.
func (r *Repository) Fetch(ctx context.Context, ref engine.ArtifactRef) (io.ReadCloser, error) {
	repo, filename, ok := strings.Cut(ref.Locator, "/")
	if !ok || filename == "" {
		return nil, fmt.Errorf("malformed locator %q", ref.Locator)
	}
	t, ok := r.transports[repo]
	if !ok {
		return nil, fmt.Errorf("locator %q names unknown repo %q", ref.Locator, repo)
	}
	return t.Open(ctx, filename)
}

// Close releases every transport.
func (r *Repository) Close() error {
	var errs []error
	for _, t := range r.transports {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}
