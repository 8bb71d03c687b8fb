package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/dodos-os/dodos/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements engine.BuildStore and engine.CacheIndex on SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var (
	_ engine.BuildStore = (*SQLiteStore)(nil)
	_ engine.CacheIndex = (*SQLiteStore)(nil)
)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: sees its own database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initialises and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection with foreign keys on and, for file
// databases, WAL journaling.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())
	if s.cfg.Path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// SaveBuild creates the build record or updates its outcome.
func (s *SQLiteStore) SaveBuild(ctx context.Context, build *engine.Build) error {
	query := `
		INSERT INTO builds (id, config_path, target, status, packages, downloaded, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			packages = excluded.packages,
			downloaded = excluded.downloaded,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	var completedAt sql.NullString
	if build.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*build.CompletedAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		build.ID,
		build.ConfigPath,
		build.Target,
		string(build.Status),
		build.Packages,
		build.Downloaded,
		build.Error,
		formatTime(build.StartedAt),
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save build: %w", err)
	}

	return nil
}

const buildColumns = `id, config_path, target, status, packages, downloaded, error, started_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner) (*engine.Build, error) {
	var (
		b           engine.Build
		status      string
		startedAt   string
		completedAt sql.NullString
	)
	if err := row.Scan(&b.ID, &b.ConfigPath, &b.Target, &status, &b.Packages, &b.Downloaded,
		&b.Error, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	b.Status = engine.BuildStatus(status)

	t, err := parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("build %s: started_at: %w", b.ID, err)
	}
	b.StartedAt = t
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("build %s: completed_at: %w", b.ID, err)
		}
		b.CompletedAt = &t
	}
	return &b, nil
}

// GetBuild retrieves a build by ID
func (s *SQLiteStore) GetBuild(ctx context.Context, id string) (*engine.Build, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = ?`, id)
	b, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("build %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get build: %w", err)
	}
	return b, nil
}

// ListBuilds lists builds newest first with pagination.
func (s *SQLiteStore) ListBuilds(ctx context.Context, limit, offset int) ([]*engine.Build, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+buildColumns+` FROM builds ORDER BY started_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	defer rows.Close()

	builds := []*engine.Build{}
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		builds = append(builds, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating builds: %w", err)
	}

	return builds, nil
}

// DeleteBuild deletes a build together with its plan and events.
func (s *SQLiteStore) DeleteBuild(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM builds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete build: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("build %s: %w", id, ErrNotFound)
	}

	return nil
}

// PruneBuilds keeps the newest keep builds and deletes the rest. It returns
// the number of builds deleted.
func (s *SQLiteStore) PruneBuilds(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative, got %d", keep)
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM builds WHERE id NOT IN (
			SELECT id FROM builds ORDER BY started_at DESC, id LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune builds: %w", err)
	}
	return result.RowsAffected()
}

// SavePlanEntries replaces the recorded plan of a build.
func (s *SQLiteStore) SavePlanEntries(ctx context.Context, buildID string, plan *engine.Plan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_entries WHERE build_id = ?`, buildID); err != nil {
		return fmt.Errorf("failed to clear plan entries: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO plan_entries (build_id, position, name, version, repository, digest, size, requested)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare plan entry insert: %w", err)
	}
	defer stmt.Close()

	for i, pkg := range plan.Packages {
		_, err := stmt.ExecContext(ctx,
			buildID,
			i,
			pkg.ID.Name,
			pkg.ID.Version.String(),
			pkg.Repository,
			pkg.Artifact.Digest,
			pkg.Artifact.Size,
			slices.Contains(plan.Requested, pkg.ID.Name),
		)
		if err != nil {
			return fmt.Errorf("failed to save plan entry %s: %w", pkg.ID, err)
		}
	}

	return tx.Commit()
}

// PlanEntries returns the recorded plan of a build in installation order.
func (s *SQLiteStore) PlanEntries(ctx context.Context, buildID string) ([]*PlanEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT build_id, position, name, version, repository, digest, size, requested
		FROM plan_entries
		WHERE build_id = ?
		ORDER BY position ASC
	`, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan entries: %w", err)
	}
	defer rows.Close()

	entries := []*PlanEntry{}
	for rows.Next() {
		e := &PlanEntry{}
		if err := rows.Scan(&e.BuildID, &e.Position, &e.Name, &e.Version, &e.Repository,
			&e.Digest, &e.Size, &e.Requested); err != nil {
			return nil, fmt.Errorf("failed to scan plan entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plan entries: %w", err)
	}

	return entries, nil
}

// AppendEvent appends an event to the timeline of its build.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	query := `
		INSERT INTO events (id, build_id, type, stage, package, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var details sql.NullString
	if len(event.Details) > 0 {
		details = sql.NullString{String: string(event.Details), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.BuildID,
		string(event.Type),
		string(event.Stage),
		event.Package,
		event.Message,
		details,
		formatTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// Events returns the timeline of a build in the order it was recorded. A
// limit of zero returns every event.
func (s *SQLiteStore) Events(ctx context.Context, buildID string, limit int) ([]*engine.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, build_id, type, stage, package, message, details, timestamp
		FROM events
		WHERE build_id = ?
		ORDER BY seq ASC
		LIMIT ?
	`, buildID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		var (
			e       engine.Event
			typ     string
			stage   string
			details sql.NullString
			ts      string
		)
		if err := rows.Scan(&e.ID, &e.BuildID, &typ, &stage, &e.Package, &e.Message, &details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = engine.EventType(typ)
		e.Stage = engine.Stage(stage)
		if details.Valid {
			e.Details = []byte(details.String)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("event %s: timestamp: %w", e.ID, err)
		}
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// RecordCacheEntry records that the cache holds an artifact. Repeated calls
// refresh last_used and count cache hits.
func (s *SQLiteStore) RecordCacheEntry(ctx context.Context, artifact *engine.Artifact) error {
	query := `
		INSERT INTO cache_entries (digest, name, version, size, path, first_seen, last_used, hits)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (digest) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			size = excluded.size,
			path = excluded.path,
			last_used = excluded.last_used,
			hits = cache_entries.hits + excluded.hits
	`

	now := formatTime(time.Now())
	hits := 0
	if artifact.Cached {
		hits = 1
	}

	_, err := s.db.ExecContext(ctx, query,
		artifact.Digest,
		artifact.ID.Name,
		artifact.ID.Version.String(),
		artifact.Size,
		artifact.Path,
		now,
		now,
		hits,
	)
	if err != nil {
		return fmt.Errorf("failed to record cache entry: %w", err)
	}

	return nil
}

// GetCacheEntry returns the record of one digest.
func (s *SQLiteStore) GetCacheEntry(ctx context.Context, digest string) (*CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cacheColumns+` FROM cache_entries WHERE digest = ?`, digest)
	e, err := scanCacheEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cache entry %s: %w", digest, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return e, nil
}

// CacheEntries lists cache records, least recently used first.
func (s *SQLiteStore) CacheEntries(ctx context.Context) ([]*CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cacheColumns+` FROM cache_entries ORDER BY last_used ASC, digest`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	entries := []*CacheEntry{}
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache entries: %w", err)
	}

	return entries, nil
}

// DeleteCacheEntry forgets a digest. Deleting an unknown digest is not an
// error.
func (s *SQLiteStore) DeleteCacheEntry(ctx context.Context, digest string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE digest = ?`, digest); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

const cacheColumns = `digest, name, version, size, path, first_seen, last_used, hits`

func scanCacheEntry(row scanner) (*CacheEntry, error) {
	var (
		e         CacheEntry
		firstSeen string
		lastUsed  string
	)
	if err := row.Scan(&e.Digest, &e.Name, &e.Version, &e.Size, &e.Path, &firstSeen, &lastUsed, &e.Hits); err != nil {
		return nil, err
	}
	var err error
	if e.FirstSeen, err = parseTime(firstSeen); err != nil {
		return nil, fmt.Errorf("cache entry %s: first_seen: %w", e.Digest, err)
	}
	if e.LastUsed, err = parseTime(lastUsed); err != nil {
		return nil, fmt.Errorf("cache entry %s: last_used: %w", e.Digest, err)
	}
	return &e, nil
}
