package journal

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/simtree/simtree/pkg/tree"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal implements tree.Recorder on SQLite.
type Journal struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config holds journal configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New creates a journal. Call Init and Migrate before use, or use Open.
func New(cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}
	return &Journal{cfg: cfg, now: time.Now}, nil
}

// Open creates, initializes and migrates a journal.
func Open(ctx context.Context, cfg Config) (*Journal, error) {
	j, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := j.Init(ctx); err != nil {
		return nil, err
	}
	if err := j.Migrate(ctx); err != nil {
		_ = j.Close()
		return nil, err
	}
	return j, nil
}

// Init opens the database connection and enables WAL mode.
func (j *Journal) Init(ctx context.Context) error {
	if j.cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(j.cfg.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", j.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(j.cfg.MaxOpenConns)
	db.SetMaxIdleConns(j.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(j.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	j.db = db
	return nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Migrate runs the embedded migrations.
func (j *Journal) Migrate(_ context.Context) error {
	if j.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(j.db, &sqlite.Config{})
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

// HealthCheck verifies the database is reachable.
func (j *Journal) HealthCheck(ctx context.Context) error {
	if j.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return j.db.PingContext(ctx)
}

// Record implements tree.Recorder.
func (j *Journal) Record(ctx context.Context, c tree.Call) error {
	e, err := entryFromCall(c, j.now())
	if err != nil {
		return err
	}
	return j.Append(ctx, e)
}

// Append stores e. An empty ID is filled in.
func (j *Journal) Append(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = j.now()
	}

	query := `
		INSERT INTO calls (id, session_id, op, path, value, new_name, args, status, error_class, error, duration_us, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := j.db.ExecContext(ctx, query,
		e.ID,
		e.SessionID,
		e.Op,
		e.Path,
		e.Value,
		e.NewName,
		e.Args,
		e.Status,
		e.ErrorClass,
		e.Error,
		e.Duration.Microseconds(),
		e.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record call: %w", err)
	}
	return nil
}

// Get retrieves an entry by ID.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	query := `
		SELECT id, session_id, op, path, value, new_name, args, status, error_class, error, duration_us, recorded_at
		FROM calls
		WHERE id = ?
	`
	e, err := scanEntry(j.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entry not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return e, nil
}

// List returns matching entries, newest first.
func (j *Journal) List(ctx context.Context, f Filter) ([]*Entry, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Op != "" {
		where = append(where, "op = ?")
		args = append(args, f.Op)
	}
	if p := strings.TrimSuffix(f.PathPrefix, "/"); p != "" {
		where = append(where, "(path = ? OR substr(path, 1, ?) = ?)")
		args = append(args, p, len(p)+1, p+"/")
	}
	if !f.Since.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, f.Since.UTC())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := `
		SELECT id, session_id, op, path, value, new_name, args, status, error_class, error, duration_us, recorded_at
		FROM calls
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recorded_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

// Prune deletes entries recorded before cutoff and returns how many were
// removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM calls WHERE recorded_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned entries: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	e := &Entry{}
	var durationUS int64
	err := row.Scan(
		&e.ID,
		&e.SessionID,
		&e.Op,
		&e.Path,
		&e.Value,
		&e.NewName,
		&e.Args,
		&e.Status,
		&e.ErrorClass,
		&e.Error,
		&durationUS,
		&e.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Duration = time.Duration(durationUS) * time.Microsecond
	return e, nil
}

func entryFromCall(c tree.Call, now time.Time) (*Entry, error) {
	e := &Entry{
		SessionID:  c.SessionID,
		Op:         string(c.Op),
		Path:       c.Path.String(),
		Status:     StatusOK,
		Duration:   c.Duration,
		RecordedAt: now,
	}
	if c.Op == tree.OpWrite {
		v, err := json.Marshal(c.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value: %w", err)
		}
		s := string(v)
		e.Value = &s
	}
	if c.NewName != "" {
		name := c.NewName
		e.NewName = &name
	}
	if len(c.Args) > 0 {
		a, err := json.Marshal(c.Args)
		if err != nil {
			return nil, fmt.Errorf("failed to encode args: %w", err)
		}
		s := string(a)
		e.Args = &s
	}
	if c.Err != nil {
		e.Status = StatusError
		msg := c.Err.Error()
		e.Error = &msg
		var te *tree.Error
		if errors.As(c.Err, &te) {
			class := string(te.Class)
			e.ErrorClass = &class
		}
	}
	return e, nil
}
