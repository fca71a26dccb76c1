// Package sqlite implements repository.AccountRepository on SQLite.
//
// WHY modernc.org/sqlite?
// It is a pure Go translation of SQLite: no CGo and no C compiler, so the
// binary cross-compiles like any other Go program.
//
// ONE CONNECTION:
// SQLite allows a single writer at a time. We cap the pool at one connection,
// which serialises writes in-process instead of surfacing SQLITE_BUSY, and
// keeps ":memory:" databases (one per connection) coherent in tests.
// A transaction holds that connection until it commits, so code running
// inside WithinTx must only use the repository it was handed.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/repository"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// compile-time check that *DB implements repository.AccountRepository
var _ repository.AccountRepository = (*DB)(nil)

// querier is the subset of *sql.DB and *sql.Tx the queries use.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a sql.DB connection pool and provides repository methods.
// Inside WithinTx a second DB value shares the pool and routes queries
// through the transaction.
type DB struct {
	conn   *sql.DB
	q      querier
	tx     *sql.Tx
	logger *slog.Logger
}

// New opens the database and applies pending migrations.
//
// dbPath examples:
//   - "data/identity.db" → file-based database (persistent)
//   - ":memory:"         → in-memory database (tests)
func New(dbPath string, logger *slog.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	if err := migrateUp(conn, logger); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return &DB{conn: conn, q: conn, logger: logger}, nil
}

// dsn adds per-connection pragmas. WAL lets readers in other processes
// proceed during a write; foreign keys are off by default in SQLite.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// migrateUp applies the embedded migrations with golang-migrate.
//
// The migrate instance is not closed: closing its database driver would close
// conn, which the repository keeps using.
func migrateUp(conn *sql.DB, logger *slog.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	defer src.Close()

	driver, err := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	m.Log = &migrateLogger{logger: logger}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	version, _, _ := m.Version()
	logger.Debug("sqlite schema ready", slog.Uint64("version", uint64(version)))
	return nil
}

// migrateLogger adapts golang-migrate's logger interface to slog.
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *migrateLogger) Verbose() bool { return false }

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// WithinTx runs fn inside a transaction. Nested calls join the outer one.
func (db *DB) WithinTx(ctx context.Context, fn func(repo repository.AccountRepository) error) error {
	return db.atomic(ctx, func(tx *DB) error { return fn(tx) })
}

func (db *DB) atomic(ctx context.Context, fn func(tx *DB) error) error {
	if db.tx != nil {
		return fn(db)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&DB{conn: db.conn, q: tx, tx: tx, logger: db.logger}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing transaction: %w", err)
	}
	committed = true
	return nil
}

// uniqueViolation maps a UNIQUE constraint failure to a conflict on the
// offending field. Other errors return nil.
func uniqueViolation(err error) *apperror.AppError {
	var se *sqlite.Error
	isUnique := errors.As(err, &se) && (se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY)
	if !isUnique && !strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return nil
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "accounts.username"):
		return apperror.Conflict("username", "username is already taken")
	case strings.Contains(msg, "accounts.email"):
		return apperror.Conflict("email", "email is already registered")
	case strings.Contains(msg, "linked_identities."):
		return apperror.Conflict("identity", "external identity is already linked")
	default:
		return apperror.Conflict("", "record already exists")
	}
}

// Timestamps are stored as unix milliseconds in UTC.

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// now is the creation/update clock, truncated to what the columns hold.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
