// Package postgres implements repository.AccountRepository on PostgreSQL
// through a pgx connection pool. It is selected when DATABASE_URL is set and
// is the backend for running more than one service instance.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// scheme
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/repository"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ repository.AccountRepository = (*DB)(nil)

// Pool settings.
const (
	maxConns        = 20
	minConns        = 2
	maxConnLifetime = time.Hour
	maxConnIdleTime = 10 * time.Minute
	connectTimeout  = 5 * time.Second
	pingTimeout     = 2 * time.Second
)

// dbtx is the subset of *pgxpool.Pool and pgx.Tx the queries use.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is the Postgres repository. Inside WithinTx a second DB value routes
// queries through the transaction.
type DB struct {
	pool   *pgxpool.Pool
	q      dbtx
	inTx   bool
	logger *slog.Logger
}

// New applies pending migrations and opens a connection pool.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	if err := Migrate(dsn, logger); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid DSN: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.MaxConnLifetime = maxConnLifetime
	cfg.MaxConnIdleTime = maxConnIdleTime
	cfg.ConnConfig.ConnectTimeout = connectTimeout

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating pool: %w", err)
	}

	db := &DB{pool: pool, q: pool, logger: logger}
	if err := db.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("postgres pool connected", slog.Int("max_conns", int(cfg.MaxConns)))
	return db, nil
}

// Migrate applies the embedded migrations with golang-migrate.
func Migrate(dsn string, logger *slog.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: loading embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, pgx5URL(dsn))
	if err != nil {
		return fmt.Errorf("postgres: initializing migrations: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Warn("postgres: closing migrator",
				slog.Any("source_error", srcErr),
				slog.Any("db_error", dbErr),
			)
		}
	}()
	m.Log = &migrateLogger{logger: logger}

	from, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("postgres: reading schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("postgres: schema is dirty at version %d, manual intervention required", from)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("postgres: applying migrations: %w", err)
	}
	to, _, _ := m.Version()
	logger.Info("postgres schema migrated",
		slog.Uint64("from_version", uint64(from)),
		slog.Uint64("to_version", uint64(to)),
	)
	return nil
}

// pgx5URL rewrites postgres:// URLs to the pgx5:// scheme golang-migrate's
// pgx/v5 driver registers.
func pgx5URL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *migrateLogger) Verbose() bool { return false }

// Close releases every pooled connection.
func (db *DB) Close() {
	db.pool.Close()
}

// Ping checks the pool can reach the server.
func (db *DB) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("postgres: ping failed: %w", err)
	}
	return nil
}

// WithinTx runs fn inside a transaction. Nested calls join the outer one.
func (db *DB) WithinTx(ctx context.Context, fn func(repo repository.AccountRepository) error) error {
	return db.atomic(ctx, func(tx *DB) error { return fn(tx) })
}

func (db *DB) atomic(ctx context.Context, fn func(tx *DB) error) error {
	if db.inTx {
		return fn(db)
	}
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		return fn(&DB{pool: db.pool, q: tx, inTx: true, logger: db.logger})
	})
}

// uniqueViolation maps SQLSTATE 23505 to a conflict on the offending field,
// using the constraint name. Other errors return nil.
func uniqueViolation(err error) *apperror.AppError {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return nil
	}
	switch pgErr.ConstraintName {
	case "ux_accounts_username":
		return apperror.Conflict("username", "username is already taken")
	case "ux_accounts_email":
		return apperror.Conflict("email", "email is already registered")
	case "ux_linked_identities_provider_subject":
		return apperror.Conflict("identity", "external identity is already linked")
	default:
		return apperror.Conflict("", "record already exists")
	}
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
