// Package store persists library records, the operation logs, and the
// per-field clocks used to resolve concurrent writes. SQLite (modernc) is the
// default backend; Postgres is reached through a pgx pool.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

const schemaVersion = 1

// Dialect identifies the SQL flavour behind a DB.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// Rebind rewrites `?` placeholders into the dialect's native form.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var (
		b      strings.Builder
		n      int
		quoted bool
	)
	b.Grow(len(query) + 8)
	for _, r := range query {
		switch {
		case r == '\'':
			quoted = !quoted
			b.WriteRune(r)
		case r == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Queryer is satisfied by both *DB and *Tx so read helpers can run inside or
// outside a transaction.
type Queryer interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	Dialect() Dialect
}

// DB wraps a database/sql handle with dialect rebinding and transient-error
// retries around transactions.
type DB struct {
	db      *sql.DB
	dialect Dialect
	retry   retryConfig
	logger  zerolog.Logger
}

// Option configures a DB.
type Option func(*DB)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(d *DB) {
		d.retry.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(delay time.Duration) Option {
	return func(d *DB) {
		d.retry.baseDelay = delay
		if d.retry.maxDelay < delay {
			d.retry.maxDelay = delay * 8
		}
	}
}

// WithLogger attaches a logger used for retry and decode diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// OpenSQLite opens (creating if needed) a SQLite library database at path.
// Use ":memory:" only for throwaway databases; each connection would see its
// own copy, so the pool is pinned to a single connection.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return open(ctx, db, SQLite, opts)
}

// OpenPostgres wraps an existing pgx pool. The pool stays owned by the caller.
func OpenPostgres(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*DB, error) {
	if pool == nil {
		return nil, errors.New("open postgres: nil pool")
	}
	return open(ctx, stdlib.OpenDBFromPool(pool), Postgres, opts)
}

func open(ctx context.Context, db *sql.DB, dialect Dialect, opts []Option) (*DB, error) {
	d := &DB{
		db:      db,
		dialect: dialect,
		retry:   defaultRetryConfig,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate(ctx context.Context) error {
	schema := sqliteSchema
	if d.dialect == Postgres {
		schema = postgresSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %s schema: %w", d.dialect, err)
		}
	}

	current, ok, err := d.Meta(ctx, d, metaSchemaVersion)
	if err != nil {
		return err
	}
	if ok {
		v, err := strconv.Atoi(string(current))
		if err != nil {
			return fmt.Errorf("schema version %q: %w", current, err)
		}
		if v > schemaVersion {
			return fmt.Errorf("database schema version %d is newer than supported %d", v, schemaVersion)
		}
	}
	return d.SetMeta(ctx, d, metaSchemaVersion, []byte(strconv.Itoa(schemaVersion)))
}

// Close releases the underlying handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Dialect reports the SQL flavour.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Exec runs a statement outside any transaction.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.dialect.Rebind(query), args...)
}

// Query runs a query outside any transaction.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.dialect.Rebind(query), args...)
}

// QueryRow runs a single-row query outside any transaction.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.dialect.Rebind(query), args...)
}

// Tx is an open transaction. It is only valid inside the InTx callback.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *Tx) Dialect() Dialect {
	return t.dialect
}

// InTx runs fn inside a transaction and commits when it returns nil. Any
// error rolls the whole transaction back. Transient failures (busy SQLite,
// Postgres serialization or deadlock) rerun fn from the start, so fn must not
// have side effects outside tx.
//
// With SQLite the pool holds one connection: fn must use tx, never the DB.
func (d *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	start := time.Now()
	err := retryOp(ctx, d.retry, d.dialect, func(attempt int) error {
		if attempt > 0 {
			txRetries.WithLabelValues(d.dialect.String()).Inc()
			d.logger.Debug().Int("attempt", attempt).Msg("retrying transaction after transient error")
		}
		sqlTx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer sqlTx.Rollback()

		if err := fn(&Tx{tx: sqlTx, dialect: d.dialect}); err != nil {
			return err
		}
		return sqlTx.Commit()
	})
	outcome := "commit"
	if err != nil {
		outcome = "rollback"
	}
	txLatency.WithLabelValues(d.dialect.String(), outcome).Observe(time.Since(start).Seconds())
	return err
}
