// Package store is the relational persistence layer of tripflow.
//
// It supports postgres (pgx), mysql and sqlite through database/sql. On
// postgres the underlying pgx pool is also exposed so the loader can use
// the COPY protocol. Queries are written with ? placeholders and rebound per
// dialect.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ajitpratap0/tripflow/pkg/config"
	"github.com/ajitpratap0/tripflow/pkg/errors"
)

// Dialect identifies the SQL flavour of the backing database.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	case "mysql":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", errors.Newf(errors.ErrorTypeConfig, "unsupported database driver %q", driver)
	}
}

// MaxBindParams is the number of bind parameters one statement may carry.
func (d Dialect) MaxBindParams() int {
	if d == DialectSQLite {
		return 32766
	}
	return 65535
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a database handle with its dialect.
type DB struct {
	sql         *sql.DB
	pool        *pgxpool.Pool
	dialect     Dialect
	copyEnabled bool
	logger      *zap.Logger
}

// Open connects according to cfg and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("component", "store"), zap.String("dialect", string(dialect)))

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}

	db := &DB{dialect: dialect, copyEnabled: cfg.CopyEnabled, logger: logger}

	switch dialect {
	case DialectPostgres:
		poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse connection string")
		}
		poolConfig.MaxConns = int32(maxConns)
		poolConfig.MinConns = 1
		poolConfig.MaxConnLifetime = time.Hour
		poolConfig.MaxConnIdleTime = 30 * time.Minute
		poolConfig.HealthCheckPeriod = 30 * time.Second

		db.pool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create connection pool")
		}
		db.sql = stdlib.OpenDBFromPool(db.pool)

	case DialectMySQL:
		mcfg, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse connection string")
		}
		mcfg.ParseTime = true
		mcfg.Loc = time.UTC
		// affected-row counts must include matched but unchanged rows
		mcfg.ClientFoundRows = true
		connector, err := mysql.NewConnector(mcfg)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build mysql connector")
		}
		db.sql = sql.OpenDB(connector)
		db.sql.SetMaxOpenConns(maxConns)
		db.sql.SetConnMaxLifetime(time.Hour)

	case DialectSQLite:
		db.sql, err = sql.Open("sqlite", sqliteDSN(cfg.DSN))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open sqlite database")
		}
		// sqlite allows one writer; a single connection serializes them.
		db.sql.SetMaxOpenConns(1)
	}

	if err := db.sql.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to validate connection")
	}

	logger.Info("Connected to database",
		zap.Int("max_connections", maxConns),
		zap.Bool("copy_enabled", db.SupportsCopy()))

	return db, nil
}

// sqliteDSN enables foreign keys and a busy timeout on every connection.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	out := dsn + sep + "_pragma=foreign_keys(1)"
	if !strings.Contains(dsn, "busy_timeout") {
		out += "&_pragma=busy_timeout(5000)"
	}
	return out
}

// New wraps an existing handle. The COPY path is unavailable.
func New(db *sql.DB, dialect Dialect, logger *zap.Logger) *DB {
	return &DB{
		sql:     db,
		dialect: dialect,
		logger:  logger.With(zap.String("component", "store"), zap.String("dialect", string(dialect))),
	}
}

// SQL returns the database/sql handle.
func (db *DB) SQL() *sql.DB { return db.sql }

// Pool returns the pgx pool, nil unless the dialect is postgres.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// Dialect returns the SQL flavour.
func (db *DB) Dialect() Dialect { return db.dialect }

// SupportsCopy reports whether the streaming COPY protocol may be used.
func (db *DB) SupportsCopy() bool {
	return db.dialect == DialectPostgres && db.pool != nil && db.copyEnabled
}

// Ping verifies connectivity.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.sql.PingContext(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "database ping failed")
	}
	return nil
}

// Close closes the handle and the pgx pool.
func (db *DB) Close() error {
	var err error
	if db.sql != nil {
		err = db.sql.Close()
	}
	if db.pool != nil {
		db.pool.Close()
	}
	return err
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
// Inside fn only tx may be used: sqlite has a single connection.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "failed to begin transaction")
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "failed to commit transaction")
	}
	return nil
}

// Rebind converts ? placeholders to the dialect's bind syntax.
func (db *DB) Rebind(query string) string {
	return rebind(db.dialect, query)
}

func rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// insertID executes an INSERT and returns the generated id.
func (db *DB) insertID(ctx context.Context, q Querier, query string, args ...any) (int64, error) {
	if db.dialect == DialectPostgres {
		var id int64
		if err := q.QueryRowContext(ctx, db.Rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := q.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertRows issues one multi-row INSERT for rows. Each row must carry one
// value per column and the total must fit within MaxBindParams.
func (db *DB) InsertRows(ctx context.Context, q Querier, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(rows)*len(columns) > db.dialect.MaxBindParams() {
		return 0, errors.Newf(errors.ErrorTypeStore, "insert of %d rows exceeds bind parameter limit", len(rows))
	}

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.Grow(32 + len(rows)*(len(placeholder)+1))
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return 0, errors.Newf(errors.ErrorTypeInternal, "row %d has %d values for %d columns", i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(placeholder)
		args = append(args, row...)
	}

	res, err := q.ExecContext(ctx, db.Rebind(b.String()), args...)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStore, "bulk insert failed").
			WithDetail("table", table).
			WithDetail("rows", len(rows))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return int64(len(rows)), nil
	}
	return n, nil
}

// Count returns the number of rows in table.
func (db *DB) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := db.sql.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStore, "count failed").WithDetail("table", table)
	}
	return n, nil
}

func now() time.Time { return time.Now().UTC() }
