// Package sqlstore persists export requests, the audit chain and project
// content in PostgreSQL or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/keithlinneman/govexport/internal/gate"
	"github.com/keithlinneman/govexport/internal/xerrors"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect accepts the database driver names used in configuration.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", xerrors.Newf("unknown database driver %q (want postgres or sqlite)", s)
	}
}

func (d Dialect) validate() error {
	switch d {
	case Postgres, SQLite:
		return nil
	default:
		return xerrors.Newf("unknown dialect %q", string(d))
	}
}

func (d Dialect) driverName() string { return string(d) }

// rebind rewrites ? placeholders to $n for postgres.
func (d Dialect) rebind(q string) string {
	if d != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// auditLockKey is the advisory lock that serializes audit appends in postgres.
const auditLockKey int64 = 0x676f76657870

type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open database.
func New(db *sql.DB, d Dialect) (*Store, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &Store{db: db, dialect: d}, nil
}

// Open connects and applies connection settings for the dialect.
func Open(ctx context.Context, d Dialect, dsn string) (*Store, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	if dsn == "" {
		return nil, xerrors.New("database dsn is required")
	}
	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, xerrors.Wrap(err, "open database")
	}

	switch d {
	case SQLite:
		// one writer; transactions queue on the pool
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, xerrors.Wrapf(err, "sqlite %s", pragma)
			}
		}
	case Postgres:
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(err, "ping database")
	}
	return &Store{db: db, dialect: d}, nil
}

func (s *Store) Dialect() Dialect { return s.dialect }

// Ping reports database reachability for readiness checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

// Tx runs fn in a database transaction, committing when fn returns nil.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, tx gate.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(err, "begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(ctx, &tx{tx: sqlTx, dialect: s.dialect}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return xerrors.Wrap(err, "commit transaction")
	}
	return nil
}

// querier is the subset of *sql.DB and *sql.Tx the readers need.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// times are stored as unix microseconds; zero is NULL

func toMicros(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromMicros(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMicro(v.Int64).UTC()
}

var (
	_ gate.Store = (*Store)(nil)
	_ gate.Tx    = (*tx)(nil)
)
