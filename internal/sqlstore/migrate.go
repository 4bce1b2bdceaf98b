package sqlstore

import (
	"database/sql"
	"embed"
	"errors"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/keithlinneman/govexport/internal/xerrors"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

func (d Dialect) migrationDir() string { return "migrations/" + string(d) }

// MigrateUp applies pending migrations. It opens its own handle because the
// migrate drivers close the database they are given.
func MigrateUp(d Dialect, dsn string) error {
	m, err := newMigrate(d, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return xerrors.Wrap(err, "migration failed")
	}
	return nil
}

// CheckMigrations reports an error unless the schema is exactly at the
// latest embedded version and clean.
func CheckMigrations(d Dialect, dsn string) error {
	m, err := newMigrate(d, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return xerrors.New("database has no schema version (needs migration)")
		}
		return xerrors.Wrap(err, "read schema version")
	}
	if dirty {
		return xerrors.Newf("database is dirty at version %d (a migration failed previously)", version)
	}

	latest, err := LatestVersion(d)
	if err != nil {
		return err
	}
	switch {
	case version < latest:
		return xerrors.Newf("database is at version %d but latest is %d", version, latest)
	case version > latest:
		return xerrors.Newf("database version %d is ahead of this binary (%d)", version, latest)
	}
	return nil
}

// LatestVersion returns the highest embedded migration version for d.
func LatestVersion(d Dialect) (uint, error) {
	src, err := iofs.New(migrationFiles, d.migrationDir())
	if err != nil {
		return 0, xerrors.Wrap(err, "read migration files")
	}
	defer src.Close()
	return lastVersion(src)
}

func lastVersion(src source.Driver) (uint, error) {
	v, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(v)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return v, nil
			}
			return 0, err
		}
		v = next
	}
}

func newMigrate(d Dialect, dsn string) (*migrate.Migrate, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	src, err := iofs.New(migrationFiles, d.migrationDir())
	if err != nil {
		return nil, xerrors.Wrap(err, "create migration source")
	}

	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		src.Close()
		return nil, xerrors.Wrap(err, "open database for migration")
	}

	var drv database.Driver
	switch d {
	case Postgres:
		drv, err = postgres.WithInstance(db, &postgres.Config{})
	case SQLite:
		drv, err = sqlite.WithInstance(db, &sqlite.Config{})
	}
	if err != nil {
		src.Close()
		db.Close()
		return nil, xerrors.Wrap(err, "create migration driver")
	}

	m, err := migrate.NewWithInstance("iofs", src, string(d), drv)
	if err != nil {
		src.Close()
		drv.Close()
		return nil, xerrors.Wrap(err, "create migrate instance")
	}
	return m, nil
}
