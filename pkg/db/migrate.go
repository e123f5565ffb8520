package db

import (
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func setupGoose() error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	return goose.SetDialect("sqlite3")
}

// RunMigrations applies pending migrations.
func (db *DB) RunMigrations() error {
	if err := setupGoose(); err != nil {
		return err
	}

	version, err := goose.GetDBVersion(db.conn)
	if err != nil {
		db.logger.Debug("no existing migration version", "error", err)
	} else {
		db.logger.Debug("current migration version", "version", version)
	}

	return goose.Up(db.conn, "migrations")
}

// ResetDatabase drops all history and recreates the schema.
func (db *DB) ResetDatabase() error {
	db.logger.Warn("resetting database, all session history will be lost")

	if err := setupGoose(); err != nil {
		return err
	}
	if err := goose.DownTo(db.conn, "migrations", 0); err != nil {
		return err
	}
	return goose.Up(db.conn, "migrations")
}

// GetMigrationVersion returns the current migration version.
func (db *DB) GetMigrationVersion() (int64, error) {
	if err := setupGoose(); err != nil {
		return 0, err
	}
	return goose.GetDBVersion(db.conn)
}
