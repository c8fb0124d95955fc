package main

import (
	"context"
	"time"
)

// DestinationEngine abstracts the local database a session imports into, so
// envferry can reset and load MySQL, MariaDB, PostgreSQL and SQLite alike.
type DestinationEngine interface {
	// Name returns a human-readable name for the engine ("MySQL", "SQLite").
	Name() string

	// Wipe drops every table and view in the destination database.
	Wipe(ctx context.Context) error

	// Import loads a SQL dump artifact into the wiped database.
	Import(ctx context.Context, artifact string) error

	// Tables lists the base tables of the destination database.
	Tables(ctx context.Context) ([]string, error)

	// Users returns a store over a user-bearing table.
	Users(ctx context.Context, table, idColumn, emailColumn string) (UserStore, error)

	// ExecSQL runs one statement against the destination database.
	ExecSQL(ctx context.Context, stmt string) error

	// DatabaseName is the destination database name, used in hook templates.
	DatabaseName() string

	// DumpConn describes how the engine's dump client reaches the database.
	DumpConn() dumpConn

	Close() error
}

// engineOptions carries the settings every engine needs besides [local].
type engineOptions struct {
	ImportMode string // stream|client
	BinaryPath string // directory of the import clients
	Timeout    time.Duration
	run        commandRunner
}

// newDestinationEngine returns the engine for the configured local database.
// Connections are opened lazily on first use.
func newDestinationEngine(local LocalConfig, opts engineOptions) (DestinationEngine, error) {
	if opts.run == nil {
		opts.run = runCommand
	}
	switch local.Type {
	case "mysql", "mariadb":
		return newMySQLEngine(local, opts), nil
	case "pgsql":
		return newPostgresEngine(local, opts), nil
	case "sqlite":
		if local.Database == "" {
			return nil, importErrorf("sqlite destination needs a database file path")
		}
		return newSQLiteEngine(local, opts), nil
	default:
		return nil, importErrorf("unsupported destination database type %q (must be mysql, mariadb, pgsql or sqlite)", local.Type)
	}
}
