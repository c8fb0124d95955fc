package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// sqliteHeader starts every SQLite database file.
var sqliteHeader = []byte("SQLite format 3\x00")

// sqliteEngine replaces the destination database file wholesale.
type sqliteEngine struct {
	local LocalConfig
	opts  engineOptions

	db   *sql.DB
	conn *sql.Conn
}

func newSQLiteEngine(local LocalConfig, opts engineOptions) *sqliteEngine {
	return &sqliteEngine{local: local, opts: opts}
}

func (s *sqliteEngine) Name() string { return "SQLite" }

func (s *sqliteEngine) DatabaseName() string { return s.local.Database }

func (s *sqliteEngine) DumpConn() dumpConn { return dumpConn{Database: s.local.Database} }

func (s *sqliteEngine) connect(ctx context.Context) (*sql.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	db, conn, err := openSQLite(ctx, s.local.Database)
	if err != nil {
		return nil, importErrorf("open sqlite %s: %w", s.local.Database, err)
	}
	s.db, s.conn = db, conn
	return conn, nil
}

func openSQLite(ctx context.Context, path string) (*sql.DB, *sql.Conn, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, conn, nil
}

func (s *sqliteEngine) quote(name string) string {
	return fmt.Sprintf("\"%s\"", strings.ReplaceAll(name, "\"", "\"\""))
}

// Wipe deletes the database file and its journal files.
func (s *sqliteEngine) Wipe(context.Context) error {
	if err := s.Close(); err != nil {
		log.Printf("[DB] WARN: close sqlite: %v", err)
	}
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(s.local.Database + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return importErrorf("wipe %s: %w", s.local.Database, err)
		}
	}
	return nil
}

// Import puts the artifact in place of the database file. A SQLite file is
// copied as is; a SQL text dump is executed into a fresh file first.
func (s *sqliteEngine) Import(ctx context.Context, artifact string) error {
	if err := s.Close(); err != nil {
		log.Printf("[DB] WARN: close sqlite: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.local.Database), 0o755); err != nil {
		return importErrorf("create %s: %w", filepath.Dir(s.local.Database), err)
	}

	isFile, err := isSQLiteFile(artifact)
	if err != nil {
		return importErrorf("failed to import SQLite database dump from %q: %w", artifact, err)
	}

	tmp := s.local.Database + ".import"
	defer os.Remove(tmp)
	if isFile {
		err = copyFile(artifact, tmp, 0o644)
	} else {
		err = s.buildFromDump(ctx, artifact, tmp)
	}
	if err != nil {
		return importErrorf("failed to import SQLite database dump from %q to %q: %w", artifact, s.local.Database, err)
	}
	if err := os.Rename(tmp, s.local.Database); err != nil {
		return importErrorf("failed to import SQLite database dump from %q to %q: %w", artifact, s.local.Database, err)
	}
	return nil
}

func (s *sqliteEngine) buildFromDump(ctx context.Context, artifact, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	f, err := os.Open(artifact)
	if err != nil {
		return err
	}
	defer f.Close()

	db, conn, err := openSQLite(ctx, path)
	if err != nil {
		return err
	}
	n, err := executeStatements(ctx, f, sqliteDialect, func(ctx context.Context, stmt string) error {
		_, err := conn.ExecContext(ctx, stmt)
		return err
	})
	if cerr := closeSQL(conn, db); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	log.Printf("[DB]   executed %d statements", n)
	return nil
}

func isSQLiteFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	head := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(f, head); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(head, sqliteHeader), nil
}

func (s *sqliteEngine) Tables(ctx context.Context) ([]string, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, importErrorf("list tables: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *sqliteEngine) Users(ctx context.Context, table, idColumn, emailColumn string) (UserStore, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	return &tableUserStore{
		q:           sqlConnQueryer{conn: conn},
		table:       table,
		idColumn:    idColumn,
		emailColumn: emailColumn,
		quote:       s.quote,
		placeholder: questionPlaceholder,
	}, nil
}

func (s *sqliteEngine) ExecSQL(ctx context.Context, stmt string) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, stmt)
	return err
}

func (s *sqliteEngine) Close() error {
	err := closeSQL(s.conn, s.db)
	s.conn, s.db = nil, nil
	return err
}
