package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// mysqlEngine imports into MySQL or MariaDB over a single connection, so
// session settings made by the dump (foreign key checks, SQL mode) hold for
// every statement that follows.
type mysqlEngine struct {
	local LocalConfig
	opts  engineOptions

	db   *sql.DB
	conn *sql.Conn
}

func newMySQLEngine(local LocalConfig, opts engineOptions) *mysqlEngine {
	return &mysqlEngine{local: local, opts: opts}
}

func (m *mysqlEngine) Name() string {
	if m.local.Type == "mariadb" {
		return "MariaDB"
	}
	return "MySQL"
}

func (m *mysqlEngine) DatabaseName() string { return m.local.Database }

func (m *mysqlEngine) DumpConn() dumpConn {
	host, port := mysqlAddr(m.local)
	return dumpConn{
		Host:     host,
		Port:     port,
		Database: m.local.Database,
		Username: m.local.Username,
		Password: m.local.Password,
	}
}

func (m *mysqlEngine) connect(ctx context.Context) (*sql.Conn, error) {
	if m.conn != nil {
		return m.conn, nil
	}
	db, err := sql.Open("mysql", mysqlDSN(m.local))
	if err != nil {
		return nil, importErrorf("open %s: %w", m.Name(), err)
	}
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, importErrorf("connect %s database %q: %w", m.Name(), m.local.Database, err)
	}
	m.db, m.conn = db, conn
	return conn, nil
}

func (m *mysqlEngine) quote(name string) string {
	return fmt.Sprintf("`%s`", strings.ReplaceAll(name, "`", "``"))
}

func (m *mysqlEngine) Wipe(ctx context.Context) error {
	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}

	rows, err := conn.QueryContext(ctx,
		`SELECT TABLE_NAME, TABLE_TYPE FROM INFORMATION_SCHEMA.TABLES
		 WHERE TABLE_SCHEMA = DATABASE()
		 ORDER BY TABLE_NAME`)
	if err != nil {
		return importErrorf("list tables: %w", err)
	}
	var drops []string
	for rows.Next() {
		var name, kind string
		if err := rows.Scan(&name, &kind); err != nil {
			rows.Close()
			return importErrorf("list tables: %w", err)
		}
		if kind == "VIEW" {
			drops = append(drops, "DROP VIEW IF EXISTS "+m.quote(name))
		} else {
			drops = append(drops, "DROP TABLE IF EXISTS "+m.quote(name))
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return importErrorf("list tables: %w", err)
	}

	stmts := append([]string{"SET FOREIGN_KEY_CHECKS = 0"}, drops...)
	stmts = append(stmts, "SET FOREIGN_KEY_CHECKS = 1")
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return importErrorf("wipe %s: %w", m.local.Database, err)
		}
	}
	log.Printf("[DB]   dropped %d tables and views", len(drops))
	return nil
}

func (m *mysqlEngine) Import(ctx context.Context, artifact string) error {
	if m.opts.ImportMode == "client" {
		return m.importWithClient(ctx, artifact)
	}

	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}
	f, err := os.Open(artifact)
	if err != nil {
		return importErrorf("open dump: %w", err)
	}
	defer f.Close()

	start := time.Now()
	n, err := executeStatements(ctx, f, mysqlDialect, func(ctx context.Context, stmt string) error {
		_, err := conn.ExecContext(ctx, stmt)
		return err
	})
	if err != nil {
		return importErrorf("import %s: %w", artifact, err)
	}
	log.Printf("[DB]   executed %d statements in %s", n, time.Since(start).Round(time.Millisecond))
	return nil
}

// importWithClient feeds the artifact to the mysql (or mariadb) client.
func (m *mysqlEngine) importWithClient(ctx context.Context, artifact string) error {
	f, err := os.Open(artifact)
	if err != nil {
		return importErrorf("open dump: %w", err)
	}
	defer f.Close()

	program := "mysql"
	if m.local.Type == "mariadb" {
		program = "mariadb"
	}
	host, port := mysqlAddr(m.local)
	_, err = m.opts.run(ctx, commandSpec{
		Program: binaryPath(m.opts.BinaryPath, program),
		Args: []string{
			"--host=" + host,
			"--port=" + strconv.Itoa(port),
			"--user=" + m.local.Username,
			m.local.Database,
		},
		Env:     map[string]string{"MYSQL_PWD": m.local.Password},
		Stdin:   f,
		Timeout: m.opts.Timeout,
	})
	if err != nil {
		return importErrorf("failed to import %s database dump: %w", m.Name(), err)
	}
	return nil
}

func (m *mysqlEngine) Tables(ctx context.Context) ([]string, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx,
		`SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		 WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = 'BASE TABLE'
		 ORDER BY TABLE_NAME`)
	if err != nil {
		return nil, importErrorf("list tables: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (m *mysqlEngine) Users(ctx context.Context, table, idColumn, emailColumn string) (UserStore, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	return &tableUserStore{
		q:           sqlConnQueryer{conn: conn},
		table:       table,
		idColumn:    idColumn,
		emailColumn: emailColumn,
		quote:       m.quote,
		placeholder: questionPlaceholder,
	}, nil
}

func (m *mysqlEngine) ExecSQL(ctx context.Context, stmt string) error {
	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, stmt)
	return err
}

func (m *mysqlEngine) Close() error {
	return closeSQL(m.conn, m.db)
}

// scanStrings collects single-column string results.
func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func closeSQL(conn *sql.Conn, db *sql.DB) error {
	var firstErr error
	if conn != nil {
		if err := conn.Close(); err != nil {
			firstErr = err
		}
	}
	if db != nil {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
