package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// postgresEngine resets the destination schema over pgx and loads dumps with
// psql, since pg_dump output relies on client-side COPY ... FROM stdin.
type postgresEngine struct {
	local LocalConfig
	opts  engineOptions
	conn  *pgx.Conn
}

func newPostgresEngine(local LocalConfig, opts engineOptions) *postgresEngine {
	if local.Schema == "" {
		local.Schema = "public"
	}
	return &postgresEngine{local: local, opts: opts}
}

func (p *postgresEngine) Name() string { return "PostgreSQL" }

func (p *postgresEngine) DatabaseName() string { return p.local.Database }

func (p *postgresEngine) addr() (string, int) {
	host, port := p.local.Host, p.local.Port
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 5432
	}
	return host, port
}

func (p *postgresEngine) DumpConn() dumpConn {
	host, port := p.addr()
	return dumpConn{
		Host:     host,
		Port:     port,
		Database: p.local.Database,
		Username: p.local.Username,
		Password: p.local.Password,
	}
}

// connString builds a postgres:// URL for pgx.
func (p *postgresEngine) connString() string {
	host, port := p.addr()
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.local.Username, p.local.Password),
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + p.local.Database,
	}
	return u.String()
}

func (p *postgresEngine) connect(ctx context.Context) (*pgx.Conn, error) {
	if p.conn != nil {
		return p.conn, nil
	}
	conn, err := pgx.Connect(ctx, p.connString())
	if err != nil {
		return nil, importErrorf("connect PostgreSQL database %q: %w", p.local.Database, err)
	}
	if p.local.Schema != "public" {
		if _, err := conn.Exec(ctx, "SET search_path TO "+pgIdent(p.local.Schema)); err != nil {
			conn.Close(ctx)
			return nil, importErrorf("set search_path: %w", err)
		}
	}
	p.conn = conn
	return conn, nil
}

type schemaExecutor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// recreateSchema drops the schema with everything in it and creates it empty.
func recreateSchema(ctx context.Context, exec schemaExecutor, schema string) error {
	if _, err := exec.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", pgIdent(schema))); err != nil {
		return fmt.Errorf("drop schema: %w", err)
	}
	if _, err := exec.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", pgIdent(schema))); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (p *postgresEngine) Wipe(ctx context.Context) error {
	conn, err := p.connect(ctx)
	if err != nil {
		return err
	}
	if err := recreateSchema(ctx, conn, p.local.Schema); err != nil {
		return importErrorf("wipe %s: %w", p.local.Database, err)
	}
	return nil
}

func (p *postgresEngine) Import(ctx context.Context, artifact string) error {
	host, port := p.addr()
	_, err := p.opts.run(ctx, commandSpec{
		Program: binaryPath(p.opts.BinaryPath, "psql"),
		Args: []string{
			"--host=" + host,
			"--port=" + strconv.Itoa(port),
			"--username=" + p.local.Username,
			"--dbname=" + p.local.Database,
			"--quiet",
			"--no-psqlrc",
			"-v", "ON_ERROR_STOP=1",
			"-f", artifact,
		},
		Env:     map[string]string{"PGPASSWORD": p.local.Password},
		Timeout: p.opts.Timeout,
	})
	if err != nil {
		return importErrorf("failed to import PostgreSQL database dump: %w", err)
	}
	return nil
}

func (p *postgresEngine) Tables(ctx context.Context) ([]string, error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		 ORDER BY table_name`, p.local.Schema)
	if err != nil {
		return nil, importErrorf("list tables: %w", err)
	}
	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, importErrorf("list tables: %w", err)
	}
	return tables, nil
}

func (p *postgresEngine) Users(ctx context.Context, table, idColumn, emailColumn string) (UserStore, error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	return &tableUserStore{
		q:           pgxQueryer{conn: conn},
		table:       table,
		idColumn:    idColumn,
		emailColumn: emailColumn,
		quote:       pgIdent,
		placeholder: dollarPlaceholder,
	}, nil
}

func (p *postgresEngine) ExecSQL(ctx context.Context, stmt string) error {
	conn, err := p.connect(ctx)
	if err != nil {
		return err
	}
	_, err = conn.Exec(ctx, stmt)
	return err
}

func (p *postgresEngine) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close(context.Background())
	p.conn = nil
	return err
}
