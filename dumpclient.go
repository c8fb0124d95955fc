package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)

// dumpConn is where a dump client connects.
type dumpConn struct {
	Host     string
	Port     int
	Database string // file path for sqlite
	Username string
	Password string
}

// dumpRequest selects what one dump client run writes to Output.
type dumpRequest struct {
	Tables  []string // only these tables; empty means every table
	Exclude []string
	NoData  bool
	Output  string
}

// databaseDumper produces SQL dumps with an engine's native dump client.
type databaseDumper interface {
	Name() string
	Dump(ctx context.Context, conn dumpConn, req dumpRequest) error
}

// cliDumper runs mysqldump, mariadb-dump, pg_dump or sqlite3 and writes its
// standard output to the requested file.
type cliDumper struct {
	engine  string
	program string
	timeout time.Duration
	run     commandRunner
}

var dumpPrograms = map[string]string{
	"mysql":   "mysqldump",
	"mariadb": "mariadb-dump",
	"pgsql":   "pg_dump",
	"sqlite":  "sqlite3",
}

// newDatabaseDumper returns the dump client for an engine type.
func newDatabaseDumper(engine, binDir string, timeout time.Duration) (databaseDumper, error) {
	program, ok := dumpPrograms[engine]
	if !ok {
		return nil, fmt.Errorf("no dump client for database type %q", engine)
	}
	return &cliDumper{
		engine:  engine,
		program: binaryPath(binDir, program),
		timeout: timeout,
		run:     runCommand,
	}, nil
}

func (d *cliDumper) Name() string { return dumpPrograms[d.engine] }

func (d *cliDumper) Dump(ctx context.Context, conn dumpConn, req dumpRequest) error {
	args, env, err := dumpArgs(d.engine, conn, req)
	if err != nil {
		return dumpErrorf("%s: %w", d.Name(), err)
	}

	out, err := os.Create(req.Output)
	if err != nil {
		return dumpErrorf("create %s: %w", req.Output, err)
	}
	_, runErr := d.run(ctx, commandSpec{
		Program: d.program,
		Args:    args,
		Env:     env,
		Stdout:  out,
		Timeout: d.timeout,
	})
	closeErr := out.Close()
	if runErr != nil {
		return dumpErrorf("dump %s: %w", conn.Database, runErr)
	}
	if closeErr != nil {
		return dumpErrorf("write %s: %w", req.Output, closeErr)
	}
	return nil
}

// dumpArgs builds the dump client arguments and the environment carrying
// the password, so it never shows up in the process list.
func dumpArgs(engine string, conn dumpConn, req dumpRequest) ([]string, map[string]string, error) {
	switch engine {
	case "mysql", "mariadb":
		args := []string{
			"--host=" + conn.Host,
			"--port=" + strconv.Itoa(conn.Port),
			"--user=" + conn.Username,
			"--skip-comments",
			"--extended-insert",
			"--single-transaction",
			"--quick",
			"--no-tablespaces",
		}
		if req.NoData {
			args = append(args, "--no-data")
		}
		for _, t := range req.Exclude {
			args = append(args, "--ignore-table="+conn.Database+"."+t)
		}
		args = append(args, conn.Database)
		args = append(args, req.Tables...)
		return args, map[string]string{"MYSQL_PWD": conn.Password}, nil

	case "pgsql":
		args := []string{
			"--host=" + conn.Host,
			"--port=" + strconv.Itoa(conn.Port),
			"--username=" + conn.Username,
			"--dbname=" + conn.Database,
			"--no-owner",
			"--no-privileges",
		}
		if req.NoData {
			args = append(args, "--schema-only")
		}
		for _, t := range req.Tables {
			args = append(args, "--table="+t)
		}
		for _, t := range req.Exclude {
			args = append(args, "--exclude-table="+t)
		}
		return args, map[string]string{"PGPASSWORD": conn.Password}, nil

	case "sqlite":
		if len(req.Exclude) > 0 {
			return nil, nil, fmt.Errorf("sqlite3 cannot exclude tables from a dump")
		}
		command := ".dump"
		if req.NoData {
			command = ".schema"
		}
		for _, t := range req.Tables {
			command += " " + t
		}
		return []string{conn.Database, command}, nil, nil

	default:
		return nil, nil, fmt.Errorf("no dump client for database type %q", engine)
	}
}
