package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// copyBlockSize is the read size used whenever dump files are streamed.
const copyBlockSize = 8192

// tunnelHandle is the part of the tunnel supervisor the dump builder uses.
type tunnelHandle interface {
	Ensure(ctx context.Context) error
	Release()
}

// dumpBuilder produces the merged dump artifact for one session from the
// local database (persist tables) and the remote database (everything else).
type dumpBuilder struct {
	target string
	policy TablePolicy
	dir    string
	clean  bool

	local      databaseDumper
	localConn  dumpConn
	remote     databaseDumper
	remoteConn dumpConn
	tunnel     tunnelHandle
}

// dumpPartition is one intermediate dump file.
type dumpPartition struct {
	path  string
	table string
}

// BackupLocal dumps the whole local database to local.sql before anything
// destructive happens.
func (b *dumpBuilder) BackupLocal(ctx context.Context) (string, error) {
	path := filepath.Join(b.dir, "local.sql")
	log.Printf("[DB] Backing up local database...")
	if err := b.local.Dump(ctx, b.localConn, dumpRequest{Output: path}); err != nil {
		return "", err
	}
	log.Printf("[DB] Backed up local database to %q.", path)
	return path, nil
}

// Build writes the merged dump to artifact. Partitions are removed once
// merged. When a dump fails, the partitions written so far are kept for
// diagnosis unless the builder runs in clean mode.
func (b *dumpBuilder) Build(ctx context.Context, artifact string) error {
	log.Printf("[DB] Dumping %s database...", b.target)

	var parts []dumpPartition
	cleanup := func() {
		if b.clean {
			removePartitions(parts)
		}
	}

	// Persist tables come from the local database and need no tunnel.
	if len(b.policy.Persist) > 0 {
		log.Printf("[DB] Processing persist tables...")
	}
	for i, table := range b.policy.Persist {
		p := dumpPartition{path: filepath.Join(b.dir, fmt.Sprintf("%03d_local_%s.sql", i+1, table)), table: table}
		parts = append(parts, p)
		if err := b.local.Dump(ctx, b.localConn, dumpRequest{Tables: []string{table}, Output: p.path}); err != nil {
			cleanup()
			return err
		}
	}

	if err := b.tunnel.Ensure(ctx); err != nil {
		b.tunnel.Release()
		cleanup()
		return err
	}
	base, err := b.dumpRemote(ctx, &parts)
	b.tunnel.Release()
	if err != nil {
		cleanup()
		return err
	}

	log.Printf("[DB] Building dump file...")
	if err := concatenateFiles(artifact, base.path, partitionPaths(parts)); err != nil {
		cleanup()
		return dumpErrorf("build %s: %w", artifact, err)
	}

	log.Printf("[DB] Deleting intermediate dump files...")
	removePartitions(append(parts, base))
	log.Printf("[DB] Dumped %s database to %q.", b.target, artifact)
	return nil
}

// dumpRemote writes the empty-table partitions and the base partition.
func (b *dumpBuilder) dumpRemote(ctx context.Context, parts *[]dumpPartition) (dumpPartition, error) {
	if len(b.policy.Empty) > 0 {
		log.Printf("[DB] Processing empty tables...")
	}
	offset := len(b.policy.Persist)
	for i, table := range b.policy.Empty {
		p := dumpPartition{path: filepath.Join(b.dir, fmt.Sprintf("%03d_%s_%s.sql", offset+i+1, b.target, table)), table: table}
		*parts = append(*parts, p)
		req := dumpRequest{Tables: []string{table}, NoData: true, Output: p.path}
		if err := b.remote.Dump(ctx, b.remoteConn, req); err != nil {
			return dumpPartition{}, err
		}
	}

	log.Printf("[DB] Processing other tables...")
	base := dumpPartition{path: filepath.Join(b.dir, b.target+"_base.sql")}
	*parts = append(*parts, base)
	req := dumpRequest{Exclude: b.policy.Excluded(), Output: base.path}
	if err := b.remote.Dump(ctx, b.remoteConn, req); err != nil {
		return dumpPartition{}, err
	}
	*parts = (*parts)[:len(*parts)-1]
	return base, nil
}

func partitionPaths(parts []dumpPartition) []string {
	paths := make([]string, len(parts))
	for i, p := range parts {
		paths[i] = p.path
	}
	return paths
}

func removePartitions(parts []dumpPartition) {
	for _, p := range parts {
		if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("[DB] WARN: remove %s: %v", p.path, err)
		}
	}
}

// concatenateFiles writes first followed by rest into dst, copying in
// copyBlockSize blocks so memory use does not depend on file size.
func concatenateFiles(dst, first string, rest []string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	buf := make([]byte, copyBlockSize)
	for _, src := range append([]string{first}, rest...) {
		if err := appendFile(out, src, buf); err != nil {
			out.Close()
			return err
		}
	}
	return out.Close()
}

func appendFile(out io.Writer, src string, buf []byte) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("write %s: %w", src, err)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read %s: %w", src, rerr)
		}
	}
}
