package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// sessionDirLayout names session directories after their start time.
const sessionDirLayout = "2006-01-02_15-04-05"

// lockFileName is created in the backup root while a session runs.
const lockFileName = ".envferry.lock"

// backupManager owns the session directory of one run.
type backupManager struct {
	root    string // backup_path resolved against the project root
	session *ImportSession
	lock    *flock.Flock
}

// lockBackupRoot takes the exclusive session lock on root, failing fast
// when another run holds it.
func lockBackupRoot(root string) (*flock.Flock, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fileSyncErrorf("create backup directory %s: %w", root, err)
	}
	lock := flock.New(filepath.Join(root, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fileSyncErrorf("lock %s: %w", root, err)
	}
	if !locked {
		return nil, configErrorf("another import is already running (lock held on %s)", lock.Path())
	}
	return lock, nil
}

// createSessionDir makes a fresh directory for a run started at started. A
// numeric suffix is added when a directory for the same second exists.
func createSessionDir(root string, started time.Time) (string, error) {
	base := filepath.Join(root, started.Format(sessionDirLayout))
	dir := base
	for i := 1; ; i++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fileSyncErrorf("failed to create session directory %q: %w", dir, err)
		}
		dir = fmt.Sprintf("%s_%d", base, i)
	}
}

// Snapshot backs up dest, the local copy of the import path rel, before it
// is synced. Without backup mode it only makes sure dest can be synced into.
func (m *backupManager) Snapshot(dest, rel string) error {
	if !m.session.BackupDestination {
		return ensureDir(dest)
	}

	info, err := os.Stat(dest)
	if errors.Is(err, fs.ErrNotExist) {
		return ensureDir(dest)
	}
	if err != nil {
		return fileSyncErrorf("failed to back up %q: %w", dest, err)
	}

	log.Printf("[Files] Backing up %q...", dest)
	target := filepath.Join(m.session.BackupDir(), rel)
	if info.IsDir() {
		err = copyTree(dest, target)
	} else {
		err = copyEntry(dest, target, info)
	}
	if err != nil {
		return fileSyncErrorf("failed to back up %q: %w", dest, err)
	}

	if m.session.CleanDestination && info.IsDir() {
		if err := cleanDirectory(dest); err != nil {
			return fileSyncErrorf("failed to clean %q: %w", dest, err)
		}
	}
	log.Printf("[Files] Backed up %q.", dest)
	return nil
}

// Prune removes the session directory if nothing but empty directories
// remain in it. It reports whether the directory was removed.
func (m *backupManager) Prune() (bool, error) {
	empty, err := isEmptyTree(m.session.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, err
	}
	if !empty {
		return false, nil
	}
	if err := os.RemoveAll(m.session.Dir); err != nil {
		return false, err
	}
	return true, nil
}

// Unlock releases the session lock and removes the lock file.
func (m *backupManager) Unlock() error {
	if m.lock == nil {
		return nil
	}
	err := m.lock.Unlock()
	if rmErr := os.Remove(m.lock.Path()); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) && err == nil {
		err = rmErr
	}
	m.lock = nil
	return err
}

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fileSyncErrorf("failed to create directory %q: %w", path, err)
	}
	return nil
}

// isEmptyTree reports whether dir holds no files at any depth.
func isEmptyTree(dir string) (bool, error) {
	empty := true
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			empty = false
			return filepath.SkipAll
		}
		return nil
	})
	return empty, err
}

// copyTree copies src into dst recursively, preserving modes and symlinks.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyEntry(path, filepath.Join(dst, rel), info)
	})
}

func copyEntry(src, dst string, info fs.FileInfo) error {
	switch mode := info.Mode(); {
	case mode.IsDir():
		return os.MkdirAll(dst, mode.Perm()|0o700)
	case mode&fs.ModeSymlink != 0:
		link, err := os.Readlink(src)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		return os.Symlink(link, dst)
	case mode.IsRegular():
		return copyFile(src, dst, mode.Perm())
	default:
		// Sockets, devices and pipes are not part of a project tree.
		return nil
	}
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.CopyBuffer(out, in, make([]byte, 32*1024)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// cleanDirectory removes everything inside dir but keeps dir itself.
func cleanDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
