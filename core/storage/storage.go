// Package storage scopes filesystem access to the scratch (download) and
// archive directories.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/m3rciful/pushgrab/core/logger"
)

const component = "storage"

// ErrExists is returned when the archive already holds the target name.
var ErrExists = errors.New("storage: file already exists")

// Dirs pairs the scratch directory with the archive directory.
type Dirs struct {
	download string
	archive  string
}

// New resolves both directories to absolute paths and checks they exist.
func New(download, archive string) (*Dirs, error) {
	d := &Dirs{}
	var err error
	if d.download, err = resolveDir(download); err != nil {
		return nil, fmt.Errorf("storage: download dir: %w", err)
	}
	if d.archive, err = resolveDir(archive); err != nil {
		return nil, fmt.Errorf("storage: archive dir: %w", err)
	}
	return d, nil
}

func resolveDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", abs)
	}
	return abs, nil
}

// DownloadDir returns the scratch directory.
func (d *Dirs) DownloadDir() string { return d.download }

// ScratchPath places name inside the scratch directory.
func (d *Dirs) ScratchPath(name string) string {
	return filepath.Join(d.download, filepath.Base(name))
}

// ArchivePath places name inside the archive directory.
func (d *Dirs) ArchivePath(name string) string {
	return filepath.Join(d.archive, filepath.Base(name))
}

// ArchiveExists reports whether name is already taken in the archive.
func (d *Dirs) ArchiveExists(name string) (bool, error) {
	_, err := os.Lstat(d.ArchivePath(name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("storage: stat %s: %w", name, err)
	}
}

// Create opens a scratch file for writing, truncating any previous content.
func (d *Dirs) Create(name string) (*os.File, error) {
	f, err := os.OpenFile(d.ScratchPath(name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", name, err)
	}
	return f, nil
}

// Promote copies the scratch file into the archive under final and removes
// the scratch copy. An existing archive entry is never overwritten.
func (d *Dirs) Promote(ctx context.Context, scratch, final string) (string, error) {
	start := time.Now()
	src := d.ScratchPath(scratch)
	dst := d.ArchivePath(final)

	if err := copyExclusive(src, dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrExists, dst)
		}
		return "", fmt.Errorf("storage: copy %s -> %s: %w", src, dst, err)
	}
	if err := os.Remove(src); err != nil {
		logger.Warn(ctx, component, "scratch.remove",
			slog.String("status", "fail"),
			slog.String("path", src),
			slog.String("err", err.Error()),
		)
	}
	logger.Info(ctx, component, "file.promote",
		slog.String("status", "ok"),
		slog.String("file", scratch),
		slog.String("path", dst),
		slog.Duration("duration", time.Since(start)),
	)
	return dst, nil
}

func copyExclusive(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// Discard removes a scratch file. A file that is already gone is not an error.
func (d *Dirs) Discard(ctx context.Context, scratch string) error {
	path := d.ScratchPath(scratch)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: remove %s: %w", path, err)
	}
	logger.Debug(ctx, component, "scratch.discard", slog.String("path", path))
	return nil
}
