package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/y3g0r/filehosting/internal/logging"
	"github.com/y3g0r/filehosting/pkg/models"
)

// Options limits and places uploads.
type Options struct {
	StagingDir    string
	MaxChunkSize  int   // 0 = unlimited
	MaxUploadSize int64 // 0 = unlimited
}

type uploadState int

const (
	stateIdle uploadState = iota
	stateReceiving
	stateCommitted
	stateDiscarded
)

// Worker performs one filesystem operation on one Path. Uploads move through
// Idle, Receiving and then Committed or Discarded; a Worker is not safe for
// concurrent use.
type Worker struct {
	fs   afero.Fs
	path *Path
	opts Options

	state       uploadState
	staging     afero.File
	written     int64
	updatedRoot string
}

// NewWorker returns a worker for p on fsys. Uploads are staged in the OS
// temp directory unless opts names another one; it must lie outside the
// storage root so partial files never show up in it.
func NewWorker(fsys afero.Fs, p *Path, opts Options) *Worker {
	if opts.StagingDir == "" {
		opts.StagingDir = os.TempDir()
	}
	return &Worker{fs: fsys, path: p, opts: opts}
}

// Path returns the path the worker operates on.
func (w *Worker) Path() *Path { return w.path }

// LockKeys returns the lock keys for the worker's path.
func (w *Worker) LockKeys() []string { return w.path.LockKeys() }

// Written returns the number of bytes received so far.
func (w *Worker) Written() int64 { return w.written }

// Open starts an upload into a staging file. It fails with ErrAlreadyExists
// if the target exists and is idempotent while receiving.
func (w *Worker) Open() error {
	switch w.state {
	case stateReceiving:
		return nil
	case stateCommitted, stateDiscarded:
		return ErrUploadClosed
	}

	if info, err := w.fs.Stat(w.path.Abs()); err == nil {
		kind := "file"
		if info.IsDir() {
			kind = "directory"
		}
		return fmt.Errorf("%w: %s %s", ErrAlreadyExists, kind, w.path.Public())
	} else if !errors.Is(err, fs.ErrNotExist) {
		return translate(err)
	}

	if err := w.fs.MkdirAll(w.opts.StagingDir, 0755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	f, err := afero.TempFile(w.fs, w.opts.StagingDir, "upload-*.part")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	w.staging = f
	w.state = stateReceiving
	return nil
}

// WriteChunk appends b to the staging file, opening it first if needed.
func (w *Worker) WriteChunk(b []byte) error {
	if w.state == stateIdle {
		if err := w.Open(); err != nil {
			return err
		}
	}
	if w.state != stateReceiving {
		return ErrUploadClosed
	}
	if w.opts.MaxChunkSize > 0 && len(b) > w.opts.MaxChunkSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrChunkTooLarge, len(b), w.opts.MaxChunkSize)
	}
	if w.opts.MaxUploadSize > 0 && w.written+int64(len(b)) > w.opts.MaxUploadSize {
		return fmt.Errorf("%w: limit %d bytes", ErrUploadTooLarge, w.opts.MaxUploadSize)
	}
	n, err := w.staging.Write(b)
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("write staging file: %w", err)
	}
	return nil
}

// Commit creates missing parent directories and atomically moves the
// staging file to the target path. An upload that never received a chunk
// commits an empty file.
func (w *Worker) Commit() error {
	if w.state == stateIdle {
		if err := w.Open(); err != nil {
			return err
		}
	}
	if w.state != stateReceiving {
		return ErrUploadClosed
	}

	staged := w.staging.Name()
	if err := w.staging.Close(); err != nil {
		w.Discard()
		return fmt.Errorf("close staging file: %w", err)
	}
	w.staging = nil

	root, err := w.mkdirP(w.path.WriteDir())
	if err != nil {
		w.removeStaged(staged)
		w.state = stateDiscarded
		return err
	}
	w.setUpdatedRoot(root)

	if err := w.moveIntoPlace(staged, w.path.Abs()); err != nil {
		w.removeStaged(staged)
		w.state = stateDiscarded
		if errors.Is(err, fs.ErrNotExist) {
			logging.Warn("staging file vanished before commit",
				logging.String("staging", staged),
				logging.String("path", w.path.Public()),
			)
			return nil
		}
		return translate(err)
	}
	w.state = stateCommitted
	return nil
}

// Discard drops the staging file. It is safe to call in any state.
func (w *Worker) Discard() {
	if w.state == stateReceiving && w.staging != nil {
		name := w.staging.Name()
		_ = w.staging.Close()
		w.staging = nil
		w.removeStaged(name)
	}
	if w.state != stateCommitted {
		w.state = stateDiscarded
	}
}

func (w *Worker) removeStaged(name string) {
	if err := w.fs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Warn("failed to remove staging file",
			logging.String("staging", name),
			logging.Err(err),
		)
	}
}

// moveIntoPlace renames src to dst. When they live on different devices the
// data is copied into a temp file next to dst which is then renamed.
func (w *Worker) moveIntoPlace(src, dst string) error {
	err := w.fs.Rename(src, dst)
	if err == nil || !errors.Is(err, unix.EXDEV) {
		return err
	}

	in, err := w.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := afero.TempFile(w.fs, filepath.Dir(dst), ".upload-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		w.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		w.fs.Remove(tmpName)
		return err
	}
	if err := w.fs.Rename(tmpName, dst); err != nil {
		w.fs.Remove(tmpName)
		return err
	}
	w.removeStaged(src)
	return nil
}

// CreateDirectory creates the target directory and any missing parents.
func (w *Worker) CreateDirectory() error {
	target := w.path.Abs()
	if info, err := w.fs.Stat(target); err == nil {
		if info.IsDir() {
			return fmt.Errorf("%w: directory %s", ErrAlreadyExists, w.path.Public())
		}
		return fmt.Errorf("%w: file %s", ErrAlreadyExists, w.path.Public())
	} else if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, unix.ENOTDIR) {
		return translate(err)
	}

	root, err := w.mkdirP(target)
	if err != nil {
		return err
	}
	w.setUpdatedRoot(root)
	return nil
}

// mkdirP creates target with all missing parents and returns the deepest
// directory that already existed.
func (w *Worker) mkdirP(target string) (string, error) {
	chain, err := Walk(target, w.path.Base())
	if err != nil {
		return "", err
	}
	boundary := w.path.Base()
	for _, dir := range chain {
		info, err := w.fs.Stat(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, unix.ENOTDIR) {
				continue
			}
			return "", translate(err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("%w: %s", ErrNotADirectory, relative(w.path.Base(), dir))
		}
		boundary = dir
		break
	}
	if boundary == target {
		return boundary, nil
	}
	if err := w.fs.MkdirAll(target, 0755); err != nil {
		return "", translate(err)
	}
	return boundary, nil
}

func (w *Worker) setUpdatedRoot(dir string) {
	if !within(w.path.Base(), dir) {
		dir = w.path.Base()
	}
	w.updatedRoot = dir
}

// Remove deletes the target, recursively for directories, and returns the
// incremental snapshot taken before deletion. The snapshot root carries the
// modification time of the parent after the removal.
func (w *Worker) Remove() (*models.Node, error) {
	target := w.path.Abs()
	if target == w.path.Base() {
		return nil, fmt.Errorf("%w: refusing to remove the storage root", ErrSandboxViolation)
	}
	info, err := w.fs.Stat(target)
	if err != nil {
		return nil, translate(err)
	}

	snap, err := w.SnapshotIncremental()
	if err != nil {
		return nil, err
	}

	if info.IsDir() {
		err = w.fs.RemoveAll(target)
	} else {
		err = w.fs.Remove(target)
	}
	if err != nil {
		return nil, translate(err)
	}

	if parent, err := w.fs.Stat(w.boundary()); err == nil {
		snap.ModTime = modTime(parent)
	}
	return snap, nil
}

func (w *Worker) boundary() string {
	if w.updatedRoot != "" {
		return w.updatedRoot
	}
	dir := filepath.Dir(w.path.Abs())
	if !within(w.path.Base(), dir) {
		dir = w.path.Base()
	}
	return dir
}
