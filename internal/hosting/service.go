// Package hosting runs storage mutations under path locks and forwards their
// snapshots to the index and to event subscribers.
package hosting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/y3g0r/filehosting/internal/events"
	"github.com/y3g0r/filehosting/internal/lock"
	"github.com/y3g0r/filehosting/internal/logging"
	"github.com/y3g0r/filehosting/internal/metrics"
	"github.com/y3g0r/filehosting/internal/storage"
	"github.com/y3g0r/filehosting/pkg/models"
)

// DefaultChunkSize is used when no chunk size is configured.
const DefaultChunkSize = 16 << 10

// Indexer receives the snapshot of every committed mutation. Calls must not
// block the request.
type Indexer interface {
	Created(snap *models.Node)
	Deleted(snap *models.Node)
}

// Publisher receives an event for every committed mutation.
type Publisher interface {
	Publish(e events.Event)
}

// Service exposes the storage operations of one sandbox root.
type Service struct {
	resolver *storage.Resolver
	fs       afero.Fs
	locks    *lock.Table
	index    Indexer
	events   Publisher
	opts     storage.Options

	chunks sync.Pool
}

// New returns a service. index and pub may be nil.
func New(resolver *storage.Resolver, fsys afero.Fs, locks *lock.Table, index Indexer, pub Publisher, opts storage.Options) *Service {
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultChunkSize
	}
	if locks == nil {
		locks = lock.NewTable(false)
	}
	s := &Service{
		resolver: resolver,
		fs:       fsys,
		locks:    locks,
		index:    index,
		events:   pub,
		opts:     opts,
	}
	size := opts.MaxChunkSize
	s.chunks.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return s
}

// Root returns the sandbox root.
func (s *Service) Root() string { return s.resolver.Base() }

func (s *Service) resolve(identifier string) (*storage.Path, error) {
	p, err := s.resolver.Resolve(identifier)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) acquire(ctx context.Context, p *storage.Path) (func(), error) {
	release, err := s.locks.Acquire(ctx, p.LockKeys())
	if err != nil {
		return nil, fmt.Errorf("acquire locks for %s: %w", p.Public(), err)
	}
	return release, nil
}

// CreateDirectory creates the directory named by identifier and its missing
// parents, and returns the incremental snapshot from the deepest directory
// that already existed.
func (s *Service) CreateDirectory(ctx context.Context, identifier string) (snap *models.Node, err error) {
	start := time.Now()
	defer func() { metrics.RecordStorageOperation("mkdir", time.Since(start), err == nil) }()

	p, err := s.resolve(identifier)
	if err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, p)
	if err != nil {
		return nil, err
	}
	defer release()

	w := storage.NewWorker(s.fs, p, s.opts)
	if err := w.CreateDirectory(); err != nil {
		return nil, err
	}
	snap, err = w.SnapshotIncremental()
	if err != nil {
		return nil, err
	}

	logging.WithContext(ctx).Info("directory created", logging.String("path", p.Public()))
	s.committed(events.EventMkdir, snap)
	return snap, nil
}

// Upload streams body into the file named by identifier. The body is read
// in chunks of at most the configured chunk size; a read error or a done ctx
// discards everything received. The target must not exist.
func (s *Service) Upload(ctx context.Context, identifier string, body io.Reader) (snap *models.Node, err error) {
	start := time.Now()
	var written int64
	defer func() {
		metrics.RecordStorageOperation("upload", time.Since(start), err == nil)
		metrics.RecordContentUpload(written, err == nil)
	}()

	p, err := s.resolve(identifier)
	if err != nil {
		return nil, err
	}
	if !p.IsFile() {
		return nil, fmt.Errorf("%w: %q names a directory", storage.ErrInvalidPath, identifier)
	}
	release, err := s.acquire(ctx, p)
	if err != nil {
		return nil, err
	}
	defer release()

	w := storage.NewWorker(s.fs, p, s.opts)
	if err := w.Open(); err != nil {
		return nil, err
	}
	if err := s.receive(ctx, w, body); err != nil {
		w.Discard()
		logging.WithContext(ctx).Info("upload discarded",
			logging.String("path", p.Public()),
			logging.Int64("received", w.Written()),
			logging.Err(err))
		return nil, err
	}
	written = w.Written()

	if err := w.Commit(); err != nil {
		return nil, err
	}
	snap, err = w.SnapshotIncremental()
	if err != nil {
		return nil, err
	}

	logging.WithContext(ctx).Info("file uploaded",
		logging.String("path", p.Public()),
		logging.Int64("bytes", written),
		logging.Duration("duration", time.Since(start)))
	s.committed(events.EventCreate, snap)
	return snap, nil
}

func (s *Service) receive(ctx context.Context, w *storage.Worker, body io.Reader) error {
	bp := s.chunks.Get().(*[]byte)
	defer s.chunks.Put(bp)
	buf := *bp

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := body.Read(buf)
		if n > 0 {
			if werr := w.WriteChunk(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read upload body: %w", err)
		}
	}
}

// Delete removes the file or directory named by identifier and returns the
// incremental snapshot taken before removal.
func (s *Service) Delete(ctx context.Context, identifier string) (snap *models.Node, err error) {
	start := time.Now()
	defer func() { metrics.RecordStorageOperation("delete", time.Since(start), err == nil) }()

	p, err := s.resolve(identifier)
	if err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, p)
	if err != nil {
		return nil, err
	}
	defer release()

	w := storage.NewWorker(s.fs, p, s.opts)
	snap, err = w.Remove()
	if err != nil {
		return nil, err
	}

	logging.WithContext(ctx).Info("path deleted", logging.String("path", p.Public()))
	s.committed(events.EventDelete, snap)
	return snap, nil
}

// List returns the full snapshot of the tree at identifier. It reads the
// live filesystem and takes no locks.
func (s *Service) List(ctx context.Context, identifier string) (snap *models.Node, err error) {
	start := time.Now()
	defer func() { metrics.RecordStorageOperation("list", time.Since(start), err == nil) }()

	p, err := s.resolve(identifier)
	if err != nil {
		return nil, err
	}
	return storage.NewWorker(s.fs, p, s.opts).SnapshotFull(p.Abs())
}

// Open returns the file or directory named by identifier for reading. The
// caller closes it.
func (s *Service) Open(ctx context.Context, identifier string) (afero.File, fs.FileInfo, error) {
	p, err := s.resolve(identifier)
	if err != nil {
		return nil, nil, err
	}
	f, err := s.fs.Open(p.Abs())
	if err != nil {
		return nil, nil, storageError(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, storageError(err)
	}
	return f, info, nil
}

// Snapshot returns the full snapshot of the sandbox root.
func (s *Service) Snapshot(ctx context.Context) (*models.Node, error) {
	return s.List(ctx, "/")
}

func (s *Service) committed(eventType string, snap *models.Node) {
	if s.index != nil {
		if eventType == events.EventDelete {
			s.index.Deleted(snap)
		} else {
			s.index.Created(snap)
		}
	}
	if s.events != nil {
		s.events.Publish(events.FromSnapshot(eventType, snap))
	}
}

// storageError reports a missing target, or a file used as a directory
// component, as ErrNotFound.
func storageError(err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, unix.ENOTDIR) {
		return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
	}
	return err
}
