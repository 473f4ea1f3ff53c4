package metadata

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/y3g0r/filehosting/internal/logging"
	"github.com/y3g0r/filehosting/internal/metrics"
	"github.com/y3g0r/filehosting/pkg/models"
	"github.com/y3g0r/filehosting/pkg/retry"
)

const (
	jobApply  = "apply"
	jobDelete = "delete"
)

type job struct {
	id       string
	kind     string
	snapshot *models.Node
}

// SyncerConfig controls the background index writer.
type SyncerConfig struct {
	Workers     int
	QueueSize   int
	RetryDelay  time.Duration
	MaxAttempts int
}

// Syncer applies snapshots to the index in the background. Jobs that fail
// with ErrTransient are re-run with the same snapshot after RetryDelay, up
// to MaxAttempts attempts in total.
type Syncer struct {
	index *Index
	cfg   SyncerConfig
	jobs  chan job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewSyncer starts cfg.Workers goroutines writing to index.
func NewSyncer(index *Index, cfg SyncerConfig) *Syncer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		index:  index,
		cfg:    cfg,
		jobs:   make(chan job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.run()
	}
	return s
}

// Created schedules snap to be applied to the index.
func (s *Syncer) Created(snap *models.Node) {
	s.enqueue(jobApply, snap)
}

// Deleted schedules the leaf of snap to be removed from the index.
func (s *Syncer) Deleted(snap *models.Node) {
	s.enqueue(jobDelete, snap)
}

func (s *Syncer) enqueue(kind string, snap *models.Node) {
	if snap == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		logging.Warn("index syncer closed, dropping job",
			logging.String("kind", kind),
			logging.String("path", snap.Path))
		metrics.RecordIndexDropped(kind)
		return
	}

	j := job{id: uuid.NewString(), kind: kind, snapshot: snap}
	select {
	case s.jobs <- j:
		metrics.SetIndexQueueDepth(len(s.jobs))
	default:
		logging.Error("index queue full, dropping job",
			logging.String("job_id", j.id),
			logging.String("kind", kind),
			logging.String("path", snap.Path))
		metrics.RecordIndexDropped(kind)
	}
}

func (s *Syncer) run() {
	defer s.wg.Done()
	for j := range s.jobs {
		metrics.SetIndexQueueDepth(len(s.jobs))
		s.process(j)
	}
}

func (s *Syncer) process(j job) {
	start := time.Now()
	log := logging.L().With(
		logging.String("job_id", j.id),
		logging.String("kind", j.kind),
		logging.String("path", j.snapshot.Path),
	)
	log.Debug("index job started")

	cfg := retry.Fixed(s.cfg.RetryDelay, s.cfg.MaxAttempts)
	cfg.OnRetry = func(attempt int, err error) {
		metrics.RecordIndexRetry(j.kind)
		log.Warn("index job failed, retrying",
			logging.Int("attempt", attempt),
			logging.Duration("delay", s.cfg.RetryDelay),
			logging.Err(err))
	}

	err := retry.Do(s.ctx, cfg, func() error {
		err := s.apply(j)
		if errors.Is(err, ErrTransient) {
			return retry.Retryable(err)
		}
		return err
	})

	metrics.RecordIndexJob(j.kind, err == nil)
	if err != nil {
		log.Error("index job failed",
			logging.Duration("duration", time.Since(start)),
			logging.Err(err))
		return
	}
	log.Debug("index job finished", logging.Duration("duration", time.Since(start)))
}

func (s *Syncer) apply(j job) error {
	ctx := logging.With(s.ctx, logging.String("job_id", j.id))
	if j.kind == jobDelete {
		return s.index.DeleteLeaf(ctx, j.snapshot)
	}
	return s.index.ApplySnapshot(ctx, j.snapshot)
}

// Close stops accepting jobs and waits for queued ones to finish. If ctx
// ends first, pending retries are abandoned.
func (s *Syncer) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
