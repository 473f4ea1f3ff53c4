// Package lock serializes mutations that touch overlapping paths.
package lock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/y3g0r/filehosting/internal/metrics"
)

type entry struct {
	sem  chan struct{}
	refs int
}

// Table is a process-wide set of named exclusive locks. Keys are acquired in
// sorted order, which for path keys is root-to-leaf order, so two callers
// with overlapping key sets cannot deadlock.
type Table struct {
	enabled bool

	mu      sync.Mutex
	entries map[string]*entry
}

// NewTable returns a lock table. A disabled table grants every request
// immediately.
func NewTable(enabled bool) *Table {
	return &Table{enabled: enabled, entries: make(map[string]*entry)}
}

// Enabled reports whether the table actually locks.
func (t *Table) Enabled() bool { return t.enabled }

// Acquire locks every key and returns a func that releases them in reverse
// order. If ctx is done while waiting, keys already held are released and
// ctx.Err() is returned.
func (t *Table) Acquire(ctx context.Context, keys []string) (func(), error) {
	if !t.enabled || len(keys) == 0 {
		return func() {}, nil
	}

	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	start := time.Now()
	held := make([]*entry, 0, len(sorted))
	for i, key := range sorted {
		e := t.ref(key)
		select {
		case e.sem <- struct{}{}:
			held = append(held, e)
		case <-ctx.Done():
			t.unref(key)
			t.release(sorted[:i], held)
			return nil, ctx.Err()
		}
	}
	metrics.RecordLockWait(time.Since(start))

	var once sync.Once
	return func() {
		once.Do(func() { t.release(sorted, held) })
	}, nil
}

func (t *Table) release(keys []string, held []*entry) {
	for i := len(held) - 1; i >= 0; i-- {
		<-held[i].sem
		t.unref(keys[i])
	}
}

func (t *Table) ref(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		t.entries[key] = e
		metrics.SetLockKeys(len(t.entries))
	}
	e.refs++
	return e
}

func (t *Table) unref(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
		metrics.SetLockKeys(len(t.entries))
	}
}

// Len returns the number of keys currently held or awaited.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
