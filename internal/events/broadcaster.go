// Package events fans committed storage mutations out to SSE subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/y3g0r/filehosting/internal/metrics"
	"github.com/y3g0r/filehosting/pkg/models"
	"github.com/y3g0r/filehosting/pkg/tree"
)

const (
	EventCreate = "create"
	EventMkdir  = "mkdir"
	EventDelete = "delete"
)

// subscriberBuffer is the number of events queued per subscriber before
// new events are dropped for it.
const subscriberBuffer = 64

// Event describes one committed mutation.
type Event struct {
	Type      string `json:"type"`
	Path      string `json:"path"`
	IsDir     bool   `json:"is_dir"`
	Size      int64  `json:"bytes,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// FromSnapshot builds an event for the leaf of an incremental snapshot.
func FromSnapshot(eventType string, snap *models.Node) Event {
	leaf := tree.Leaf(snap)
	if leaf == nil {
		return Event{Type: eventType}
	}
	e := Event{Type: eventType, Path: leaf.Path, IsDir: leaf.IsDir}
	if !leaf.IsDir {
		e.Size = leaf.Size
	}
	return e
}

// Broadcaster manages SSE subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	closed      bool
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a subscriber and returns its channel. The caller must call
// Unsubscribe when done. After Close the returned channel is already closed.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subscribers[ch] = struct{}{}
	}
	count := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(count))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	count := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(count))
}

// Publish sends an event to all subscribers without blocking; slow
// consumers miss events.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// Close ends every subscription. Streams waiting on their channel return.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(0)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// WriteSSE writes e as one server-sent event frame.
func WriteSSE(w io.Writer, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}
