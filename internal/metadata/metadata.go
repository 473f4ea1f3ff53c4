// Package metadata mirrors the hosted tree into a relational index: one row
// per file or directory plus a closure table of ancestor/descendant pairs.
package metadata

import (
	"context"
	"errors"
	"time"
)

// ErrTransient marks index store failures that may succeed when retried,
// such as a busy database or a dropped connection.
var ErrTransient = errors.New("transient index store failure")

// IndexNode is one row of the node table. ParentID is nil for the root and
// for nodes whose parent row was missing when they were written.
type IndexNode struct {
	ID        int64
	Path      string
	Size      int64
	HumanSize string
	IsDir     bool
	ModTime   time.Time
	ParentID  *int64
}

// Tx is the set of operations available inside one index transaction.
// Node returns (nil, nil) when no row has the given path.
type Tx interface {
	Node(path string) (*IndexNode, error)
	Descendants(id int64) ([]IndexNode, error)
	Ancestors(id int64) ([]IndexNode, error)

	// Insert stores a new node and its closure rows, returning its id.
	Insert(n *IndexNode) (int64, error)
	// Update rewrites the node with n.ID, re-linking its subtree when the
	// parent changes.
	Update(n *IndexNode) error
	// Delete removes a single node and every closure row that mentions it.
	Delete(id int64) (int64, error)
	// DeleteSubtree removes a node with all its descendants.
	DeleteSubtree(id int64) (int64, error)
}

// Backend is an index store. Update runs fn in one atomic read-write
// transaction; View runs it read-only.
type Backend interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}
