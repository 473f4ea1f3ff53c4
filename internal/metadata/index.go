package metadata

import (
	"context"
	"path"
	"sort"
	"time"

	"github.com/y3g0r/filehosting/internal/logging"
	"github.com/y3g0r/filehosting/internal/metrics"
	"github.com/y3g0r/filehosting/pkg/models"
	"github.com/y3g0r/filehosting/pkg/tree"
)

// Index applies storage snapshots to a Backend.
type Index struct {
	backend Backend
}

// New returns an index over backend.
func New(backend Backend) *Index {
	return &Index{backend: backend}
}

// Close closes the backend.
func (x *Index) Close() error {
	return x.backend.Close()
}

// ApplySnapshot upserts every node of snap, parents before children, in one
// transaction. A node whose parent is not indexed is stored without a parent
// and a warning is logged.
func (x *Index) ApplySnapshot(ctx context.Context, snap *models.Node) error {
	if snap == nil {
		return nil
	}
	return x.backend.Update(ctx, func(tx Tx) error {
		return applyTree(ctx, tx, snap)
	})
}

// DeleteLeaf applies every node of the chain except the leaf, then removes
// the leaf: the single row for a file, the whole subtree for a directory.
// A leaf missing from the index is logged and ignored.
func (x *Index) DeleteLeaf(ctx context.Context, snap *models.Node) error {
	if snap == nil {
		return nil
	}
	leaf := tree.Leaf(snap)
	rest := tree.Trim(snap)

	return x.backend.Update(ctx, func(tx Tx) error {
		if err := applyTree(ctx, tx, rest); err != nil {
			return err
		}

		node, err := tx.Node(leaf.Path)
		if err != nil {
			return err
		}
		if node == nil {
			logging.WithContext(ctx).Warn("deleted node missing from index",
				logging.String("path", leaf.Path))
			return nil
		}

		var removed int64
		if leaf.IsDir {
			removed, err = tx.DeleteSubtree(node.ID)
		} else {
			removed, err = tx.Delete(node.ID)
		}
		if err != nil {
			return err
		}
		logging.WithContext(ctx).Debug("index nodes removed",
			logging.String("path", leaf.Path),
			logging.Int64("count", removed))
		return nil
	})
}

// Reconcile applies a full snapshot and then removes indexed descendants of
// its root that are no longer present. It returns the number of rows removed.
func (x *Index) Reconcile(ctx context.Context, full *models.Node) (int64, error) {
	if full == nil {
		return 0, nil
	}
	start := time.Now()
	live := tree.Flatten(full)

	var removed int64
	err := x.backend.Update(ctx, func(tx Tx) error {
		removed = 0
		if err := applyTree(ctx, tx, full); err != nil {
			return err
		}
		root, err := tx.Node(full.Path)
		if err != nil || root == nil {
			return err
		}
		indexed, err := tx.Descendants(root.ID)
		if err != nil {
			return err
		}
		// shallow paths first, so a stale directory takes its subtree along
		sort.Slice(indexed, func(i, j int) bool {
			return len(indexed[i].Path) < len(indexed[j].Path)
		})
		for _, n := range indexed {
			if _, ok := live[n.Path]; ok {
				continue
			}
			count, err := tx.DeleteSubtree(n.ID)
			if err != nil {
				return err
			}
			removed += count
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	nodes := tree.CountNodes(full)
	metrics.SetIndexTreeSize(nodes)
	logging.Info("index reconciled",
		logging.String("root", full.Path),
		logging.Int("nodes", nodes),
		logging.Int64("removed", removed),
		logging.Duration("duration", time.Since(start)))
	return removed, nil
}

// Node returns the indexed node for path, or nil.
func (x *Index) Node(ctx context.Context, p string) (*IndexNode, error) {
	var n *IndexNode
	err := x.backend.View(ctx, func(tx Tx) error {
		var err error
		n, err = tx.Node(p)
		return err
	})
	return n, err
}

// Descendants returns the node at path and everything below it, shallowest
// first. It is empty when path is not indexed.
func (x *Index) Descendants(ctx context.Context, p string) ([]IndexNode, error) {
	var out []IndexNode
	err := x.backend.View(ctx, func(tx Tx) error {
		n, err := tx.Node(p)
		if err != nil || n == nil {
			return err
		}
		out, err = tx.Descendants(n.ID)
		return err
	})
	return out, err
}

// Ancestors returns the node at path and every indexed ancestor, root first.
func (x *Index) Ancestors(ctx context.Context, p string) ([]IndexNode, error) {
	var out []IndexNode
	err := x.backend.View(ctx, func(tx Tx) error {
		n, err := tx.Node(p)
		if err != nil || n == nil {
			return err
		}
		out, err = tx.Ancestors(n.ID)
		return err
	})
	return out, err
}

func applyTree(ctx context.Context, tx Tx, snap *models.Node) error {
	return tree.Walk(snap, func(n *models.Node) error {
		return upsert(ctx, tx, n)
	})
}

func upsert(ctx context.Context, tx Tx, n *models.Node) error {
	row := &IndexNode{
		Path:      n.Path,
		Size:      n.Size,
		HumanSize: n.HumanSize,
		IsDir:     n.IsDir,
		ModTime:   n.ModTime,
	}

	if n.Path != "/" {
		parent, err := tx.Node(path.Dir(n.Path))
		if err != nil {
			return err
		}
		if parent == nil {
			logging.WithContext(ctx).Warn("parent missing from index",
				logging.String("path", n.Path))
		} else {
			row.ParentID = &parent.ID
		}
	}

	existing, err := tx.Node(n.Path)
	if err != nil {
		return err
	}
	if existing == nil {
		_, err := tx.Insert(row)
		return err
	}
	row.ID = existing.ID
	return tx.Update(row)
}
