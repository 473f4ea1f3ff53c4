package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/y3g0r/filehosting/pkg/models"
)

// SnapshotFull returns the tree rooted at abs, recursing into directories.
// Entries removed while the tree is being read are skipped.
func (w *Worker) SnapshotFull(abs string) (*models.Node, error) {
	abs = filepath.Clean(abs)
	if !within(w.path.Base(), abs) {
		return nil, fmt.Errorf("%w: %q", ErrSandboxViolation, abs)
	}
	info, err := w.fs.Stat(abs)
	if err != nil {
		return nil, translate(err)
	}
	return w.snapshotTree(abs, info)
}

func (w *Worker) snapshotTree(abs string, info fs.FileInfo) (*models.Node, error) {
	node := w.node(abs, info)
	if !info.IsDir() {
		return node, nil
	}

	entries, err := afero.ReadDir(w.fs, abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return node, nil
		}
		return nil, translate(err)
	}
	node.Children = make([]*models.Node, 0, len(entries))
	for _, entry := range entries {
		child, err := w.snapshotTree(filepath.Join(abs, entry.Name()), entry)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// SnapshotIncremental returns the single-child chain from the deepest
// directory that existed before the operation down to the target.
func (w *Worker) SnapshotIncremental() (*models.Node, error) {
	chain, err := Walk(w.path.Abs(), w.boundary(), RootFirst())
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrSandboxViolation, w.path.Abs())
	}

	var head, tail *models.Node
	for _, abs := range chain {
		info, err := w.fs.Stat(abs)
		if err != nil {
			return nil, translate(err)
		}
		n := w.node(abs, info)
		if head == nil {
			head = n
		} else {
			tail.Children = []*models.Node{n}
		}
		tail = n
	}
	return head, nil
}

func (w *Worker) node(abs string, info fs.FileInfo) *models.Node {
	size := info.Size()
	return &models.Node{
		Path:      relative(w.path.Base(), abs),
		Size:      size,
		HumanSize: humanize.IBytes(uint64(size)),
		IsDir:     info.IsDir(),
		ModTime:   modTime(info),
	}
}

func modTime(info fs.FileInfo) time.Time {
	return info.ModTime().UTC().Truncate(time.Second)
}
