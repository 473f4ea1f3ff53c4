// Package tree provides helpers for working with snapshot trees and chains.
package tree

import (
	"github.com/y3g0r/filehosting/pkg/models"
)

// CountNodes counts all nodes in a tree.
func CountNodes(root *models.Node) int {
	if root == nil {
		return 0
	}
	count := 1
	for _, child := range root.Children {
		count += CountNodes(child)
	}
	return count
}

// Walk visits every node top-down, parents before their children.
// It stops at the first error returned by fn.
func Walk(root *models.Node, fn func(*models.Node) error) error {
	if root == nil {
		return nil
	}
	if err := fn(root); err != nil {
		return err
	}
	for _, child := range root.Children {
		if err := Walk(child, fn); err != nil {
			return err
		}
	}
	return nil
}

// Leaf follows the first child of every node and returns the deepest one.
// For an incremental snapshot this is the node the operation targeted.
func Leaf(chain *models.Node) *models.Node {
	if chain == nil {
		return nil
	}
	for len(chain.Children) > 0 {
		chain = chain.Children[0]
	}
	return chain
}

// Trim returns a copy of a chain without its leaf, or nil when the chain
// is a single node. The input is not modified.
func Trim(chain *models.Node) *models.Node {
	if chain == nil || len(chain.Children) == 0 {
		return nil
	}
	head := *chain
	head.Children = nil
	if rest := Trim(chain.Children[0]); rest != nil {
		head.Children = []*models.Node{rest}
	}
	return &head
}

// Flatten returns all nodes in a flat map keyed by path.
func Flatten(root *models.Node) map[string]*models.Node {
	result := make(map[string]*models.Node)
	_ = Walk(root, func(n *models.Node) error {
		result[n.Path] = n
		return nil
	})
	return result
}
