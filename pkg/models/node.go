// Package models contains the data types shared between storage, the tree
// index and the HTTP API.
package models

import (
	"encoding/json"
	"time"
)

// ModTimeFormat is the layout used for the "modified" field of a snapshot.
const ModTimeFormat = "Mon, 02 Jan 2006 15:04:05"

// Node is a snapshot of one file or directory under the storage root.
// Paths are root-relative and always start with "/".
type Node struct {
	Path      string
	Size      int64
	HumanSize string
	IsDir     bool
	ModTime   time.Time
	Children  []*Node
}

type wireNode struct {
	Path     string  `json:"path"`
	Bytes    int64   `json:"bytes"`
	Size     string  `json:"size"`
	Modified string  `json:"modified"`
	IsDir    bool    `json:"is_dir"`
	Children []*Node `json:"children,omitempty"`
}

// MarshalJSON encodes the node in the wire format. Directories always carry
// a children array, possibly empty.
func (n *Node) MarshalJSON() ([]byte, error) {
	w := wireNode{
		Path:     n.Path,
		Bytes:    n.Size,
		Size:     n.HumanSize,
		Modified: n.ModTime.Format(ModTimeFormat),
		IsDir:    n.IsDir,
		Children: n.Children,
	}
	if !n.IsDir {
		return json.Marshal(w)
	}
	children := n.Children
	if children == nil {
		children = []*Node{}
	}
	return json.Marshal(struct {
		wireNode
		Children []*Node `json:"children"`
	}{wireNode: w, Children: children})
}

// UnmarshalJSON decodes the wire format produced by MarshalJSON.
func (n *Node) UnmarshalJSON(data []byte) error {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var mod time.Time
	if w.Modified != "" {
		t, err := time.ParseInLocation(ModTimeFormat, w.Modified, time.UTC)
		if err != nil {
			return err
		}
		mod = t
	}
	*n = Node{
		Path:      w.Path,
		Size:      w.Bytes,
		HumanSize: w.Size,
		IsDir:     w.IsDir,
		ModTime:   mod,
		Children:  w.Children,
	}
	return nil
}
