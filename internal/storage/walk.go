package storage

import (
	"fmt"
	"path"
	"strings"
)

type walkOptions struct {
	trailingSlash bool
	rootFirst     bool
}

// WalkOption configures Walk.
type WalkOption func(*walkOptions)

// WithTrailingSlash appends "/" to every element except top and root.
func WithTrailingSlash() WalkOption {
	return func(o *walkOptions) { o.trailingSlash = true }
}

// RootFirst orders the result from root down to top.
func RootFirst() WalkOption {
	return func(o *walkOptions) { o.rootFirst = true }
}

// Walk lists top and its ancestors up to and including root, deepest first
// unless RootFirst is given. An empty root means "/". The result is empty
// when root is not a string prefix of top, and a single element when they
// are equal. Both paths must be absolute.
func Walk(top, root string, opts ...WalkOption) ([]string, error) {
	var o walkOptions
	for _, opt := range opts {
		opt(&o)
	}
	if root == "" {
		root = "/"
	}
	if !path.IsAbs(top) || !path.IsAbs(root) {
		return nil, fmt.Errorf("%w: walk %q up to %q", ErrInvalidPath, top, root)
	}
	if !strings.HasPrefix(top, root) {
		return []string{}, nil
	}

	members := []string{top}
	for p := path.Clean(top); p != "/"; {
		p = path.Dir(p)
		members = append(members, p)
	}

	var out []string
	for _, m := range members {
		if !strings.Contains(m, root) {
			break
		}
		if o.trailingSlash && m != top && m != root {
			m += "/"
		}
		out = append(out, m)
	}

	if o.rootFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}
