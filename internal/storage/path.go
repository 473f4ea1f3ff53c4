package storage

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Path is a request path bound to a storage root. Derived paths are computed
// on first use and cached; a Path is owned by one request.
type Path struct {
	base       string
	identifier string
	explicit   string

	abs      string
	public   string
	writeDir string
}

// NewPath binds a request identifier to base. The identifier is
// percent-decoded; explicitAbs, when set, overrides the computed absolute
// path.
func NewPath(base, identifier, explicitAbs string) (*Path, error) {
	if !filepath.IsAbs(base) {
		return nil, fmt.Errorf("%w: storage root %q is not absolute", ErrInvalidPath, base)
	}
	decoded, err := url.PathUnescape(identifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPath, identifier, err)
	}
	if decoded == "" && explicitAbs == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrInvalidPath)
	}
	return &Path{
		base:       filepath.Clean(base),
		identifier: decoded,
		explicit:   explicitAbs,
	}, nil
}

// Base returns the storage root.
func (p *Path) Base() string { return p.base }

// Identifier returns the decoded request identifier.
func (p *Path) Identifier() string { return p.identifier }

// IsFile reports whether the identifier names a file, i.e. does not end
// with a separator.
func (p *Path) IsFile() bool {
	return p.identifier != "" && !strings.HasSuffix(p.identifier, "/")
}

// Abs returns the absolute filesystem path.
func (p *Path) Abs() string {
	if p.abs == "" {
		if p.explicit != "" {
			p.abs = filepath.Clean(p.explicit)
		} else {
			p.abs = filepath.Join(p.base, strings.Trim(p.identifier, "/"))
		}
	}
	return p.abs
}

// Public returns the path relative to the storage root, "/" for the root.
func (p *Path) Public() string {
	if p.public == "" {
		p.public = relative(p.base, p.Abs())
	}
	return p.public
}

// WriteDir returns the directory an operation writes into: the parent for a
// file, the path itself for a directory. It never leaves the storage root.
func (p *Path) WriteDir() string {
	if p.writeDir == "" {
		dir := p.Abs()
		if p.IsFile() {
			dir = filepath.Dir(dir)
		}
		if !within(p.base, dir) {
			dir = p.base
		}
		p.writeDir = dir
	}
	return p.writeDir
}

// Validate fails with ErrSandboxViolation when the absolute path is outside
// the storage root.
func (p *Path) Validate() error {
	abs := p.Abs()
	if !filepath.IsAbs(abs) || !within(p.base, abs) {
		return fmt.Errorf("%w: %q", ErrSandboxViolation, p.identifier)
	}
	return nil
}

// LockKeys returns the keys a mutation of this path must hold, root to leaf:
// every ancestor below the root, the path itself, and the path with a
// trailing separator.
func (p *Path) LockKeys() []string {
	public := p.Public()
	if public == "/" {
		return []string{"/"}
	}
	chain, _ := Walk(public, "/", RootFirst())
	keys := chain[1:]
	return append(keys, public+"/")
}

// Resolver binds request identifiers to a fixed storage root.
type Resolver struct {
	base string
}

// NewResolver returns a resolver for the absolute directory base.
func NewResolver(base string) (*Resolver, error) {
	if !filepath.IsAbs(base) {
		return nil, fmt.Errorf("%w: storage root %q is not absolute", ErrInvalidPath, base)
	}
	return &Resolver{base: filepath.Clean(base)}, nil
}

// Base returns the storage root.
func (r *Resolver) Base() string { return r.base }

// Resolve decodes identifier into a Path under the storage root. The result
// is not validated.
func (r *Resolver) Resolve(identifier string) (*Path, error) {
	return NewPath(r.base, identifier, "")
}

func within(base, p string) bool {
	if base == "/" {
		return strings.HasPrefix(p, "/")
	}
	return p == base || strings.HasPrefix(p, base+"/")
}

func relative(base, abs string) string {
	if base == "/" {
		return abs
	}
	rel := strings.TrimPrefix(abs, base)
	if rel == "" {
		return "/"
	}
	return rel
}
