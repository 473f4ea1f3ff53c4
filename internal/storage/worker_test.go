package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"github.com/y3g0r/filehosting/pkg/models"
)

type fixture struct {
	fs      afero.Fs
	root    string
	staging string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "root")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}
	return &fixture{fs: afero.NewOsFs(), root: root, staging: filepath.Join(dir, "staging")}
}

func (f *fixture) worker(t *testing.T, identifier string, opts ...func(*Options)) *Worker {
	t.Helper()
	p, err := NewPath(f.root, identifier, "")
	if err != nil {
		t.Fatalf("NewPath(%q): %v", identifier, err)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate(%q): %v", identifier, err)
	}
	o := Options{StagingDir: f.staging}
	for _, fn := range opts {
		fn(&o)
	}
	return NewWorker(f.fs, p, o)
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	abs := filepath.Join(f.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func chainPaths(n *models.Node) []string {
	var out []string
	for n != nil {
		out = append(out, n.Path)
		if len(n.Children) == 0 {
			break
		}
		if len(n.Children) != 1 {
			return append(out, "<branch>")
		}
		n = n.Children[0]
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestUploadCommit(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, "/docs/a.txt")

	if err := w.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Open(); err != nil {
		t.Fatalf("second Open should be a no-op: %v", err)
	}
	for _, chunk := range []string{"hello ", "world"} {
		if err := w.WriteChunk([]byte(chunk)); err != nil {
			t.Fatalf("WriteChunk: %v", err)
		}
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(f.root, "docs", "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("content = %q", data)
	}

	entries, _ := os.ReadDir(f.staging)
	if len(entries) != 0 {
		t.Errorf("staging dir not empty: %d entries", len(entries))
	}

	snap, err := w.SnapshotIncremental()
	if err != nil {
		t.Fatalf("SnapshotIncremental: %v", err)
	}
	if got := chainPaths(snap); !equal(got, []string{"/", "/docs", "/docs/a.txt"}) {
		t.Errorf("chain = %q", got)
	}
	leaf := snap.Children[0].Children[0]
	if leaf.Size != 11 || leaf.HumanSize != "11 B" || leaf.IsDir {
		t.Errorf("leaf = %+v", leaf)
	}

	if err := w.WriteChunk([]byte("more")); !errors.Is(err, ErrUploadClosed) {
		t.Errorf("WriteChunk after commit = %v, want ErrUploadClosed", err)
	}
	if err := w.Commit(); !errors.Is(err, ErrUploadClosed) {
		t.Errorf("Commit after commit = %v, want ErrUploadClosed", err)
	}
}

func TestUploadIntoExistingDirectory(t *testing.T) {
	f := newFixture(t)
	f.write(t, "docs/old.txt", "x")

	w := f.worker(t, "/docs/new.txt")
	if err := w.WriteChunk([]byte("data")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap, err := w.SnapshotIncremental()
	if err != nil {
		t.Fatal(err)
	}
	if got := chainPaths(snap); !equal(got, []string{"/docs", "/docs/new.txt"}) {
		t.Errorf("chain = %q", got)
	}
}

func TestUploadEmptyFile(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, "/empty")
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	info, err := os.Stat(filepath.Join(f.root, "empty"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("size = %d, want 0", info.Size())
	}
}

func TestUploadExistingTarget(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.txt", "original")

	w := f.worker(t, "/a.txt")
	if err := w.Open(); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("Open = %v, want ErrAlreadyExists", err)
	}

	data, _ := os.ReadFile(filepath.Join(f.root, "a.txt"))
	if string(data) != "original" {
		t.Errorf("existing file modified: %q", data)
	}
}

func TestUploadUnderFile(t *testing.T) {
	f := newFixture(t)
	f.write(t, "blocker", "x")

	w := f.worker(t, "/blocker/child.txt")
	if err := w.WriteChunk([]byte("x")); !errors.Is(err, ErrNotADirectory) {
		t.Fatalf("WriteChunk = %v, want ErrNotADirectory", err)
	}
	w.Discard()
	entries, _ := os.ReadDir(f.staging)
	if len(entries) != 0 {
		t.Errorf("staging file left behind")
	}
}

func TestCommitUnderFileCreatedLater(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, "/late/child.txt")
	if err := w.WriteChunk([]byte("x")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	f.write(t, "late", "blocker")

	if err := w.Commit(); !errors.Is(err, ErrNotADirectory) {
		t.Fatalf("Commit = %v, want ErrNotADirectory", err)
	}
	entries, _ := os.ReadDir(f.staging)
	if len(entries) != 0 {
		t.Errorf("staging file left behind")
	}
}

func TestDiscard(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, "/partial.bin")
	if err := w.WriteChunk([]byte("part")); err != nil {
		t.Fatal(err)
	}
	w.Discard()
	w.Discard()

	if _, err := os.Stat(filepath.Join(f.root, "partial.bin")); !os.IsNotExist(err) {
		t.Errorf("target should not exist: %v", err)
	}
	entries, _ := os.ReadDir(f.staging)
	if len(entries) != 0 {
		t.Errorf("staging dir not empty after discard")
	}
	if err := w.WriteChunk([]byte("x")); !errors.Is(err, ErrUploadClosed) {
		t.Errorf("WriteChunk after discard = %v, want ErrUploadClosed", err)
	}
}

func TestUploadLimits(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, "/big", func(o *Options) {
		o.MaxChunkSize = 4
		o.MaxUploadSize = 6
	})

	if err := w.WriteChunk([]byte("12345")); !errors.Is(err, ErrChunkTooLarge) {
		t.Errorf("oversized chunk = %v, want ErrChunkTooLarge", err)
	}
	if err := w.WriteChunk([]byte("1234")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := w.WriteChunk([]byte("567")); !errors.Is(err, ErrUploadTooLarge) {
		t.Errorf("over limit = %v, want ErrUploadTooLarge", err)
	}
	if w.Written() != 4 {
		t.Errorf("Written() = %d, want 4", w.Written())
	}
	w.Discard()
}

func TestCreateDirectory(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a/keep.txt", "x")

	w := f.worker(t, "/a/b/c/")
	if err := w.CreateDirectory(); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	info, err := os.Stat(filepath.Join(f.root, "a", "b", "c"))
	if err != nil || !info.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}

	snap, err := w.SnapshotIncremental()
	if err != nil {
		t.Fatal(err)
	}
	if got := chainPaths(snap); !equal(got, []string{"/a", "/a/b", "/a/b/c"}) {
		t.Errorf("chain = %q", got)
	}
	if !snap.IsDir || len(snap.Children) != 1 {
		t.Errorf("boundary node = %+v", snap)
	}

	again := f.worker(t, "/a/b/c/")
	if err := again.CreateDirectory(); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second CreateDirectory = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateDirectoryConflicts(t *testing.T) {
	f := newFixture(t)
	f.write(t, "file", "x")

	if err := f.worker(t, "/file/").CreateDirectory(); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("mkdir over file = %v, want ErrAlreadyExists", err)
	}
	if err := f.worker(t, "/file/sub/").CreateDirectory(); !errors.Is(err, ErrNotADirectory) {
		t.Errorf("mkdir under file = %v, want ErrNotADirectory", err)
	}
}

func TestRemoveFile(t *testing.T) {
	f := newFixture(t)
	f.write(t, "d/x.txt", "abc")

	w := f.worker(t, "/d/x.txt")
	snap, err := w.Remove()
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.root, "d", "x.txt")); !os.IsNotExist(err) {
		t.Errorf("file still present: %v", err)
	}
	if got := chainPaths(snap); !equal(got, []string{"/d", "/d/x.txt"}) {
		t.Errorf("chain = %q", got)
	}
	if leaf := snap.Children[0]; leaf.Size != 3 {
		t.Errorf("leaf size = %d, want 3", leaf.Size)
	}
}

func TestRemoveDirectory(t *testing.T) {
	f := newFixture(t)
	f.write(t, "tree/a/b.txt", "1")
	f.write(t, "tree/c.txt", "2")

	snap, err := f.worker(t, "/tree/").Remove()
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.root, "tree")); !os.IsNotExist(err) {
		t.Errorf("directory still present: %v", err)
	}
	if got := chainPaths(snap); !equal(got, []string{"/", "/tree"}) {
		t.Errorf("chain = %q", got)
	}
}

func TestRemoveErrors(t *testing.T) {
	f := newFixture(t)

	if _, err := f.worker(t, "/missing").Remove(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove(missing) = %v, want ErrNotFound", err)
	}
	if _, err := f.worker(t, "/").Remove(); !errors.Is(err, ErrSandboxViolation) {
		t.Errorf("Remove(root) = %v, want ErrSandboxViolation", err)
	}
}

func TestSnapshotFull(t *testing.T) {
	f := newFixture(t)
	f.write(t, "b.txt", "bb")
	f.write(t, "a/x.txt", "x")
	if err := os.MkdirAll(filepath.Join(f.root, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	w := f.worker(t, "/")
	snap, err := w.SnapshotFull(f.root)
	if err != nil {
		t.Fatalf("SnapshotFull: %v", err)
	}
	if snap.Path != "/" || !snap.IsDir {
		t.Fatalf("root = %+v", snap)
	}

	var names []string
	for _, c := range snap.Children {
		names = append(names, c.Path)
	}
	if !equal(names, []string{"/a", "/b.txt", "/empty"}) {
		t.Errorf("children = %q", names)
	}
	if len(snap.Children[0].Children) != 1 || snap.Children[0].Children[0].Path != "/a/x.txt" {
		t.Errorf("nested children = %+v", snap.Children[0].Children)
	}
	if snap.Children[1].Size != 2 {
		t.Errorf("b.txt size = %d", snap.Children[1].Size)
	}
}

func TestSnapshotFullErrors(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, "/")

	if _, err := w.SnapshotFull(filepath.Join(f.root, "nope")); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing = %v, want ErrNotFound", err)
	}
	if _, err := w.SnapshotFull(filepath.Dir(f.root)); !errors.Is(err, ErrSandboxViolation) {
		t.Errorf("outside = %v, want ErrSandboxViolation", err)
	}
}

func TestWorkerOnMemFs(t *testing.T) {
	fsys := afero.NewMemMapFs()
	if err := fsys.MkdirAll("/srv", 0755); err != nil {
		t.Fatal(err)
	}
	p, err := NewPath("/srv", "/x/y.txt", "")
	if err != nil {
		t.Fatal(err)
	}
	w := NewWorker(fsys, p, Options{StagingDir: "/staging"})
	if err := w.WriteChunk([]byte("mem")); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	data, err := afero.ReadFile(fsys, "/srv/x/y.txt")
	if err != nil || string(data) != "mem" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}
}
