package hosting

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/y3g0r/filehosting/internal/events"
	"github.com/y3g0r/filehosting/internal/lock"
	"github.com/y3g0r/filehosting/internal/storage"
	"github.com/y3g0r/filehosting/pkg/models"
)

type recorder struct {
	mu      sync.Mutex
	created []*models.Node
	deleted []*models.Node
	events  []events.Event
}

func (r *recorder) Created(snap *models.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, snap)
}

func (r *recorder) Deleted(snap *models.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, snap)
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

type fixture struct {
	svc     *Service
	rec     *recorder
	locks   *lock.Table
	root    string
	staging string
}

func newFixture(t *testing.T, chunk int) *fixture {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "root")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}
	resolver, err := storage.NewResolver(root)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		rec:     &recorder{},
		locks:   lock.NewTable(true),
		root:    root,
		staging: filepath.Join(dir, "staging"),
	}
	f.svc = New(resolver, afero.NewOsFs(), f.locks, f.rec, f.rec, storage.Options{
		StagingDir:   f.staging,
		MaxChunkSize: chunk,
	})
	return f
}

func (f *fixture) stagedFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.staging)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func chain(n *models.Node) []string {
	var out []string
	for n != nil {
		out = append(out, n.Path)
		if len(n.Children) == 0 {
			break
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

// chunkReader records the size of every buffer it is asked to fill.
type chunkReader struct {
	r     io.Reader
	sizes []int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	c.sizes = append(c.sizes, len(p))
	return c.r.Read(p)
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestUpload(t *testing.T) {
	f := newFixture(t, 4)
	body := &chunkReader{r: strings.NewReader("hello world")}

	snap, err := f.svc.Upload(context.Background(), "/docs/a.txt", body)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got := chain(snap); !equal(got, []string{"/", "/docs", "/docs/a.txt"}) {
		t.Errorf("snapshot chain = %q", got)
	}
	for _, n := range body.sizes {
		if n > 4 {
			t.Errorf("read buffer of %d bytes exceeds chunk size", n)
		}
	}

	data, err := os.ReadFile(filepath.Join(f.root, "docs", "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world" {
		t.Errorf("content = %q", data)
	}
	if n := f.stagedFiles(t); n != 0 {
		t.Errorf("%d staging files left", n)
	}

	if len(f.rec.created) != 1 || f.rec.created[0] != snap {
		t.Errorf("indexer not handed the snapshot: %v", f.rec.created)
	}
	want := events.Event{Type: events.EventCreate, Path: "/docs/a.txt", Size: 11}
	if len(f.rec.events) != 1 || f.rec.events[0] != want {
		t.Errorf("events = %+v, want %+v", f.rec.events, want)
	}
	if f.locks.Len() != 0 {
		t.Errorf("%d lock keys still held", f.locks.Len())
	}
}

func TestUploadErrors(t *testing.T) {
	tests := []struct {
		name       string
		identifier string
		want       error
	}{
		{"directory typed", "/docs/", storage.ErrInvalidPath},
		{"traversal", "/../outside.txt", storage.ErrSandboxViolation},
		{"encoded traversal", "/%2E%2E/outside.txt", storage.ErrSandboxViolation},
		{"existing file", "/exists.txt", storage.ErrAlreadyExists},
		{"under a file", "/exists.txt/child", storage.ErrNotADirectory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			if err := os.WriteFile(filepath.Join(f.root, "exists.txt"), []byte("old"), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := f.svc.Upload(context.Background(), tt.identifier, strings.NewReader("new"))
			if !errors.Is(err, tt.want) {
				t.Errorf("Upload(%q) = %v, want %v", tt.identifier, err, tt.want)
			}
			if len(f.rec.created) != 0 || len(f.rec.events) != 0 {
				t.Error("failed upload was reported")
			}
			data, _ := os.ReadFile(filepath.Join(f.root, "exists.txt"))
			if string(data) != "old" {
				t.Errorf("existing file changed to %q", data)
			}
		})
	}
}

func TestUploadReadErrorDiscards(t *testing.T) {
	f := newFixture(t, 2)
	boom := errors.New("connection reset")

	_, err := f.svc.Upload(context.Background(), "/big.bin", &failingReader{data: []byte("partial"), err: boom})
	if !errors.Is(err, boom) {
		t.Fatalf("Upload = %v, want %v", err, boom)
	}
	if _, err := os.Stat(filepath.Join(f.root, "big.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("partial upload visible: %v", err)
	}
	if n := f.stagedFiles(t); n != 0 {
		t.Errorf("%d staging files left", n)
	}
	if len(f.rec.created) != 0 {
		t.Error("discarded upload reached the index")
	}
}

func TestUploadCancelledDiscards(t *testing.T) {
	f := newFixture(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Upload(ctx, "/c.txt", strings.NewReader("data"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Upload = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(filepath.Join(f.root, "c.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("cancelled upload committed: %v", err)
	}
}

func TestUploadTooLarge(t *testing.T) {
	f := newFixture(t, 0)
	f.svc.opts.MaxUploadSize = 3

	_, err := f.svc.Upload(context.Background(), "/big.txt", strings.NewReader("four"))
	if !errors.Is(err, storage.ErrUploadTooLarge) {
		t.Fatalf("Upload = %v, want ErrUploadTooLarge", err)
	}
	if n := f.stagedFiles(t); n != 0 {
		t.Errorf("%d staging files left", n)
	}
}

func TestCreateDirectory(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	snap, err := f.svc.CreateDirectory(ctx, "/a/b/")
	if err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if got := chain(snap); !equal(got, []string{"/", "/a", "/a/b"}) {
		t.Errorf("snapshot chain = %q", got)
	}
	if info, err := os.Stat(filepath.Join(f.root, "a", "b")); err != nil || !info.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}
	if len(f.rec.created) != 1 || len(f.rec.events) != 1 || f.rec.events[0].Type != events.EventMkdir {
		t.Errorf("mkdir not reported: created=%d events=%+v", len(f.rec.created), f.rec.events)
	}

	if _, err := f.svc.CreateDirectory(ctx, "/a/b/"); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("second CreateDirectory = %v, want ErrAlreadyExists", err)
	}
	if len(f.rec.created) != 1 {
		t.Error("failed mkdir was reported")
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	if _, err := f.svc.Upload(ctx, "/docs/a.txt", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}

	snap, err := f.svc.Delete(ctx, "/docs/a.txt")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := chain(snap); !equal(got, []string{"/docs", "/docs/a.txt"}) {
		t.Errorf("snapshot chain = %q", got)
	}
	if _, err := os.Stat(filepath.Join(f.root, "docs", "a.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file still present: %v", err)
	}
	if len(f.rec.deleted) != 1 || f.rec.deleted[0] != snap {
		t.Errorf("indexer not handed the deletion")
	}
	last := f.rec.events[len(f.rec.events)-1]
	if last.Type != events.EventDelete || last.Path != "/docs/a.txt" {
		t.Errorf("last event = %+v", last)
	}

	if _, err := f.svc.Delete(ctx, "/docs/a.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
	if _, err := f.svc.Delete(ctx, "/"); !errors.Is(err, storage.ErrSandboxViolation) {
		t.Errorf("Delete(/) = %v, want ErrSandboxViolation", err)
	}
}

func TestListAndOpen(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	if _, err := f.svc.Upload(ctx, "/docs/a.txt", strings.NewReader("hello")); err != nil {
		t.Fatal(err)
	}

	snap, err := f.svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Path != "/" || len(snap.Children) != 1 || snap.Children[0].Path != "/docs" {
		t.Fatalf("unexpected listing %+v", snap)
	}
	if leaf := snap.Children[0].Children; len(leaf) != 1 || leaf[0].Size != 5 {
		t.Errorf("unexpected /docs children %+v", leaf)
	}

	file, info, err := f.svc.Open(ctx, "/docs/a.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer file.Close()
	if info.IsDir() || info.Size() != 5 {
		t.Errorf("info = %v", info)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "hello" {
		t.Errorf("content = %q", buf.String())
	}

	for _, id := range []string{"/missing", "/docs/a.txt/below"} {
		if _, _, err := f.svc.Open(ctx, id); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Open(%q) = %v, want ErrNotFound", id, err)
		}
	}
	if _, err := f.svc.List(ctx, "/missing/"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("List(/missing/) = %v, want ErrNotFound", err)
	}
}

func TestMutationWaitsForOverlappingLock(t *testing.T) {
	f := newFixture(t, 0)

	release, err := f.locks.Acquire(context.Background(), []string{"/a"})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := f.svc.CreateDirectory(ctx, "/a/b/"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("CreateDirectory under held lock = %v, want DeadlineExceeded", err)
	}
	if _, err := os.Stat(filepath.Join(f.root, "a")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("filesystem touched while locked: %v", err)
	}

	// disjoint keys are not blocked
	if _, err := f.svc.CreateDirectory(context.Background(), "/other/"); err != nil {
		t.Errorf("CreateDirectory(/other/): %v", err)
	}

	release()
	if _, err := f.svc.CreateDirectory(context.Background(), "/a/b/"); err != nil {
		t.Errorf("CreateDirectory after release: %v", err)
	}
}

func TestUploadInFlightNotListed(t *testing.T) {
	root := t.TempDir()
	resolver, err := storage.NewResolver(root)
	if err != nil {
		t.Fatal(err)
	}
	svc := New(resolver, afero.NewOsFs(), nil, nil, nil, storage.Options{})
	ctx := context.Background()

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := svc.Upload(ctx, "/f.txt", pr)
		done <- err
	}()

	// Write returns once the upload has read the chunk.
	if _, err := pw.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}
	snap, err := svc.List(ctx, "/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snap.Children) != 0 {
		for _, c := range snap.Children {
			t.Errorf("entry visible while uploading: %s", c.Path)
		}
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("storage root holds %d entries during upload", len(entries))
	}

	pw.Close()
	if err := <-done; err != nil {
		t.Fatalf("Upload: %v", err)
	}
	snap, err = svc.List(ctx, "/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snap.Children) != 1 || snap.Children[0].Path != "/f.txt" {
		t.Errorf("children after commit = %v", chain(snap))
	}
}
