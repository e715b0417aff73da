package blob

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	b, err := OpenBolt(filepath.Join(dir, "blobs.db"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	d, err := OpenDir(filepath.Join(dir, "files"))
	if err != nil {
		t.Fatalf("open dir: %v", err)
	}
	return map[string]Store{"bolt": b, "dir": d}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := NewPath("abc123", "report.PDF")
			if err := s.Put(ctx, p, []byte("sealed bytes")); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := s.Get(ctx, p)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if string(got) != "sealed bytes" {
				t.Fatalf("got %q", got)
			}
			if err := s.Remove(ctx, p); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if _, err := s.Get(ctx, p); errors.Cause(err) != ErrNotFound {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := s.Remove(ctx, p); err != nil {
				t.Fatalf("remove of absent blob: %v", err)
			}
			if err := s.Ping(ctx); err != nil {
				t.Fatalf("ping: %v", err)
			}
		})
	}
}

func TestStoreRejectsTraversal(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, p := range []string{"", "../escape", "/abs/path", "a/../../b", `a\b`} {
				if err := s.Put(context.Background(), p, []byte("x")); errors.Cause(err) != ErrInvalidPath {
					t.Errorf("Put(%q) = %v, want ErrInvalidPath", p, err)
				}
			}
		})
	}
}

func TestStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for name, s := range openStores(t) {
		if err := s.Put(ctx, "abc123/x", []byte("x")); err != context.Canceled {
			t.Errorf("%s: Put = %v", name, err)
		}
	}
}

func TestNewPath(t *testing.T) {
	p := NewPath("abc123", "photo.JPG")
	if !strings.HasPrefix(p, "abc123/") || !strings.HasSuffix(p, ".jpg") {
		t.Errorf("NewPath = %q", p)
	}
	if err := checkPath(p); err != nil {
		t.Errorf("generated path rejected: %v", err)
	}
	if p := NewPath("abc123", "noext"); strings.Contains(p[len("abc123/"):], ".") {
		t.Errorf("unexpected extension in %q", p)
	}
	if p := NewPath("abc123", "weird.this-extension-is-way-too-long"); strings.Contains(p[len("abc123/"):], ".") {
		t.Errorf("long extension kept in %q", p)
	}
	if NewPath("abc123", "a.txt") == NewPath("abc123", "a.txt") {
		t.Error("paths must be unique")
	}
}
