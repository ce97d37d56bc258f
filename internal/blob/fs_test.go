package blob

import (
	"context"
	"io"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	return s
}

func TestPutOpenDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const content = "RIFF....WAVEfmt "
	n, err := s.Put(ctx, "owner-a/clip.wav", strings.NewReader(content))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n != int64(len(content)) {
		t.Errorf("Put wrote %d bytes, want %d", n, len(content))
	}

	rc, err := s.Open(ctx, "owner-a/clip.wav")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != content {
		t.Errorf("read back %q, want %q", got, content)
	}

	if err := s.Delete(ctx, "owner-a/clip.wav"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Open(ctx, "owner-a/clip.wav"); err != ErrNotFound {
		t.Errorf("Open after delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "owner-a/clip.wav"); err != ErrNotFound {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestRejectsEscapingPaths(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, path := range []string{"../outside.wav", "a/../../outside.wav", "/etc/passwd", "."} {
		if _, err := s.Put(ctx, path, strings.NewReader("x")); err == nil {
			t.Errorf("Put(%q) succeeded, want error", path)
		}
		if _, err := s.Open(ctx, path); err == nil {
			t.Errorf("Open(%q) succeeded, want error", path)
		}
	}
}

func TestOpenMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Open(context.Background(), "owner-a/nope.wav"); err != ErrNotFound {
		t.Errorf("Open missing = %v, want ErrNotFound", err)
	}
}
