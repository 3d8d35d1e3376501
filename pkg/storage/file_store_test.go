package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	base := t.TempDir()
	s, err := NewFileStore(base)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()
	key := ObjectKey("user-1", ".PDF")
	if !strings.HasPrefix(key, "user-1/") || !strings.HasSuffix(key, ".pdf") {
		t.Fatalf("unexpected key %q", key)
	}

	if err := s.Put(ctx, key, strings.NewReader("conteúdo"), 9, "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	rc, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "conteúdo" {
		t.Fatalf("content = %q", data)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
}

func TestFileStoreKeysStayInsideBase(t *testing.T) {
	base := t.TempDir()
	s, err := NewFileStore(base)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	target, err := s.resolve("../../etc/passwd")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.HasPrefix(target, filepath.Clean(base)+string(filepath.Separator)) {
		t.Fatalf("path escaped base: %s", target)
	}
	if _, err := s.resolve("  "); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestNewFileStoreRequiresPath(t *testing.T) {
	if _, err := NewFileStore(" "); err == nil {
		t.Fatalf("expected error")
	}
}
