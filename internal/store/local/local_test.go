package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"bqddl/internal/store"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := s.Get(ctx, "timestamp.txt"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Put(ctx, "views/sales_orders_v.sql", []byte("CREATE VIEW x AS SELECT 1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(root, "views", "sales_orders_v.sql"))
	if err != nil || string(b) != "CREATE VIEW x AS SELECT 1" {
		t.Fatalf("file content = %q, %v", b, err)
	}
	if err := s.Put(ctx, "views/sales_orders_v.sql", []byte("v2")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, err := s.Get(ctx, "views/sales_orders_v.sql")
	if err != nil || string(got) != "v2" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := s.Delete(ctx, "views/sales_orders_v.sql"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx, "views/sales_orders_v.sql"); err != nil {
		t.Fatalf("second Delete should be a no-op: %v", err)
	}
}

func TestStore_Keys(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "../escape.txt", []byte("x")); err == nil {
		t.Fatal("expected error for key escaping the root")
	}

	abs := filepath.Join(t.TempDir(), "elsewhere", "p.sql")
	if err := s.Put(ctx, abs, []byte("CREATE PROCEDURE p() BEGIN END")); err != nil {
		t.Fatalf("absolute key Put failed: %v", err)
	}
	if _, err := os.Stat(abs); err != nil {
		t.Fatalf("absolute key not written in place: %v", err)
	}
}
