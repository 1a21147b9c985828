package store

import (
	"context"
	"errors"
	"testing"
)

type lockingStore struct {
	*Memory
	locked int
}

func (l *lockingStore) WithLock(ctx context.Context, fn func(context.Context) error) error {
	l.locked++
	return fn(ctx)
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, err := m.Get(ctx, "timestamp.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.Put(ctx, "views/d_v.sql", []byte("CREATE VIEW v AS SELECT 1")); err != nil {
		t.Fatal(err)
	}
	b, err := m.Get(ctx, "views/d_v.sql")
	if err != nil || string(b) != "CREATE VIEW v AS SELECT 1" {
		t.Fatalf("Get = %q, %v", b, err)
	}
	b[0] = 'X'
	again, _ := m.Get(ctx, "views/d_v.sql")
	if again[0] != 'C' {
		t.Fatal("Get must return a copy")
	}
	if keys := m.Keys("views/"); len(keys) != 1 {
		t.Fatalf("Keys = %v", keys)
	}
	if err := m.Delete(ctx, "views/d_v.sql"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "views/d_v.sql"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestWithLock(t *testing.T) {
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) error { calls++; return nil }

	if err := WithLock(ctx, NewMemory(), fn); err != nil {
		t.Fatal(err)
	}
	ls := &lockingStore{Memory: NewMemory()}
	if err := WithLock(ctx, ls, fn); err != nil {
		t.Fatal(err)
	}
	if calls != 2 || ls.locked != 1 {
		t.Fatalf("calls=%d locked=%d", calls, ls.locked)
	}
}
