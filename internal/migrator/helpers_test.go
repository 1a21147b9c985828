package migrator

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"bqddl/internal/plan"
	"bqddl/internal/store"
	"bqddl/internal/warehouse"
	"bqddl/internal/warehouse/warehousetest"
)

// 2023-11-14T22:13:20.123456Z
const testMicros int64 = 1_700_000_000_123_456

var testLayout = BackupLayout{ViewRoot: "views", ProcedureRoot: "procedures"}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func clockRows(micros int64) []warehouse.Row {
	return warehousetest.Row([]string{"current_time_micros"}, micros)
}

func ddlRows(ddl string) []warehouse.Row {
	return warehousetest.Row([]string{"ddl"}, ddl)
}

func res(name string, kind plan.Kind, isNew bool) plan.Descriptor {
	return plan.Descriptor{Location: plan.Location{Project: "p", Dataset: "d", Name: name}, Kind: kind, IsNew: isNew}
}

func newFake() *warehousetest.Fake {
	q := warehousetest.New()
	q.On("CURRENT_TIMESTAMP", clockRows(testMicros), nil)
	return q
}

func newExecutor(t *testing.T, p plan.Plan, q warehouse.Querier, st store.Store, src StatementSource) *Executor {
	t.Helper()
	return NewExecutor(p, q, st, src, Config{
		TimestampKey: "timestamp.txt",
		Layout:       testLayout,
		SafetyMargin: DefaultSafetyMargin,
		Logger:       discardLogger(),
	})
}

func registry(t *testing.T, stmts map[string]string) *Registry {
	t.Helper()
	r := NewRegistry()
	for name, sql := range stmts {
		if err := r.Register("d", name, sql); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

// indexOf returns the position of the first query containing match, or -1.
func indexOf(queries []string, match string) int {
	for i, q := range queries {
		if strings.Contains(q, match) {
			return i
		}
	}
	return -1
}

type countingStore struct {
	store.Store
	gets int
}

func (c *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	c.gets++
	return c.Store.Get(ctx, key)
}

type failingPutStore struct {
	store.Store
	err error
}

func (f failingPutStore) Put(context.Context, string, []byte) error { return f.err }

// failingKeyStore rejects writes to a single key.
type failingKeyStore struct {
	store.Store
	key string
	err error
}

func (f failingKeyStore) Put(ctx context.Context, key string, b []byte) error {
	if key == f.key {
		return f.err
	}
	return f.Store.Put(ctx, key, b)
}
