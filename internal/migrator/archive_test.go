package migrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"bqddl/internal/plan"
	"bqddl/internal/store"
	"bqddl/internal/warehouse/warehousetest"
)

func TestBackupLayout_Key(t *testing.T) {
	loc := plan.Location{Project: "p", Dataset: "sales", Name: "daily"}
	cases := []struct {
		layout BackupLayout
		kind   plan.Kind
		want   string
	}{
		{testLayout, plan.KindView, "views/sales_daily.sql"},
		{testLayout, plan.KindProcedure, "procedures/sales_daily.sql"},
		{BackupLayout{}, plan.KindView, "sales_daily.sql"},
		{BackupLayout{ViewRoot: "/var/backups/v"}, plan.KindView, "/var/backups/v/sales_daily.sql"},
	}
	for _, c := range cases {
		if got := c.layout.Key(c.kind, loc); got != c.want {
			t.Errorf("Key(%s) = %q; want %q", c.kind, got, c.want)
		}
	}
}

func TestIntrospectionQuery(t *testing.T) {
	q, err := introspectionQuery(res("v1", plan.KindView, false))
	if err != nil || !strings.Contains(q, "`p.d`.INFORMATION_SCHEMA.TABLES") || !strings.Contains(q, "table_name = 'v1'") {
		t.Fatalf("view query = %q, %v", q, err)
	}
	q, err = introspectionQuery(res("pr", plan.KindProcedure, false))
	if err != nil || !strings.Contains(q, "INFORMATION_SCHEMA.ROUTINES") || !strings.Contains(q, "routine_type = 'PROCEDURE'") {
		t.Fatalf("procedure query = %q, %v", q, err)
	}
	q, _ = introspectionQuery(res("o'brien", plan.KindView, false))
	if !strings.Contains(q, `'o\'brien'`) {
		t.Fatalf("quote not escaped: %q", q)
	}
	if _, err := introspectionQuery(res("t", plan.KindTable, false)); err == nil {
		t.Fatal("tables are not archived")
	}
}

func TestArchiver_RoundTrip(t *testing.T) {
	ctx := context.Background()
	const def = "CREATE VIEW `p.d.v1` AS SELECT 1 AS x"
	q := warehousetest.New()
	q.On("INFORMATION_SCHEMA", ddlRows(def), nil)
	st := store.NewMemory()
	undo := NewUndoLog(st, testLayout)
	a := NewArchiver(q, undo, discardLogger())
	d := res("v1", plan.KindView, false)

	if err := a.Archive(ctx, d); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	b, err := st.Get(ctx, "views/d_v1.sql")
	if err != nil || string(b) != def {
		t.Fatalf("backup = %q, %v", b, err)
	}

	q.Reset()
	if err := a.Restore(ctx, d); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	got := q.Queries()
	if len(got) != 1 || got[0] != def {
		t.Fatalf("restore executed %q; want exactly the archived definition", got)
	}
}

func TestArchiver_ArchiveFailures(t *testing.T) {
	ctx := context.Background()
	d := res("v1", plan.KindView, false)
	cases := map[string]func(q *warehousetest.Fake){
		"rejected":  func(q *warehousetest.Fake) { q.On("INFORMATION_SCHEMA", nil, errors.New("access denied")) },
		"not found": func(q *warehousetest.Fake) { q.On("INFORMATION_SCHEMA", nil, nil) },
		"empty ddl": func(q *warehousetest.Fake) { q.On("INFORMATION_SCHEMA", ddlRows("  "), nil) },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			q := warehousetest.New()
			setup(q)
			st := store.NewMemory()
			err := NewArchiver(q, NewUndoLog(st, testLayout), discardLogger()).Archive(ctx, d)
			if !errors.Is(err, ErrArchiveFailed) {
				t.Fatalf("got %v; want ErrArchiveFailed", err)
			}
			if len(st.Keys("")) != 0 {
				t.Fatal("nothing should be written on failure")
			}
		})
	}
}

func TestArchiver_RestoreMissingBackup(t *testing.T) {
	q := warehousetest.New()
	a := NewArchiver(q, NewUndoLog(store.NewMemory(), testLayout), discardLogger())
	err := a.Restore(context.Background(), res("pr", plan.KindProcedure, false))
	if !errors.Is(err, ErrBackupMissing) {
		t.Fatalf("got %v; want ErrBackupMissing", err)
	}
	if len(q.Queries()) != 0 {
		t.Fatal("missing backup must not touch the warehouse")
	}
}

func TestArchiver_RestoreRejected(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.Put(ctx, "procedures/d_pr.sql", []byte("CREATE PROCEDURE `p.d.pr`() BEGIN END"))
	q := warehousetest.New()
	q.On("CREATE PROCEDURE", nil, errors.New("quota exceeded"))
	err := NewArchiver(q, NewUndoLog(st, testLayout), discardLogger()).Restore(ctx, res("pr", plan.KindProcedure, false))
	if !errors.Is(err, ErrStatementRejected) {
		t.Fatalf("got %v; want ErrStatementRejected", err)
	}
}

func TestUndoLog_FirstCaptureWins(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	u := NewUndoLog(st, testLayout)
	loc := plan.Location{Project: "p", Dataset: "d", Name: "v"}

	if err := u.Record(ctx, plan.KindView, loc, "first"); err != nil {
		t.Fatal(err)
	}
	if err := u.Record(ctx, plan.KindView, loc, "second"); err != nil {
		t.Fatal(err)
	}
	def, err := u.Lookup(ctx, plan.KindView, loc)
	if err != nil || def != "first" {
		t.Fatalf("Lookup = %q, %v", def, err)
	}
	if b, _ := st.Get(ctx, "views/d_v.sql"); string(b) != "first" {
		t.Fatalf("persisted = %q", b)
	}
	if n := len(u.Entries()); n != 1 {
		t.Fatalf("entries = %d; want 1", n)
	}
}

func TestUndoLog_LookupFromPreviousRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	loc := plan.Location{Project: "p", Dataset: "d", Name: "v"}
	if err := NewUndoLog(st, testLayout).Record(ctx, plan.KindView, loc, "old"); err != nil {
		t.Fatal(err)
	}
	def, err := NewUndoLog(st, testLayout).Lookup(ctx, plan.KindView, loc)
	if err != nil || def != "old" {
		t.Fatalf("Lookup = %q, %v", def, err)
	}
	if _, err := NewUndoLog(st, testLayout).Lookup(ctx, plan.KindProcedure, loc); !errors.Is(err, ErrBackupMissing) {
		t.Fatalf("procedure lookup: got %v; want ErrBackupMissing", err)
	}
}

func TestUndoLog_Forget(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	loc := plan.Location{Project: "p", Dataset: "d", Name: "v"}
	_ = st.Put(ctx, "views/d_v.sql", []byte("old"))

	u := NewUndoLog(st, testLayout)
	if err := u.Forget(ctx, plan.KindView, loc); err != nil {
		t.Fatal(err)
	}
	if _, err := u.Lookup(ctx, plan.KindView, loc); !errors.Is(err, ErrBackupMissing) {
		t.Fatalf("got %v; want ErrBackupMissing", err)
	}
	if _, err := st.Get(ctx, "views/d_v.sql"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("stale backup still stored: %v", err)
	}

	// A definition captured in this log survives.
	kept := NewUndoLog(st, testLayout)
	_ = kept.Record(ctx, plan.KindView, loc, "fresh")
	if err := kept.Forget(ctx, plan.KindView, loc); err != nil {
		t.Fatal(err)
	}
	if def, err := kept.Lookup(ctx, plan.KindView, loc); err != nil || def != "fresh" {
		t.Fatalf("Lookup = %q, %v", def, err)
	}
}
