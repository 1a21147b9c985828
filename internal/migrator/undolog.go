package migrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"bqddl/internal/plan"
	"bqddl/internal/store"
)

// BackupLayout places archived definitions in the state store. Views and
// procedures have separate roots.
type BackupLayout struct {
	ViewRoot      string
	ProcedureRoot string
}

// Key returns the store key for a resource's archived definition.
func (l BackupLayout) Key(kind plan.Kind, loc plan.Location) string {
	root := l.ViewRoot
	if kind == plan.KindProcedure {
		root = l.ProcedureRoot
	}
	name := loc.Dataset + "_" + loc.Name + ".sql"
	if root == "" || root == "." {
		return name
	}
	return path.Join(root, name)
}

// UndoEntry is one archived definition.
type UndoEntry struct {
	Kind       plan.Kind
	Location   plan.Location
	Definition string
	RecordedAt time.Time
}

// UndoLog is the append-only record of definitions captured before they
// were overwritten. The first capture of a resource within a log wins.
// Entries are written through to the store so a later process can restore
// from them.
type UndoLog struct {
	st      store.Store
	layout  BackupLayout
	entries []UndoEntry
	index   map[string]int
	lost    map[string]bool
}

func NewUndoLog(st store.Store, layout BackupLayout) *UndoLog {
	return &UndoLog{st: st, layout: layout, index: map[string]int{}, lost: map[string]bool{}}
}

// Record appends the definition for a resource and persists it.
func (u *UndoLog) Record(ctx context.Context, kind plan.Kind, loc plan.Location, definition string) error {
	key := u.layout.Key(kind, loc)
	if _, ok := u.index[key]; ok {
		return nil
	}
	if err := u.st.Put(ctx, key, []byte(definition)); err != nil {
		return fmt.Errorf("write backup %s: %w", key, err)
	}
	u.index[key] = len(u.entries)
	u.entries = append(u.entries, UndoEntry{Kind: kind, Location: loc, Definition: definition, RecordedAt: time.Now().UTC()})
	return nil
}

// Forget marks a resource whose definition could not be captured. Lookup
// then reports ErrBackupMissing instead of falling back to an older backup,
// and the stale backup is removed from the store. A definition already
// recorded by this log is kept.
func (u *UndoLog) Forget(ctx context.Context, kind plan.Kind, loc plan.Location) error {
	key := u.layout.Key(kind, loc)
	if _, ok := u.index[key]; ok {
		return nil
	}
	u.lost[key] = true
	if err := u.st.Delete(ctx, key); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("remove stale backup %s: %w", key, err)
	}
	return nil
}

// Lookup returns the archived definition, from this log or from a previous
// run's backup. It returns ErrBackupMissing when neither exists or when the
// capture failed in this log.
func (u *UndoLog) Lookup(ctx context.Context, kind plan.Kind, loc plan.Location) (string, error) {
	key := u.layout.Key(kind, loc)
	if i, ok := u.index[key]; ok {
		return u.entries[i].Definition, nil
	}
	if u.lost[key] {
		return "", fmt.Errorf("%w: %s: capture failed in this run", ErrBackupMissing, key)
	}
	b, err := u.st.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrBackupMissing, key)
	}
	if err != nil {
		return "", fmt.Errorf("read backup %s: %w", key, err)
	}
	return string(b), nil
}

// Entries returns the definitions recorded by this log, in capture order.
func (u *UndoLog) Entries() []UndoEntry {
	return append([]UndoEntry(nil), u.entries...)
}
