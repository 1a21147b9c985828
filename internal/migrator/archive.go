package migrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"bqddl/internal/plan"
	"bqddl/internal/warehouse"
)

// Archiver captures view and procedure definitions before they are replaced
// and replays them on restore.
type Archiver struct {
	q      warehouse.Querier
	undo   *UndoLog
	logger *slog.Logger
}

func NewArchiver(q warehouse.Querier, undo *UndoLog, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{q: q, undo: undo, logger: logger}
}

// introspectionQuery returns the query that yields the CREATE statement of
// an existing view or procedure in a column named ddl.
func introspectionQuery(d plan.Descriptor) (string, error) {
	loc := d.Location
	name := strings.ReplaceAll(loc.Name, "'", `\'`)
	switch d.Kind {
	case plan.KindView:
		return fmt.Sprintf("SELECT ddl FROM `%s.%s`.INFORMATION_SCHEMA.TABLES WHERE table_name = '%s' AND table_type = 'VIEW'",
			loc.Project, loc.Dataset, name), nil
	case plan.KindProcedure:
		return fmt.Sprintf("SELECT ddl FROM `%s.%s`.INFORMATION_SCHEMA.ROUTINES WHERE routine_name = '%s' AND routine_type = 'PROCEDURE'",
			loc.Project, loc.Dataset, name), nil
	}
	return "", fmt.Errorf("%s is a %s, only views and procedures are archived", loc, d.Kind)
}

// Archive records the current definition of d in the undo log. Failures
// wrap ErrArchiveFailed; the caller decides whether to continue. After a
// failure the resource has no usable backup, even one from an earlier run.
func (a *Archiver) Archive(ctx context.Context, d plan.Descriptor) error {
	err := a.archive(ctx, d)
	if err == nil {
		return nil
	}
	if ferr := a.undo.Forget(ctx, d.Kind, d.Location); ferr != nil {
		a.logger.Warn("stale backup left in place", "resource", d.Location.String(), "err", ferr)
		return errors.Join(err, ferr)
	}
	return err
}

func (a *Archiver) archive(ctx context.Context, d plan.Descriptor) error {
	query, err := introspectionQuery(d)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArchiveFailed, err)
	}
	a.logger.Info("backing up definition", "resource", d.Location.String(), "kind", d.Kind.String())
	rows, err := a.q.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrArchiveFailed, d.Kind, d.Location, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: %s %s not found", ErrArchiveFailed, d.Kind, d.Location)
	}
	v, _ := rows[0].Get("ddl")
	ddl, ok := v.(string)
	if !ok || strings.TrimSpace(ddl) == "" {
		return fmt.Errorf("%w: %s %s: no ddl in introspection result", ErrArchiveFailed, d.Kind, d.Location)
	}
	if err := a.undo.Record(ctx, d.Kind, d.Location, ddl); err != nil {
		return fmt.Errorf("%w: %w", ErrArchiveFailed, err)
	}
	a.logger.Info("definition backed up", "resource", d.Location.String(), "bytes", len(ddl))
	return nil
}

// Restore replays the archived definition of d. A missing backup returns
// ErrBackupMissing without touching the warehouse.
func (a *Archiver) Restore(ctx context.Context, d plan.Descriptor) error {
	def, err := a.undo.Lookup(ctx, d.Kind, d.Location)
	if errors.Is(err, ErrBackupMissing) {
		a.logger.Warn("backup not found, skipping restore", "resource", d.Location.String(), "kind", d.Kind.String())
		return err
	}
	if err != nil {
		return err
	}
	a.logger.Info("restoring definition from backup", "resource", d.Location.String(), "kind", d.Kind.String())
	if _, err := a.q.Query(ctx, def); err != nil {
		return fmt.Errorf("%w: restore %s %s: %w", ErrStatementRejected, d.Kind, d.Location, err)
	}
	a.logger.Info("definition restored", "resource", d.Location.String())
	return nil
}
