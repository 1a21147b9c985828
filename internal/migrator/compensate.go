package migrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"bqddl/internal/plan"
	"bqddl/internal/warehouse"
)

// Action is a planned compensation. It is pure data; Compensator executes it.
type Action interface {
	Describe() string
}

// DropAction removes a resource created by the migration.
type DropAction struct {
	Kind     plan.Kind
	Location plan.Location
}

func (a DropAction) Statement() string {
	return fmt.Sprintf("DROP %s %s", a.Kind, a.Location.Quoted())
}

func (a DropAction) Describe() string { return "drop" }

// TimeTravelAction rewrites a table to its content at Snapshot.
type TimeTravelAction struct {
	Location plan.Location
	Snapshot Snapshot
}

func (a TimeTravelAction) Statement() string {
	loc := a.Location.Quoted()
	return fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * FROM %s FOR SYSTEM TIME AS OF TIMESTAMP_MILLIS(%d)",
		loc, loc, a.Snapshot.Millis())
}

func (a TimeTravelAction) Describe() string { return "time-travel" }

// ReplayAction recreates a view or procedure from its archived definition.
type ReplayAction struct {
	Descriptor plan.Descriptor
}

func (a ReplayAction) Describe() string { return "replay" }

// SkipAction leaves the resource untouched.
type SkipAction struct {
	Location plan.Location
	Reason   error
}

func (a SkipAction) Describe() string { return "skip" }

// PlanCompensation decides how to undo d given the snapshot in effect.
func PlanCompensation(d plan.Descriptor, snap Snapshot) Action {
	switch d.Variant() {
	case plan.NewResource:
		return DropAction{Kind: d.Kind, Location: d.Location}
	case plan.ExistingTable:
		if snap.IsZero() {
			return SkipAction{Location: d.Location, Reason: ErrSnapshotMissing}
		}
		return TimeTravelAction{Location: d.Location, Snapshot: snap}
	default:
		return ReplayAction{Descriptor: d}
	}
}

// Compensator undoes one resource at a time.
type Compensator struct {
	q        warehouse.Querier
	clock    *Clock
	archiver *Archiver
	logger   *slog.Logger
}

func NewCompensator(q warehouse.Querier, clock *Clock, archiver *Archiver, logger *slog.Logger) *Compensator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compensator{q: q, clock: clock, archiver: archiver, logger: logger}
}

// Compensate undoes d and returns the snapshot in effect afterwards, which
// differs from snap when an existing table forced a fresh capture. The
// returned action is what was attempted.
func (c *Compensator) Compensate(ctx context.Context, d plan.Descriptor, snap Snapshot) (Snapshot, Action, error) {
	var clockErr error
	if d.Variant() == plan.ExistingTable && snap.IsZero() {
		c.logger.Warn("no snapshot recorded, capturing a new one", "resource", d.Location.String())
		captured, err := c.clock.Capture(ctx)
		if !captured.IsZero() {
			snap = captured
		}
		if err != nil {
			c.logger.Error("snapshot capture failed", "err", err)
			clockErr = err
		}
	}

	action := PlanCompensation(d, snap)
	logger := c.logger.With("resource", d.Location.String(), "variant", d.Variant().String(), "action", action.Describe())
	switch a := action.(type) {
	case DropAction:
		logger.Info("dropping newly created resource")
		if _, err := c.q.Query(ctx, a.Statement()); err != nil {
			logger.Error("drop failed", "err", err)
			return snap, a, fmt.Errorf("%w: drop %s %s: %w", ErrStatementRejected, a.Kind, a.Location, err)
		}
		logger.Info("dropped")
		return snap, a, nil
	case TimeTravelAction:
		logger.Info("restoring table", "snapshot", a.Snapshot.Millis())
		if _, err := c.q.Query(ctx, a.Statement()); err != nil {
			logger.Error("table restore failed", "err", err)
			return snap, a, fmt.Errorf("%w: restore table %s: %w", ErrStatementRejected, a.Location, err)
		}
		logger.Info("table restored")
		return snap, a, nil
	case ReplayAction:
		return snap, a, c.archiver.Restore(ctx, a.Descriptor)
	case SkipAction:
		logger.Error("cannot restore table without a snapshot, skipping")
		return snap, a, fmt.Errorf("skip %s: %w", a.Location, errors.Join(a.Reason, clockErr))
	}
	return snap, action, fmt.Errorf("unknown compensation action %T", action)
}
