package migrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bqddl/internal/plan"
	"bqddl/internal/store"
	"bqddl/internal/warehouse"
)

// State is the executor's position in a run.
type State int

const (
	StateStart State = iota
	StateSnapshotting
	StateApplying
	StateRollingBack
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateSnapshotting:
		return "snapshotting"
	case StateApplying:
		return "applying"
	case StateRollingBack:
		return "rolling-back"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config wires an Executor.
type Config struct {
	// TimestampKey is the store key of the persisted snapshot.
	TimestampKey string
	Layout       BackupLayout
	SafetyMargin time.Duration
	// Verify runs each resource's verification query after a clean apply.
	Verify   bool
	Logger   *slog.Logger
	Observer Observer
}

// Executor runs apply, rollback and verify over one plan. It is not safe
// for concurrent use; a run is strictly sequential.
type Executor struct {
	plan        plan.Plan
	q           warehouse.Querier
	statements  StatementSource
	clock       *Clock
	undo        *UndoLog
	archiver    *Archiver
	compensator *Compensator
	verify      bool
	logger      *slog.Logger
	observer    Observer
	state       State
}

func NewExecutor(p plan.Plan, q warehouse.Querier, st store.Store, src StatementSource, cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TimestampKey == "" {
		cfg.TimestampKey = "timestamp.txt"
	}
	clock := NewClock(q, st, cfg.TimestampKey, cfg.SafetyMargin, logger)
	undo := NewUndoLog(st, cfg.Layout)
	archiver := NewArchiver(q, undo, logger)
	return &Executor{
		plan:        p,
		q:           q,
		statements:  src,
		clock:       clock,
		undo:        undo,
		archiver:    archiver,
		compensator: NewCompensator(q, clock, archiver, logger),
		verify:      cfg.Verify,
		logger:      logger,
		observer:    cfg.Observer,
	}
}

// State returns the current run state.
func (e *Executor) State() State { return e.state }

// UndoLog exposes the definitions archived by this executor.
func (e *Executor) UndoLog() *UndoLog { return e.undo }

// Clock exposes the snapshot clock.
func (e *Executor) Clock() *Clock { return e.clock }

func (e *Executor) transition(s State, args ...any) {
	e.state = s
	e.logger.Debug("state transition", append([]any{"state", s.String()}, args...)...)
}

// Apply captures a fresh snapshot, then archives and applies each resource
// in plan order. The first rejected statement stops the apply and triggers
// compensation of every planned resource. A snapshot that was captured but
// could not be persisted fails the run before any statement is applied.
func (e *Executor) Apply(ctx context.Context) *Report {
	rep := newReport(OpApply, e.observer)
	defer rep.finish()
	e.transition(StateStart, "resources", len(e.plan.Resources))

	e.transition(StateSnapshotting)
	snap, err := e.clock.Capture(ctx)
	rep.Snapshot = snap
	switch {
	case err != nil && snap.IsZero():
		e.logger.Warn("continuing without a snapshot, tables cannot be restored to the pre-run state", "err", err)
		e.clock.Discard(ctx)
		rep.skip(Step{Phase: PhaseSnapshot}, err)
	case err != nil:
		// A later standalone rollback could not find this snapshot and
		// would restore tables to an older one. Nothing has run yet.
		e.logger.Error("snapshot not persisted, aborting before any statement runs", "err", err)
		e.clock.Discard(ctx)
		rep.fail(Step{Phase: PhaseSnapshot, Action: snap.String()}, err)
		e.transition(StateDone, "failed", true)
		return rep
	default:
		rep.ok(Step{Phase: PhaseSnapshot, Action: snap.String()})
	}

	for i, d := range e.plan.Resources {
		e.transition(StateApplying, "index", i, "resource", d.Location.String())
		if err := e.applyOne(ctx, d, rep); err != nil {
			e.rollbackAfter(ctx, rep, snap)
			return rep
		}
	}
	if e.verify && !e.verifyAll(ctx, rep) {
		e.rollbackAfter(ctx, rep, snap)
		return rep
	}
	e.transition(StateDone, "failed", rep.Failed())
	return rep
}

func (e *Executor) applyOne(ctx context.Context, d plan.Descriptor, rep *Report) error {
	logger := e.logger.With("resource", d.Location.String(), "kind", d.Kind.String())
	if d.NeedsArchive() {
		step := stepFor(d, PhaseArchive)
		if err := e.archiver.Archive(ctx, d); err != nil {
			logger.Error("backup failed, continuing", "err", err)
			rep.fail(step, err)
		} else {
			rep.ok(step)
		}
	}

	step := stepFor(d, PhaseApply)
	stmt, err := e.statements.Statement(ctx, d.Location)
	if err != nil {
		logger.Error("cannot read DDL", "err", err)
		rep.fail(step, err)
		return err
	}
	step.Checksum = stmt.Checksum
	if strings.TrimSpace(stmt.Text) == "" {
		logger.Warn("empty DDL, nothing to apply", "origin", stmt.Origin)
		rep.skip(step, errors.New("empty statement"))
		return nil
	}

	logger.Info("executing DDL", "origin", stmt.Origin)
	if _, err := e.q.Query(ctx, stmt.Text); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrStatementRejected, d.Location, err)
		logger.Error("DDL failed", "err", err)
		rep.fail(step, err)
		return err
	}
	logger.Info("DDL executed successfully")
	rep.ok(step)
	return nil
}

// rollbackAfter compensates the whole plan after a failed apply. It ignores
// cancellation of ctx so compensation always runs to the end of the list.
func (e *Executor) rollbackAfter(ctx context.Context, rep *Report, snap Snapshot) {
	e.transition(StateRollingBack)
	rep.RolledBack = true
	if s := e.compensateAll(context.WithoutCancel(ctx), rep, snap); rep.Snapshot.IsZero() {
		rep.Snapshot = s
	}
	e.transition(StateDone, "failed", rep.Failed())
}

// Rollback compensates every planned resource using the persisted snapshot.
// It never stops early.
func (e *Executor) Rollback(ctx context.Context) *Report {
	rep := newReport(OpRollback, e.observer)
	defer rep.finish()
	ctx = context.WithoutCancel(ctx)
	e.transition(StateRollingBack, "resources", len(e.plan.Resources))

	snap, ok, err := e.clock.Load(ctx)
	switch {
	case err != nil:
		e.logger.Warn("persisted snapshot unreadable", "err", err)
		rep.skip(Step{Phase: PhaseSnapshot}, err)
	case ok:
		e.logger.Info("using persisted snapshot", "snapshot", snap.Millis())
		rep.ok(Step{Phase: PhaseSnapshot, Action: snap.String()})
	default:
		e.logger.Info("no persisted snapshot")
	}
	rep.Snapshot = e.compensateAll(ctx, rep, snap)
	rep.RolledBack = true
	e.transition(StateDone, "failed", rep.Failed())
	return rep
}

func (e *Executor) compensateAll(ctx context.Context, rep *Report, snap Snapshot) Snapshot {
	e.logger.Info("rolling back all tables, views, and procedures", "resources", len(e.plan.Resources))
	for _, d := range e.plan.Resources {
		step := stepFor(d, PhaseCompensate)
		var (
			action Action
			err    error
		)
		snap, action, err = e.compensator.Compensate(ctx, d, snap)
		step.Action = action.Describe()
		switch {
		case err == nil:
			rep.ok(step)
		case errors.Is(err, ErrBackupMissing):
			rep.skip(step, err)
		default:
			rep.fail(step, err)
		}
	}
	return snap
}
