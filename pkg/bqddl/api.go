// Package bqddl provides the public API for applying and rolling back DDL
// plans against BigQuery.
package bqddl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	icfg "bqddl/internal/config"
	ibq "bqddl/internal/driver/bigquery"
	im "bqddl/internal/migrator"
	"bqddl/internal/plan"
	"bqddl/internal/store"
	"bqddl/internal/store/gcs"
	"bqddl/internal/store/local"
	ipg "bqddl/internal/store/postgres"
	"bqddl/internal/store/sqlite"
	"bqddl/internal/warehouse"
)

// LastRunKey is the store key of the journal of the most recent apply or
// rollback.
const LastRunKey = "last_run.json"

// ErrNoRun is returned by LastRun before any apply or rollback was recorded.
var ErrNoRun = errors.New("no run recorded")

// Option adjusts a single call.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	observer im.Observer
}

// WithLogger routes the run's logs to l instead of slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithObserver is called for every recorded step.
func WithObserver(fn im.Observer) Option { return func(o *options) { o.observer = fn } }

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// connectWarehouse is replaced in tests.
var connectWarehouse = func(ctx context.Context, c icfg.Config) (warehouse.Querier, io.Closer, error) {
	client, err := ibq.Connect(ctx, ibq.Options{Project: c.Project, Location: c.Location, CredentialsFile: c.CredentialsFile})
	if err != nil {
		return nil, nil, err
	}
	return client, client, nil
}

func openStore(ctx context.Context, c icfg.Config) (store.Store, error) {
	switch c.State {
	case icfg.StateLocal, "":
		return local.New(c.StateDir)
	case icfg.StateGCS:
		return gcs.New(ctx, gcs.Options{Bucket: c.GCSBucket, Prefix: c.GCSPrefix, Project: c.Project, CredentialsFile: c.CredentialsFile})
	case icfg.StateSQLite:
		return sqlite.Open(ctx, c.SQLitePath)
	case icfg.StatePostgres:
		return ipg.Connect(ctx, c.DSN, c.StateTable, c.LockKey)
	}
	return nil, fmt.Errorf("unknown state backend: %s", c.State)
}

type session struct {
	cfg     icfg.Config
	opts    options
	plan    plan.Plan
	store   store.Store
	wh      warehouse.Querier
	closers []io.Closer
}

// open loads the plan and connects what the operation needs.
func open(ctx context.Context, c icfg.Config, opts []Option, needStore, needWarehouse bool) (*session, error) {
	if err := c.RequirePlan(); err != nil {
		return nil, err
	}
	p, err := plan.Load(c.Plan, c.Project)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: c, opts: buildOptions(opts), plan: p}
	if needStore {
		st, err := openStore(ctx, c)
		if err != nil {
			return nil, err
		}
		s.store = st
		s.closers = append(s.closers, st)
	} else {
		s.store = store.NewMemory()
	}
	if needWarehouse {
		q, closer, err := connectWarehouse(ctx, c)
		if err != nil {
			s.close()
			return nil, err
		}
		s.wh = warehouse.WithTimeout(q, c.QueryTimeout)
		if closer != nil {
			s.closers = append(s.closers, closer)
		}
	}
	return s, nil
}

func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.opts.logger.Warn("close failed", "err", err)
		}
	}
}

func (s *session) source() im.StatementSource {
	return im.ChainSource{statements, im.DirSource{Dir: s.cfg.DDLDir}}
}

func (s *session) executor() *im.Executor {
	return im.NewExecutor(s.plan, s.wh, s.store, s.source(), im.Config{
		TimestampKey: s.cfg.TimestampFile,
		Layout:       im.BackupLayout{ViewRoot: s.cfg.ViewBackupDir, ProcedureRoot: s.cfg.ProcedureBackupDir},
		SafetyMargin: s.cfg.SafetyMargin,
		Verify:       s.cfg.Verify,
		Logger:       s.opts.logger,
		Observer:     s.opts.observer,
	})
}

// run executes fn under the store's lock and journals its report.
func (s *session) run(ctx context.Context, fn func(context.Context, *im.Executor) *im.Report) (*im.Report, error) {
	var rep *im.Report
	err := store.WithLock(ctx, s.store, func(ctx context.Context) error {
		rep = fn(ctx, s.executor())
		return saveReport(context.WithoutCancel(ctx), s.store, rep)
	})
	if err != nil {
		return rep, err
	}
	if rep.Failed() {
		return rep, fmt.Errorf("%s failed: %w", rep.Operation, rep.Err())
	}
	return rep, nil
}

func saveReport(ctx context.Context, st store.Store, rep *im.Report) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	if err := st.Put(ctx, LastRunKey, b); err != nil {
		return fmt.Errorf("save run journal: %w", err)
	}
	return nil
}

// Apply captures a snapshot and applies every planned statement. On the
// first failure the whole plan is compensated. The report is returned even
// when the run fails.
func Apply(ctx context.Context, c icfg.Config, opts ...Option) (*im.Report, error) {
	s, err := open(ctx, c, opts, true, true)
	if err != nil {
		return nil, err
	}
	defer s.close()
	return s.run(ctx, func(ctx context.Context, e *im.Executor) *im.Report { return e.Apply(ctx) })
}

// Rollback compensates every planned resource using the persisted snapshot
// and backups.
func Rollback(ctx context.Context, c icfg.Config, opts ...Option) (*im.Report, error) {
	s, err := open(ctx, c, opts, true, true)
	if err != nil {
		return nil, err
	}
	defer s.close()
	return s.run(ctx, func(ctx context.Context, e *im.Executor) *im.Report { return e.Rollback(ctx) })
}

// Verify runs the plan's verification queries. It never compensates and is
// not journaled.
func Verify(ctx context.Context, c icfg.Config, opts ...Option) (*im.Report, error) {
	s, err := open(ctx, c, opts, false, true)
	if err != nil {
		return nil, err
	}
	defer s.close()
	rep := s.executor().Verify(ctx)
	if rep.Failed() {
		return rep, fmt.Errorf("verify failed: %w", rep.Err())
	}
	return rep, nil
}

// Check reports planned resources without a statement and statement files
// no plan entry refers to. It touches neither the warehouse nor the store.
func Check(ctx context.Context, c icfg.Config) (im.CheckResult, error) {
	s, err := open(ctx, c, nil, false, false)
	if err != nil {
		return im.CheckResult{}, err
	}
	defer s.close()
	dir := im.DirSource{Dir: c.DDLDir}
	return im.CheckStatements(ctx, s.plan, s.source(), &dir)
}

// LastRun returns the journal of the most recent apply or rollback.
func LastRun(ctx context.Context, c icfg.Config) (*im.Report, error) {
	st, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	b, err := st.Get(ctx, LastRunKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoRun
	}
	if err != nil {
		return nil, err
	}
	var rep im.Report
	if err := json.Unmarshal(b, &rep); err != nil {
		return nil, fmt.Errorf("decode %s: %w", LastRunKey, err)
	}
	return &rep, nil
}

// PersistedSnapshot returns the snapshot a rollback would restore tables to.
func PersistedSnapshot(ctx context.Context, c icfg.Config) (im.Snapshot, bool, error) {
	st, err := openStore(ctx, c)
	if err != nil {
		return 0, false, err
	}
	defer st.Close()
	return im.NewClock(nil, st, c.TimestampFile, c.SafetyMargin, nil).Load(ctx)
}
