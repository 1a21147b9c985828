package migrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"bqddl/internal/store"
	"bqddl/internal/warehouse"
)

// DefaultSafetyMargin backdates captured snapshots so statements committed
// just before capture are still visible at the restore point.
const DefaultSafetyMargin = time.Minute

const clockQuery = "SELECT UNIX_MICROS(CURRENT_TIMESTAMP()) AS current_time_micros"

// Snapshot is a warehouse timestamp in Unix milliseconds. Zero means none.
type Snapshot int64

func (s Snapshot) IsZero() bool    { return s == 0 }
func (s Snapshot) Millis() int64   { return int64(s) }
func (s Snapshot) Time() time.Time { return time.UnixMilli(int64(s)).UTC() }
func (s Snapshot) String() string  { return strconv.FormatInt(int64(s), 10) }

// ParseSnapshot reads the persisted decimal form.
func ParseSnapshot(s string) (Snapshot, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid snapshot %q: %w", s, err)
	}
	return Snapshot(n), nil
}

// Clock reads the warehouse's notion of "now" and persists it.
type Clock struct {
	q      warehouse.Querier
	st     store.Store
	key    string
	margin time.Duration
	logger *slog.Logger
}

func NewClock(q warehouse.Querier, st store.Store, key string, margin time.Duration, logger *slog.Logger) *Clock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Clock{q: q, st: st, key: key, margin: margin, logger: logger}
}

// Capture returns the warehouse time minus the safety margin and persists
// it. If only persisting fails, the snapshot is still returned with the
// error.
func (c *Clock) Capture(ctx context.Context) (Snapshot, error) {
	rows, err := c.q.Query(ctx, clockQuery)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrClockUnavailable, err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("%w: empty result", ErrClockUnavailable)
	}
	v, _ := rows[0].Get("current_time_micros")
	micros, err := warehouse.Int64(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrClockUnavailable, err)
	}
	snap := Snapshot(micros/1000 - c.margin.Milliseconds())
	c.logger.Info("snapshot captured", "snapshot", snap.Millis(), "at", snap.Time().Format(time.RFC3339Nano), "margin", c.margin)

	if err := c.st.Put(ctx, c.key, []byte(snap.String())); err != nil {
		return snap, fmt.Errorf("persist snapshot to %s: %w", c.key, err)
	}
	return snap, nil
}

// Load returns the last persisted snapshot, if any.
func (c *Clock) Load(ctx context.Context) (Snapshot, bool, error) {
	b, err := c.st.Get(ctx, c.key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read snapshot %s: %w", c.key, err)
	}
	snap, err := ParseSnapshot(string(b))
	if err != nil {
		return 0, false, err
	}
	return snap, !snap.IsZero(), nil
}

// Discard removes the persisted snapshot so a later rollback cannot pick up
// one older than the current run. Errors are logged.
func (c *Clock) Discard(ctx context.Context) {
	if err := c.st.Delete(ctx, c.key); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("stale snapshot left in place", "key", c.key, "err", err)
		return
	}
	c.logger.Debug("persisted snapshot discarded", "key", c.key)
}
