// Package warehouse defines the synchronous query capability the migrator
// drives. Concrete clients live under internal/driver.
package warehouse

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Row is one result row with its column names in schema order.
type Row struct {
	Names  []string
	Values []any
}

// Get returns the value of the named column.
func (r Row) Get(name string) (any, bool) {
	for i, n := range r.Names {
		if n == name && i < len(r.Values) {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Querier submits a statement and blocks until it completes or fails.
// DDL statements return no rows.
type Querier interface {
	Query(ctx context.Context, sql string) ([]Row, error)
}

// QuerierFunc adapts a function to Querier.
type QuerierFunc func(ctx context.Context, sql string) ([]Row, error)

func (f QuerierFunc) Query(ctx context.Context, sql string) ([]Row, error) { return f(ctx, sql) }

// WithTimeout bounds every call to q by d. A non-positive d returns q.
func WithTimeout(q Querier, d time.Duration) Querier {
	if d <= 0 {
		return q
	}
	return QuerierFunc(func(ctx context.Context, sql string) ([]Row, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return q.Query(ctx, sql)
	})
}

// Int64 converts a scalar column value to int64.
func Int64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("value %v is not an integer", n)
		}
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case nil:
		return 0, fmt.Errorf("value is NULL")
	}
	return 0, fmt.Errorf("unsupported value type %T", v)
}
