// Package warehousetest provides an in-memory warehouse.Querier for tests.
package warehousetest

import (
	"context"
	"strings"
	"sync"

	"bqddl/internal/warehouse"
)

type handler struct {
	match string
	fn    func(sql string) ([]warehouse.Row, error)
}

// Fake records every statement and answers from registered handlers.
// Statements matching no handler succeed with no rows.
type Fake struct {
	mu       sync.Mutex
	handlers []handler
	queries  []string
}

// New returns an empty Fake.
func New() *Fake { return &Fake{} }

// On answers statements containing match with rows and err. Later
// registrations take precedence.
func (f *Fake) On(match string, rows []warehouse.Row, err error) {
	f.OnFunc(match, func(string) ([]warehouse.Row, error) { return rows, err })
}

// OnFunc answers statements containing match by calling fn.
func (f *Fake) OnFunc(match string, fn func(sql string) ([]warehouse.Row, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler{match: match, fn: fn})
}

func (f *Fake) Query(ctx context.Context, sql string) ([]warehouse.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.queries = append(f.queries, sql)
	var fn func(string) ([]warehouse.Row, error)
	for i := len(f.handlers) - 1; i >= 0; i-- {
		if strings.Contains(sql, f.handlers[i].match) {
			fn = f.handlers[i].fn
			break
		}
	}
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(sql)
}

// Queries returns the statements seen so far, in order.
func (f *Fake) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

// Count returns how many statements contained match.
func (f *Fake) Count(match string) int {
	n := 0
	for _, q := range f.Queries() {
		if strings.Contains(q, match) {
			n++
		}
	}
	return n
}

// Reset forgets recorded statements but keeps handlers.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = nil
}

// Row builds a single-row result.
func Row(names []string, values ...any) []warehouse.Row {
	return []warehouse.Row{{Names: names, Values: values}}
}
