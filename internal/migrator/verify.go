package migrator

import (
	"context"
	"fmt"
	"math/big"

	"bqddl/internal/plan"
)

// Verify runs the verification query of every resource that has one. It
// never compensates.
func (e *Executor) Verify(ctx context.Context) *Report {
	rep := newReport(OpVerify, e.observer)
	defer rep.finish()
	e.verifyAll(ctx, rep)
	return rep
}

// verifyAll reports whether every verification passed. All queries run
// even after a failure.
func (e *Executor) verifyAll(ctx context.Context, rep *Report) bool {
	passed := true
	for _, d := range e.plan.Resources {
		if d.VerifyQuery == "" {
			continue
		}
		step := stepFor(d, PhaseVerify)
		if err := e.verifyOne(ctx, d); err != nil {
			e.logger.Error("verification failed", "resource", d.Location.String(), "err", err)
			rep.fail(step, err)
			passed = false
			continue
		}
		e.logger.Info("verification passed", "resource", d.Location.String())
		rep.ok(step)
	}
	return passed
}

// verifyOne fails when the query is rejected or its first value is false,
// zero or NULL. An empty result passes.
func (e *Executor) verifyOne(ctx context.Context, d plan.Descriptor) error {
	rows, err := e.q.Query(ctx, d.VerifyQuery)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrVerificationFailed, d.Location, err)
	}
	if len(rows) == 0 || len(rows[0].Values) == 0 {
		return nil
	}
	v := rows[0].Values[0]
	if !truthy(v) {
		return fmt.Errorf("%w: %s: query returned %v", ErrVerificationFailed, d.Location, v)
	}
	return nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case int:
		return x != 0
	case int32:
		return x != 0
	case float64:
		return x != 0
	case float32:
		return x != 0
	case *big.Rat:
		// NUMERIC and BIGNUMERIC
		return x != nil && x.Sign() != 0
	}
	return true
}
