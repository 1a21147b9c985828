// Package migrator applies a plan of DDL statements to the warehouse and
// compensates every planned resource when one of them fails.
package migrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"bqddl/internal/plan"
)

// Statement is the DDL body for one resource.
type Statement struct {
	Text     string
	Checksum string
	Origin   string
}

func newStatement(text, origin string) Statement {
	return Statement{Text: text, Checksum: checksum(text), Origin: origin}
}

// StatementSource resolves the DDL body for a resource. A missing statement
// returns an error wrapping ErrStatementMissing.
type StatementSource interface {
	Statement(ctx context.Context, loc plan.Location) (Statement, error)
}

// StatementFileName is <dataset>_<name>.sql.
func StatementFileName(loc plan.Location) string {
	return loc.Dataset + "_" + loc.Name + ".sql"
}

// DirSource reads statements from <Dir>/<dataset>_<name>.sql.
type DirSource struct {
	Dir string
}

func (s DirSource) Statement(_ context.Context, loc plan.Location) (Statement, error) {
	full := filepath.Join(s.Dir, StatementFileName(loc))
	b, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return Statement{}, fmt.Errorf("%w: %s", ErrStatementMissing, full)
	}
	if err != nil {
		return Statement{}, err
	}
	return newStatement(string(b), full), nil
}

// Files lists the *.sql files in Dir, sorted.
func (s DirSource) Files() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".sql") {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// Registry holds statements registered from code.
type Registry struct {
	byName map[string]Statement
}

func NewRegistry() *Registry { return &Registry{byName: map[string]Statement{}} }

// Register adds the statement for dataset.name. Registering the same
// resource twice is an error.
func (r *Registry) Register(dataset, name, sql string) error {
	key := dataset + "." + name
	if _, exists := r.byName[key]; exists {
		return fmt.Errorf("statement for %s already registered", key)
	}
	r.byName[key] = newStatement(sql, "registry:"+key)
	return nil
}

func (r *Registry) Len() int { return len(r.byName) }

func (r *Registry) Statement(_ context.Context, loc plan.Location) (Statement, error) {
	s, ok := r.byName[loc.Dataset+"."+loc.Name]
	if !ok {
		return Statement{}, fmt.Errorf("%w: %s.%s not registered", ErrStatementMissing, loc.Dataset, loc.Name)
	}
	return s, nil
}

// ChainSource returns the first statement found among its sources.
type ChainSource []StatementSource

func (c ChainSource) Statement(ctx context.Context, loc plan.Location) (Statement, error) {
	var errs []error
	for _, src := range c {
		s, err := src.Statement(ctx, loc)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrStatementMissing) {
			return Statement{}, err
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Statement{}, fmt.Errorf("%w: no statement sources", ErrStatementMissing)
	}
	return Statement{}, errors.Join(errs...)
}

// CheckResult lists plan entries without a statement and statement files
// no plan entry refers to.
type CheckResult struct {
	Missing  []plan.Location
	Orphaned []string
}

// OK reports whether every planned resource has a statement.
func (c CheckResult) OK() bool { return len(c.Missing) == 0 }

// CheckStatements resolves every planned statement. When dir is non-nil its
// unreferenced files are reported as orphans.
func CheckStatements(ctx context.Context, p plan.Plan, src StatementSource, dir *DirSource) (CheckResult, error) {
	var res CheckResult
	referenced := map[string]bool{}
	for _, d := range p.Resources {
		referenced[StatementFileName(d.Location)] = true
		_, err := src.Statement(ctx, d.Location)
		if errors.Is(err, ErrStatementMissing) {
			res.Missing = append(res.Missing, d.Location)
			continue
		}
		if err != nil {
			return res, err
		}
	}
	if dir == nil {
		return res, nil
	}
	files, err := dir.Files()
	if err != nil {
		return res, err
	}
	for _, f := range files {
		if !referenced[f] {
			res.Orphaned = append(res.Orphaned, f)
		}
	}
	return res, nil
}

func checksum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
