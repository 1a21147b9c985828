// Package plan describes the resources a migration run touches.
package plan

import (
	"fmt"
	"strings"
)

// Kind is the warehouse object type of a resource.
type Kind int

const (
	KindTable Kind = iota
	KindView
	KindProcedure
)

// String returns the DDL keyword for the kind.
func (k Kind) String() string {
	switch k {
	case KindTable:
		return "TABLE"
	case KindView:
		return "VIEW"
	case KindProcedure:
		return "PROCEDURE"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind accepts table|view|procedure in any case.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "table", "":
		return KindTable, nil
	case "view":
		return KindView, nil
	case "procedure", "routine":
		return KindProcedure, nil
	}
	return KindTable, fmt.Errorf("unknown resource kind %q", s)
}

// Location is the fully-qualified name of a resource.
type Location struct {
	Project string
	Dataset string
	Name    string
}

func (l Location) String() string {
	return l.Project + "." + l.Dataset + "." + l.Name
}

// Quoted returns the location as a backtick-quoted identifier.
func (l Location) Quoted() string { return "`" + l.String() + "`" }

// Variant is the compensation class of a resource. The four values are the
// only valid combinations of kind and newness.
type Variant int

const (
	NewResource Variant = iota
	ExistingTable
	ExistingView
	ExistingProcedure
)

func (v Variant) String() string {
	switch v {
	case NewResource:
		return "new"
	case ExistingTable:
		return "existing-table"
	case ExistingView:
		return "existing-view"
	case ExistingProcedure:
		return "existing-procedure"
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// Descriptor is one entry of the plan.
type Descriptor struct {
	Location    Location
	Kind        Kind
	IsNew       bool
	VerifyQuery string
}

// Variant classifies the descriptor for compensation.
func (d Descriptor) Variant() Variant {
	if d.IsNew {
		return NewResource
	}
	switch d.Kind {
	case KindView:
		return ExistingView
	case KindProcedure:
		return ExistingProcedure
	default:
		return ExistingTable
	}
}

// NeedsArchive reports whether the current definition must be captured
// before the resource's statement is applied.
func (d Descriptor) NeedsArchive() bool {
	v := d.Variant()
	return v == ExistingView || v == ExistingProcedure
}

// Plan is the ordered list of resources. Apply and rollback both walk it in
// this order.
type Plan struct {
	Resources []Descriptor
}

// Validate rejects empty names, unknown kinds and duplicate locations.
func (p Plan) Validate() error {
	seen := make(map[Location]int, len(p.Resources))
	for i, d := range p.Resources {
		if d.Location.Project == "" {
			return fmt.Errorf("resource %d: project is required", i+1)
		}
		if d.Location.Dataset == "" || d.Location.Name == "" {
			return fmt.Errorf("resource %d: dataset and name are required", i+1)
		}
		if d.Kind < KindTable || d.Kind > KindProcedure {
			return fmt.Errorf("resource %d (%s): invalid kind %d", i+1, d.Location, int(d.Kind))
		}
		if prev, ok := seen[d.Location]; ok {
			return fmt.Errorf("resource %d: %s already listed as resource %d", i+1, d.Location, prev)
		}
		seen[d.Location] = i + 1
	}
	return nil
}
