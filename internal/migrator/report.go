package migrator

import (
	"errors"
	"fmt"
	"time"

	"bqddl/internal/plan"
)

// Operation names a run type.
type Operation string

const (
	OpApply    Operation = "apply"
	OpRollback Operation = "rollback"
	OpVerify   Operation = "verify"
)

// Phase is the part of a run a step belongs to.
type Phase string

const (
	PhaseSnapshot   Phase = "snapshot"
	PhaseArchive    Phase = "archive"
	PhaseApply      Phase = "apply"
	PhaseVerify     Phase = "verify"
	PhaseCompensate Phase = "compensate"
)

// StepStatus is the outcome of one step. Only StatusFailed sets the run's
// error flag; StatusSkipped with an error is a warning.
type StepStatus string

const (
	StatusOK      StepStatus = "ok"
	StatusFailed  StepStatus = "failed"
	StatusSkipped StepStatus = "skipped"
)

// Step is one journal line of a run.
type Step struct {
	Resource string     `json:"resource,omitempty"`
	Kind     string     `json:"kind,omitempty"`
	Phase    Phase      `json:"phase"`
	Status   StepStatus `json:"status"`
	Action   string     `json:"action,omitempty"`
	Checksum string     `json:"checksum,omitempty"`
	Error    string     `json:"error,omitempty"`
	At       time.Time  `json:"at"`

	err error
}

func stepFor(d plan.Descriptor, phase Phase) Step {
	return Step{Resource: d.Location.String(), Kind: d.Kind.String(), Phase: phase}
}

// Err returns the step's error, if any.
func (s Step) Err() error {
	if s.err != nil {
		return s.err
	}
	if s.Error != "" {
		return errors.New(s.Error)
	}
	return nil
}

// Observer is notified of every step as it is recorded.
type Observer func(Step)

// Report is the outcome of a run. ErrorFound is the run-level failure flag:
// any failed step sets it and nothing clears it.
type Report struct {
	Operation  Operation `json:"operation"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Snapshot   Snapshot  `json:"snapshot,omitempty"`
	RolledBack bool      `json:"rolled_back"`
	ErrorFound bool      `json:"error_found"`
	Steps      []Step    `json:"steps"`

	observer Observer
}

func newReport(op Operation, obs Observer) *Report {
	return &Report{Operation: op, StartedAt: time.Now().UTC(), observer: obs}
}

func (r *Report) record(s Step, status StepStatus, err error) {
	s.Status = status
	s.At = time.Now().UTC()
	if err != nil {
		s.err = err
		s.Error = err.Error()
	}
	if status == StatusFailed {
		r.ErrorFound = true
	}
	r.Steps = append(r.Steps, s)
	if r.observer != nil {
		r.observer(s)
	}
}

func (r *Report) ok(s Step)                 { r.record(s, StatusOK, nil) }
func (r *Report) fail(s Step, err error)    { r.record(s, StatusFailed, err) }
func (r *Report) skip(s Step, reason error) { r.record(s, StatusSkipped, reason) }

func (r *Report) finish() { r.FinishedAt = time.Now().UTC() }

// Failed reports whether any step failed.
func (r *Report) Failed() bool { return r.ErrorFound }

// Err joins the errors of all failed steps.
func (r *Report) Err() error {
	var errs []error
	for _, s := range r.Steps {
		if s.Status != StatusFailed {
			continue
		}
		err := s.Err()
		if err == nil {
			err = fmt.Errorf("%s %s failed", s.Phase, s.Resource)
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Warnings returns skipped steps that carry a reason.
func (r *Report) Warnings() []Step {
	var out []Step
	for _, s := range r.Steps {
		if s.Status == StatusSkipped && s.Error != "" {
			out = append(out, s)
		}
	}
	return out
}

// Count returns how many steps of the phase have the status.
func (r *Report) Count(phase Phase, status StepStatus) int {
	n := 0
	for _, s := range r.Steps {
		if s.Phase == phase && s.Status == status {
			n++
		}
	}
	return n
}
