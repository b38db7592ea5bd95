package sideeffect

import (
	"errors"
	"fmt"
	"time"
)

// Phase names a unit-of-work boundary.
type Phase string

const (
	PhasePreValidate Phase = "pre_validate"
	PhasePreCommit   Phase = "pre_commit"
	PhasePostCommit  Phase = "post_commit"
	PhaseAbort       Phase = "abort"
)

// Outcome is the result of executing one effect, retries included.
type Outcome struct {
	EffectID   string
	Kind       string
	Mode       Mode
	Attempts   int
	RetryCount int
	// Delays holds the backoff waited before each retry.
	Delays  []time.Duration
	Elapsed time.Duration
	Err     error
	// Fatal is set when the failure aborted the unit of work.
	Fatal bool
}

// OK reports whether the effect eventually succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Report collects the outcomes of one phase.
type Report struct {
	Phase    Phase
	Outcomes []Outcome
	// Deferred counts effects handed to the post-commit phase.
	Deferred int
}

// Succeeded counts successful outcomes.
func (r Report) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}

// Failed counts failed outcomes.
func (r Report) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// Err joins the failures of the phase.
func (r Report) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("effect %s (%s): %w", o.EffectID, o.Kind, o.Err))
		}
	}

	return errors.Join(errs...)
}
