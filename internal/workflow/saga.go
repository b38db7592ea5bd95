package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jnst/txevents/internal/model"
)

// ErrPaused is returned by Run and Resume when the saga stopped at a pause.
var ErrPaused = errors.New("workflow paused")

// Step is one operation with its compensating action. Undo may be nil.
type Step struct {
	Name string
	Do   func(ctx context.Context) error
	Undo func(ctx context.Context) error
}

// StepError reports the step that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// Boundary is notified at the commit and abort points of a saga.
// BeforeCommit runs after the last step; an error fails the saga.
type Boundary interface {
	BeforeCommit(ctx context.Context) error
	AfterCommit(ctx context.Context)
	Abort(ctx context.Context)
}

// Saga executes steps in order and compensates completed steps in reverse
// order when asked to, or automatically on failure.
type Saga struct {
	machine        *Machine
	steps          []Step
	boundary       Boundary
	autoCompensate bool
	log            *slog.Logger

	mu   sync.Mutex
	next int
}

// SagaOption configures a Saga.
type SagaOption func(*Saga)

// WithBoundary attaches a commit/abort boundary.
func WithBoundary(b Boundary) SagaOption {
	return func(s *Saga) { s.boundary = b }
}

// WithAutoCompensate undoes completed steps as soon as a step fails.
// Without it the saga stays FAILED so it can be retried or compensated.
func WithAutoCompensate() SagaOption {
	return func(s *Saga) { s.autoCompensate = true }
}

// WithSagaLogger sets the logger of the saga and its machine.
func WithSagaLogger(l *slog.Logger) SagaOption {
	return func(s *Saga) { s.log = l }
}

// NewSaga creates a saga in the CREATED state.
func NewSaga(name string, steps []Step, opts ...SagaOption) *Saga {
	s := &Saga{steps: append([]Step(nil), steps...)}
	for _, opt := range opts {
		opt(s)
	}

	s.machine = NewMachine(name, s.log)
	s.log = s.machine.log

	return s
}

// Machine returns the state machine of the saga.
func (s *Saga) Machine() *Machine { return s.machine }

// State returns the current state.
func (s *Saga) State() State { return s.machine.State() }

// Completed returns the number of steps done so far.
func (s *Saga) Completed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.next
}

// Run starts the saga from CREATED.
func (s *Saga) Run(ctx context.Context) error {
	if !s.machine.Fire(BeginExecution, "") {
		return fmt.Errorf("%w: run from %s", model.ErrInvalidTransition, s.machine.State())
	}

	return s.execute(ctx)
}

// Pause asks a running saga to stop before its next step.
func (s *Saga) Pause(reason string) bool {
	return s.machine.Fire(Pause, reason)
}

// Resume continues a paused saga.
func (s *Saga) Resume(ctx context.Context) error {
	if !s.machine.Fire(Resume, "") {
		return fmt.Errorf("%w: resume from %s", model.ErrInvalidTransition, s.machine.State())
	}

	return s.execute(ctx)
}

// Retry re-runs a failed saga starting at the step that failed.
func (s *Saga) Retry(ctx context.Context) error {
	if !s.machine.Fire(Retry, "") {
		return fmt.Errorf("%w: retry from %s", model.ErrInvalidTransition, s.machine.State())
	}

	return s.execute(ctx)
}

// Compensate undoes the completed steps of a failed saga in reverse order.
func (s *Saga) Compensate(ctx context.Context) error {
	if !s.machine.Fire(BeginUndo, "") {
		return fmt.Errorf("%w: compensate from %s", model.ErrInvalidTransition, s.machine.State())
	}

	return s.undo(ctx)
}

// Cancel fails a paused or running saga with reason and compensates its
// completed steps.
func (s *Saga) Cancel(ctx context.Context, reason string) error {
	if !s.machine.Fire(Fail, reason) {
		return fmt.Errorf("%w: cancel from %s", model.ErrInvalidTransition, s.machine.State())
	}

	return s.Compensate(ctx)
}

func (s *Saga) execute(ctx context.Context) error {
	ctx = WithMachine(ctx, s.machine)

	for {
		if s.machine.State() == Paused {
			return ErrPaused
		}

		s.mu.Lock()
		i := s.next
		s.mu.Unlock()

		if i >= len(s.steps) {
			break
		}

		step := s.steps[i]

		err := ctx.Err()
		if err == nil && step.Do != nil {
			err = step.Do(ctx)
		}

		if err != nil {
			return s.fail(ctx, &StepError{Step: step.Name, Err: err})
		}

		s.mu.Lock()
		s.next++
		s.mu.Unlock()
	}

	if s.boundary != nil {
		if err := s.boundary.BeforeCommit(ctx); err != nil {
			return s.fail(ctx, fmt.Errorf("before commit: %w", err))
		}
	}

	if !s.machine.Fire(Commit, "") {
		if s.machine.State() == Paused {
			return ErrPaused
		}
		return fmt.Errorf("%w: commit from %s", model.ErrInvalidTransition, s.machine.State())
	}

	if s.boundary != nil {
		s.boundary.AfterCommit(ctx)
	}

	s.log.Info("workflow committed",
		slog.String("workflow_id", s.machine.ID()),
		slog.String("workflow", s.machine.Name()),
		slog.Int("steps", len(s.steps)),
	)

	return nil
}

func (s *Saga) fail(ctx context.Context, cause error) error {
	s.machine.Fire(Fail, cause.Error())

	s.log.Warn("workflow step failed",
		slog.String("workflow_id", s.machine.ID()),
		slog.String("workflow", s.machine.Name()),
		slog.String("error", cause.Error()),
	)

	if !s.autoCompensate {
		return cause
	}

	if err := s.Compensate(ctx); err != nil {
		return errors.Join(cause, err)
	}

	return cause
}

// undo runs every completed step's Undo in reverse order, even when one of
// them fails, then settles in UNDONE or FAILED_UNDO.
func (s *Saga) undo(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	done := s.next
	s.mu.Unlock()

	var errs []error
	for i := done - 1; i >= 0; i-- {
		step := s.steps[i]
		if step.Undo == nil {
			continue
		}

		if err := step.Undo(ctx); err != nil {
			errs = append(errs, &StepError{Step: step.Name, Err: err})
		}
	}

	s.mu.Lock()
	s.next = 0
	s.mu.Unlock()

	if s.boundary != nil {
		s.boundary.Abort(ctx)
	}

	if err := errors.Join(errs...); err != nil {
		s.machine.Fire(UndoFailed, err.Error())
		return fmt.Errorf("compensation failed: %w", err)
	}

	s.machine.Fire(UndoComplete, "")

	return nil
}
