package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/txevents/internal/logger"
	"github.com/jnst/txevents/internal/metrics"
)

// Transition is one accepted state change.
type Transition struct {
	From    State
	To      State
	Trigger Trigger
	Reason  string
	At      time.Time
}

// Machine holds the state of one workflow. It is safe for concurrent use.
type Machine struct {
	id   string
	name string
	log  *slog.Logger
	now  func() time.Time

	mu      sync.RWMutex
	state   State
	history []Transition
}

// NewMachine creates a machine in the CREATED state.
func NewMachine(name string, l *slog.Logger) *Machine {
	return &Machine{
		id:    uuid.NewString(),
		name:  name,
		log:   logger.Component(l, "workflow"),
		now:   time.Now,
		state: Created,
	}
}

// ID returns the workflow identifier.
func (m *Machine) ID() string { return m.id }

// Name returns the workflow name.
func (m *Machine) Name() string { return m.name }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.state
}

// CanFire reports whether t is allowed in the current state.
func (m *Machine) CanFire(t Trigger) bool {
	_, ok := Next(m.State(), t)
	return ok
}

// Fire applies t. It returns false, leaving the state unchanged, when the
// transition is not in the table.
func (m *Machine) Fire(t Trigger, reason string) bool {
	m.mu.Lock()
	from := m.state
	to, ok := Next(from, t)
	if ok {
		m.state = to
		m.history = append(m.history, Transition{From: from, To: to, Trigger: t, Reason: reason, At: m.now()})
	}
	m.mu.Unlock()

	if !ok {
		metrics.IncWorkflowRejected(string(from), string(t))
		m.log.Debug("workflow transition rejected",
			slog.String("workflow_id", m.id),
			slog.String("state", string(from)),
			slog.String("trigger", string(t)),
		)

		return false
	}

	metrics.IncWorkflowTransition(string(from), string(to))
	m.log.Debug("workflow transition",
		slog.String("workflow_id", m.id),
		slog.String("workflow", m.name),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("trigger", string(t)),
		slog.String("reason", reason),
	)

	return true
}

// History returns a copy of the accepted transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]Transition(nil), m.history...)
}

type machineKey struct{}

// WithMachine returns a context carrying m.
func WithMachine(ctx context.Context, m *Machine) context.Context {
	return context.WithValue(ctx, machineKey{}, m)
}

// FromContext returns the machine carried by ctx.
func FromContext(ctx context.Context) (*Machine, bool) {
	m, ok := ctx.Value(machineKey{}).(*Machine)
	return m, ok && m != nil
}
