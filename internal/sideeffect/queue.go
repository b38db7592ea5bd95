package sideeffect

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNoQueue is returned when the context carries no side-effect queue.
	ErrNoQueue = errors.New("no side effect queue in context")
	// ErrQueueSealed is returned when enqueueing after the pre-commit phase.
	ErrQueueSealed = errors.New("side effect queue is sealed")
	// ErrDuplicateEffect is returned when an effect ID is already queued.
	ErrDuplicateEffect = errors.New("side effect already queued")
)

type queueState int

const (
	stateOpen queueState = iota
	statePrepared
	stateFinished
	stateAborted
)

// Queue collects the side effects of one unit of work. It deduplicates by
// effect ID and is not meant to be shared across units of work.
type Queue struct {
	mu      sync.Mutex
	pending []Effect
	async   []Effect
	failed  []Effect
	seen    map[string]struct{}
	state   queueState
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{seen: make(map[string]struct{})}
}

// Add queues effect. It fails on duplicates and once the queue is sealed.
func (q *Queue) Add(effect Effect) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != stateOpen {
		return ErrQueueSealed
	}

	if _, ok := q.seen[effect.ID()]; ok {
		return ErrDuplicateEffect
	}

	q.seen[effect.ID()] = struct{}{}
	q.pending = append(q.pending, effect)

	return nil
}

// Enqueue queues effect and reports whether it was accepted.
func (q *Queue) Enqueue(effect Effect) bool {
	return q.Add(effect) == nil
}

// Len returns the number of effects not yet executed or discarded.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending) + len(q.async)
}

// Pending returns a copy of the effects waiting for the pre-commit phase.
func (q *Queue) Pending() []Effect {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]Effect(nil), q.pending...)
}

// seal moves the queue to the prepared state and hands out its pending effects.
func (q *Queue) seal() ([]Effect, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != stateOpen {
		return nil, false
	}

	q.state = statePrepared
	out := q.pending
	q.pending = nil

	return out, true
}

// returnPending gives back sync effects left unexecuted after a fatal failure,
// so that the abort accounts for them.
func (q *Queue) returnPending(effects []Effect) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, effects...)
}

// holdFailed keeps the effect that failed the pre-commit phase so that a
// reopened queue runs it again.
func (q *Queue) holdFailed(effect Effect) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.failed = append(q.failed, effect)
}

// reopen returns a queue whose pre-commit phase failed to the open state,
// with the failed effect first and the remaining ones in their prior order.
func (q *Queue) reopen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != statePrepared || len(q.failed) == 0 {
		return false
	}

	pending := make([]Effect, 0, len(q.failed)+len(q.pending)+len(q.async))
	pending = append(pending, q.failed...)
	pending = append(pending, q.pending...)
	pending = append(pending, q.async...)

	q.pending = pending
	q.async = nil
	q.failed = nil
	q.state = stateOpen

	return true
}

func (q *Queue) deferAsync(effects []Effect) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.async = append(q.async, effects...)
}

// takeAsync finishes the queue and returns the effects deferred past the commit.
func (q *Queue) takeAsync() ([]Effect, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != statePrepared {
		return nil, false
	}

	q.state = stateFinished
	out := q.async
	q.async = nil

	return out, true
}

// discard aborts the queue and returns how many effects were dropped.
func (q *Queue) discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == stateFinished || q.state == stateAborted {
		return 0
	}

	n := len(q.pending) + len(q.async)
	q.pending = nil
	q.async = nil
	q.failed = nil
	q.state = stateAborted

	return n
}

type queueKey struct{}

// WithQueue returns a context carrying q.
func WithQueue(ctx context.Context, q *Queue) context.Context {
	return context.WithValue(ctx, queueKey{}, q)
}

// QueueFrom returns the queue carried by ctx.
func QueueFrom(ctx context.Context) (*Queue, bool) {
	q, ok := ctx.Value(queueKey{}).(*Queue)
	return q, ok && q != nil
}

// Enqueue adds effect to the queue carried by ctx.
func Enqueue(ctx context.Context, effect Effect) error {
	q, ok := QueueFrom(ctx)
	if !ok {
		return ErrNoQueue
	}

	return q.Add(effect)
}
