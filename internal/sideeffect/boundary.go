package sideeffect

import (
	"context"
	"fmt"
	"sync"
)

// Boundary binds an adapter to one queue and exposes the commit and abort
// points of a multi-step operation. It satisfies workflow.Boundary.
type Boundary struct {
	adapter *Adapter
	queue   *Queue

	mu      sync.Mutex
	reports []Report
}

// NewBoundary creates a boundary over a fresh queue.
func NewBoundary(adapter *Adapter) *Boundary {
	return &Boundary{adapter: adapter, queue: NewQueue()}
}

// Queue returns the queue collecting the operation's effects.
func (b *Boundary) Queue() *Queue { return b.queue }

// Context returns ctx carrying the boundary's queue.
func (b *Boundary) Context(ctx context.Context) context.Context {
	return WithQueue(ctx, b.queue)
}

// BeforeCommit validates the queued effects and runs the before-commit ones.
// When one of them fails the queue is reopened, so that a later BeforeCommit
// runs the failed effect and the ones after it again.
func (b *Boundary) BeforeCommit(ctx context.Context) error {
	if err := b.adapter.PreValidate(ctx, b.queue); err != nil {
		return err
	}

	report, err := b.adapter.PreCommit(ctx, b.queue)
	b.keep(report)
	if err != nil {
		b.queue.reopen()
		return fmt.Errorf("pre-commit: %w", err)
	}

	return nil
}

// AfterCommit runs the deferred after-commit effects.
func (b *Boundary) AfterCommit(ctx context.Context) {
	b.keep(b.adapter.PostCommit(ctx, b.queue))
}

// Abort discards the queued effects.
func (b *Boundary) Abort(ctx context.Context) {
	b.adapter.OnAbort(ctx, b.queue)
}

// Reports returns the phase reports gathered so far.
func (b *Boundary) Reports() []Report {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Report(nil), b.reports...)
}

func (b *Boundary) keep(r Report) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reports = append(b.reports, r)
}
