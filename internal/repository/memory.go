package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jnst/txevents/internal/model"
)

// MemoryStore is an in-memory outbox used for tests and local prototyping.
// Writes made inside a transaction are staged and only become visible on commit.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*model.OutboxEvent
	byEvID map[string]int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:   make(map[int64]*model.OutboxEvent),
		byEvID: make(map[string]int64),
	}
}

type memTxKey struct{}

type memTx struct {
	staged []*model.OutboxEvent
}

// Len returns the number of committed rows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.rows)
}

// MemoryTransactionManager implements TransactionManager on a MemoryStore.
type MemoryTransactionManager struct {
	store *MemoryStore
}

// NewMemoryTransactionManager creates a transaction manager for store.
func NewMemoryTransactionManager(store *MemoryStore) TransactionManager {
	return &MemoryTransactionManager{store: store}
}

// WithTransaction stages writes made by fn and applies them when fn succeeds.
func (tm *MemoryTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}

	tx := &memTx{}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}

	return tm.store.apply(tx.staged)
}

func (s *MemoryStore) apply(staged []*model.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range staged {
		if _, dup := s.byEvID[row.EventID]; dup {
			return fmt.Errorf("failed to commit transaction: duplicate event_id %s", row.EventID)
		}
	}

	for _, row := range staged {
		s.nextID++
		row.ID = s.nextID
		s.rows[row.ID] = row
		s.byEvID[row.EventID] = row.ID
	}

	return nil
}

// MemoryOutboxRepository implements OutboxRepository on a MemoryStore.
type MemoryOutboxRepository struct {
	store *MemoryStore
	now   func() time.Time
}

// NewMemoryOutboxRepository creates an outbox repository for store.
func NewMemoryOutboxRepository(store *MemoryStore) OutboxRepository {
	return &MemoryOutboxRepository{store: store, now: time.Now}
}

// CreateEvent creates a new outbox event, staged when ctx is transactional.
func (r *MemoryOutboxRepository) CreateEvent(
	ctx context.Context, params *model.CreateOutboxEventParams,
) (*model.OutboxEvent, error) {
	row := &model.OutboxEvent{
		EventID:       params.EventID,
		AggregateID:   params.AggregateID,
		EventType:     params.EventType,
		Payload:       append([]byte(nil), params.Payload...),
		CorrelationID: params.CorrelationID,
		CausationID:   params.CausationID,
		OccurredAt:    params.OccurredAt,
		CreatedAt:     r.now().UTC(),
	}
	if row.OccurredAt.IsZero() {
		row.OccurredAt = row.CreatedAt
	}

	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.staged = append(tx.staged, row)
		return row, nil
	}

	if err := r.store.apply([]*model.OutboxEvent{row}); err != nil {
		return nil, err
	}

	return row, nil
}

// GetUnpublishedEvents retrieves unpublished outbox events in insertion order.
func (r *MemoryOutboxRepository) GetUnpublishedEvents(_ context.Context, limit int) ([]*model.OutboxEvent, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var events []*model.OutboxEvent
	for _, row := range r.store.rows {
		if row.PublishedAt == nil {
			copied := *row
			events = append(events, &copied)
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })

	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}

	return events, nil
}

// MarkAsPublished marks an outbox event as published.
func (r *MemoryOutboxRepository) MarkAsPublished(_ context.Context, id int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	row, ok := r.store.rows[id]
	if !ok {
		return model.ErrEventNotFound
	}

	now := r.now().UTC()
	row.PublishedAt = &now

	return nil
}
