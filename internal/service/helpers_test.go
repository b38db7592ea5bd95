package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jnst/txevents/internal/eventbus"
	"github.com/jnst/txevents/internal/logger"
	"github.com/jnst/txevents/internal/model"
	"github.com/jnst/txevents/internal/repository"
	"github.com/jnst/txevents/internal/sideeffect"
)

var errBoom = errors.New("boom")

type fixture struct {
	store   *repository.MemoryStore
	repo    repository.OutboxRepository
	tm      repository.TransactionManager
	bus     *eventbus.Bus
	adapter *sideeffect.Adapter
	uow     *UnitOfWorkImpl
	events  EventService
}

func fastPolicy(mode sideeffect.Mode) sideeffect.Policy {
	return sideeffect.Policy{
		Mode:              mode,
		Timeout:           time.Second,
		MaxRetries:        1,
		InitialDelay:      time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		BackoffMultiplier: 2,
		FailOnError:       mode == sideeffect.BeforeCommit,
	}
}

func newFixture(t *testing.T, policies map[string]sideeffect.Policy) *fixture {
	t.Helper()

	reg := sideeffect.NewPolicyRegistry(fastPolicy(sideeffect.AfterCommit))
	for kind, p := range policies {
		require.NoError(t, reg.Set(kind, p))
	}

	f := &fixture{store: repository.NewMemoryStore()}
	f.repo = repository.NewMemoryOutboxRepository(f.store)
	f.tm = repository.NewMemoryTransactionManager(f.store)
	f.bus = eventbus.New(eventbus.WithLogger(logger.Discard()))
	f.adapter = sideeffect.NewAdapter(reg, sideeffect.WithAdapterLogger(logger.Discard()))
	f.uow = NewUnitOfWorkImpl(f.tm, f.adapter, logger.Discard())
	f.events = NewEventServiceImpl(f.uow, f.repo, f.bus)

	t.Cleanup(f.bus.Close)

	return f
}

// recorder collects the kinds delivered to a handler.
type recorder struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recorder) handle(_ context.Context, e model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, e.Kind)
	return nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kinds...)
}

// fakeAppender stands in for the Redis stream writer.
type fakeAppender struct {
	mu       sync.Mutex
	appended []model.Event
	failFor  map[string]bool
}

func (a *fakeAppender) Append(_ context.Context, e model.Event) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failFor[e.ID] {
		return "", errBoom
	}

	a.appended = append(a.appended, e)
	return "0-" + e.ID, nil
}
