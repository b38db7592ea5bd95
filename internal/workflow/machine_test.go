package workflow

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/txevents/internal/logger"
)

func TestMachineHappyPath(t *testing.T) {
	m := NewMachine("checkout", logger.Discard())
	require.Equal(t, Created, m.State())

	require.True(t, m.Fire(BeginExecution, ""))
	require.Equal(t, Running, m.State())
	require.True(t, m.Fire(Commit, "done"))
	require.Equal(t, Committed, m.State())

	h := m.History()
	require.Len(t, h, 2)
	assert.Equal(t, Transition{From: Created, To: Running, Trigger: BeginExecution, At: h[0].At}, h[0])
	assert.Equal(t, "done", h[1].Reason)
	assert.False(t, h[1].At.Before(h[0].At))
}

func TestTerminalStatesRejectEveryTrigger(t *testing.T) {
	triggers := []Trigger{BeginExecution, Pause, Resume, Commit, Fail, Retry, BeginUndo, UndoComplete, UndoFailed}

	paths := map[State][]Trigger{
		Committed:  {BeginExecution, Commit},
		Undone:     {Fail, BeginUndo, UndoComplete},
		FailedUndo: {Fail, BeginUndo, UndoFailed},
	}

	for terminal, path := range paths {
		t.Run(string(terminal), func(t *testing.T) {
			m := NewMachine("w", logger.Discard())
			for _, tr := range path {
				require.True(t, m.Fire(tr, ""), tr)
			}
			require.Equal(t, terminal, m.State())
			require.True(t, terminal.Terminal())

			before := len(m.History())
			for _, tr := range triggers {
				assert.False(t, m.Fire(tr, ""), tr)
				assert.False(t, m.CanFire(tr), tr)
			}
			assert.Equal(t, terminal, m.State())
			assert.Len(t, m.History(), before)
		})
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from    State
		trigger Trigger
		to      State
		ok      bool
	}{
		{Created, BeginExecution, Running, true},
		{Created, Fail, Failed, true},
		{Created, Commit, "", false},
		{Running, Pause, Paused, true},
		{Running, Commit, Committed, true},
		{Running, Fail, Failed, true},
		{Running, Resume, "", false},
		{Paused, Resume, Running, true},
		{Paused, Fail, Failed, true},
		{Paused, Commit, "", false},
		{Failed, Retry, Running, true},
		{Failed, BeginUndo, Undoing, true},
		{Failed, Commit, "", false},
		{Undoing, UndoComplete, Undone, true},
		{Undoing, UndoFailed, FailedUndo, true},
		{Undoing, Retry, "", false},
	}

	for _, tt := range tests {
		to, ok := Next(tt.from, tt.trigger)
		assert.Equal(t, tt.ok, ok, "%s + %s", tt.from, tt.trigger)
		assert.Equal(t, tt.to, to, "%s + %s", tt.from, tt.trigger)
	}
}

func TestRetryFromFailed(t *testing.T) {
	m := NewMachine("w", logger.Discard())
	require.True(t, m.Fire(BeginExecution, ""))
	require.True(t, m.Fire(Fail, "boom"))
	require.True(t, m.Fire(Retry, ""))
	require.True(t, m.Fire(Commit, ""))
	assert.Equal(t, Committed, m.State())
}

func TestConcurrentFireAcceptsExactlyOne(t *testing.T) {
	m := NewMachine("w", logger.Discard())
	require.True(t, m.Fire(BeginExecution, ""))

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Fire(Commit, "") {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Len(t, m.History(), 2)
}

func TestMachineContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	m := NewMachine("w", logger.Discard())
	got, ok := FromContext(WithMachine(context.Background(), m))
	require.True(t, ok)
	assert.Same(t, m, got)
	assert.NotEmpty(t, m.ID())
	assert.Equal(t, "w", m.Name())
}
