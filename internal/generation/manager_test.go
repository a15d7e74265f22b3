package generation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTask(t *testing.T, m *Manager, id string, userID int64) (context.Context, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	require.NoError(t, m.Start(Record{ID: id, UserID: userID, Provider: "lmstudio", Model: "qwen"}, NewTask(cancel, done)))
	return ctx, done
}

func TestCancelByOwner(t *testing.T) {
	m := NewManager()
	ctx, _ := startTask(t, m, "g1", 7)

	assert.False(t, m.IsCanceled("g1"))
	assert.True(t, m.Cancel("g1", 7))
	assert.True(t, m.IsCanceled("g1"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled, "task context is canceled")

	assert.False(t, m.Cancel("g1", 7), "only the first cancel succeeds")
	assert.True(t, m.IsCanceled("g1"))
}

func TestSecondCancelDoesNotRecancelTask(t *testing.T) {
	m := NewManager()
	calls := 0
	require.NoError(t, m.Start(Record{ID: "g1", UserID: 7}, NewTask(func() { calls++ }, nil)))

	require.True(t, m.Cancel("g1", 7))
	assert.False(t, m.Cancel("g1", 7))
	assert.Equal(t, 1, calls)
}

func TestCancelByStrangerChangesNothing(t *testing.T) {
	m := NewManager()
	ctx, _ := startTask(t, m, "g1", 7)

	assert.False(t, m.Cancel("g1", 8))
	assert.False(t, m.IsCanceled("g1"))
	assert.NoError(t, ctx.Err())
}

func TestCancelUnknown(t *testing.T) {
	m := NewManager()
	assert.False(t, m.Cancel("missing", 1))
	assert.False(t, m.IsCanceled("missing"))
}

func TestCancelFinishedTaskOnlyMarks(t *testing.T) {
	m := NewManager()
	calls := 0
	done := make(chan struct{})
	close(done)
	require.NoError(t, m.Start(Record{ID: "g1", UserID: 1}, NewTask(func() { calls++ }, done)))

	assert.True(t, m.Cancel("g1", 1))
	assert.True(t, m.IsCanceled("g1"))
	assert.Equal(t, 0, calls)
}

func TestCleanup(t *testing.T) {
	m := NewManager()
	startTask(t, m, "g1", 1)
	require.True(t, m.Cancel("g1", 1))

	m.Cleanup("g1")
	m.Cleanup("g1")
	m.Cleanup("never-existed")

	assert.False(t, m.IsCanceled("g1"))
	assert.False(t, m.Cancel("g1", 1))
	assert.Equal(t, 0, m.Len())
}

func TestStartRejectsDuplicate(t *testing.T) {
	m := NewManager()
	startTask(t, m, "g1", 1)
	err := m.Start(Record{ID: "g1", UserID: 2}, Task{})
	assert.ErrorIs(t, err, ErrExists)

	rec, ok := m.Get("g1")
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.UserID)
}

func TestActive(t *testing.T) {
	m := NewManager()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	startTask(t, m, "a", 1)
	startTask(t, m, "b", 2)
	startTask(t, m, "c", 1)

	active := m.Active(1)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "c", active[1].ID)
	assert.Empty(t, m.Active(3))
}

func TestActiveSkipsCanceledAndFinished(t *testing.T) {
	m := NewManager()
	startTask(t, m, "running", 1)
	startTask(t, m, "canceled", 1)
	_, done := startTask(t, m, "finished", 1)

	require.True(t, m.Cancel("canceled", 1))
	close(done)

	active := m.Active(1)
	require.Len(t, active, 1)
	assert.Equal(t, "running", active[0].ID)

	_, ok := m.Get("canceled")
	assert.True(t, ok, "canceled record stays until cleanup")
}

func TestConcurrentAccess(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i%26))
			_ = m.Start(Record{ID: id, UserID: 1}, Task{})
			m.Cancel(id, 1)
			m.IsCanceled(id)
			m.Active(1)
			m.Cleanup(id)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, m.Len())
}
