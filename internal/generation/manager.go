// Package generation tracks in-flight generations so they can be canceled
// by their owner from a different request.
package generation

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrExists is returned by Start when the id is already registered.
var ErrExists = errors.New("generation already registered")

// Task is the handle for the background work driving one generation.
type Task struct {
	cancel context.CancelFunc
	done   <-chan struct{}
}

// NewTask wraps a cancel function and a channel closed when the work
// finishes. done may be nil if completion isn't observable.
func NewTask(cancel context.CancelFunc, done <-chan struct{}) Task {
	return Task{cancel: cancel, done: done}
}

func (t Task) finished() bool {
	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Record describes one registered generation.
type Record struct {
	ID             string
	UserID         int64
	ConversationID int64
	Provider       string
	Model          string
	CreatedAt      time.Time
	Canceled       bool

	task Task
}

// Manager is the registry of in-flight generations. It is created once and
// injected wherever generations are started or canceled.
type Manager struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{records: make(map[string]*Record), now: time.Now}
}

// Start registers a generation. rec.CreatedAt is set by the manager.
func (m *Manager) Start(rec Record, task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ID]; ok {
		return ErrExists
	}
	rec.CreatedAt = m.now()
	rec.Canceled = false
	rec.task = task
	m.records[rec.ID] = &rec
	return nil
}

// Cancel marks the generation canceled and stops its task if it is still
// running. It returns true only for the first cancel by the owner; unknown
// ids, other users' ids and repeat cancels return false and change nothing.
func (m *Manager) Cancel(id string, userID int64) bool {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok || rec.UserID != userID || rec.Canceled {
		m.mu.Unlock()
		return false
	}
	rec.Canceled = true
	task := rec.task
	m.mu.Unlock()

	if task.cancel != nil && !task.finished() {
		task.cancel()
	}
	return true
}

// IsCanceled reports whether id has been canceled. Unknown ids are not.
func (m *Manager) IsCanceled(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return ok && rec.Canceled
}

// Cleanup forgets id. Unknown ids are ignored.
func (m *Manager) Cleanup(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
}

// Get returns a copy of the record for id.
func (m *Manager) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Active returns copies of userID's generations that are still running,
// oldest first. Canceled and finished ones are left out even while their
// records await cleanup.
func (m *Manager) Active(userID int64) []Record {
	m.mu.Lock()
	var out []Record
	for _, rec := range m.records {
		if rec.UserID == userID && !rec.Canceled && !rec.task.finished() {
			out = append(out, *rec)
		}
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Record) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Len is the number of registered generations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
