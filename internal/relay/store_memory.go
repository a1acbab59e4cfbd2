package relay

import (
	"context"
	"sync"
)

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job)}
}

func (m *MemoryStore) Create(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.SessionID]; ok {
		return ErrExists
	}
	m.jobs[job.SessionID] = job
	return nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[sessionID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

func (m *MemoryStore) Update(_ context.Context, sessionID string, fn func(*Job) error) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[sessionID]
	if !ok {
		return Job{}, ErrNotFound
	}
	if err := fn(&job); err != nil {
		return m.jobs[sessionID], err
	}
	m.jobs[sessionID] = job
	return job, nil
}

func (m *MemoryStore) Close() error { return nil }
