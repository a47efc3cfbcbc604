package store

import (
	"context"
	"sync"

	"github.com/teamKimtaerin/ecg-backend/internal/model"
)

// MemoryStore is an in-process JobStore used by tests and Redis-less
// development. Get and Save exchange copies so callers never share a record.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]model.UploadJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]model.UploadJob)}
}

func (s *MemoryStore) Create(ctx context.Context, job *model.UploadJob) error {
	return s.Save(ctx, job)
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*model.UploadJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := job
	return &copied, nil
}

func (s *MemoryStore) Save(ctx context.Context, job *model.UploadJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = *job
	return nil
}

// SaveIfRunning swaps the record under the store lock, refusing once a
// terminal state has been committed.
func (s *MemoryStore) SaveIfRunning(ctx context.Context, job *model.UploadJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.jobs[job.ID]; ok && cur.State.Terminal() {
		return false, nil
	}
	s.jobs[job.ID] = *job
	return true, nil
}

// Len reports the number of stored jobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
