package openswe

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryThreadStore is an in-process ThreadStore. It is safe for concurrent
// use and intended for tests and local mode; production deployments use
// store/sqlite or store/postgres.
type MemoryThreadStore struct {
	mu      sync.RWMutex
	threads map[string]*Thread
}

var _ ThreadStore = (*MemoryThreadStore)(nil)

// NewMemoryThreadStore creates an empty store.
func NewMemoryThreadStore() *MemoryThreadStore {
	return &MemoryThreadStore{threads: make(map[string]*Thread)}
}

// cloneThread deep-copies through JSON so callers never alias the stored
// slices and maps.
func cloneThread(t *Thread) *Thread {
	raw, err := json.Marshal(t)
	if err != nil {
		cp := *t
		return &cp
	}
	var out Thread
	if err := json.Unmarshal(raw, &out); err != nil {
		cp := *t
		return &cp
	}
	return &out
}

func (s *MemoryThreadStore) CreateThread(_ context.Context, id, graphID string) (*Thread, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	t := &Thread{
		ID:        id,
		GraphID:   graphID,
		Status:    StatusNotStarted,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.threads[id]; exists {
		return nil, &ErrValidation{Field: "threadId", Message: "thread " + id + " already exists"}
	}
	s.threads[id] = t
	return cloneThread(t), nil
}

func (s *MemoryThreadStore) GetThread(_ context.Context, id string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return cloneThread(t), nil
}

func (s *MemoryThreadStore) UpdateThread(_ context.Context, id string, expectVersion int64, state ThreadState, status RunStatus, intr *PendingInterrupt) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return 0, ErrThreadNotFound
	}
	if t.Version != expectVersion {
		return 0, ErrVersionConflict
	}
	next := cloneThread(&Thread{
		ID:        t.ID,
		GraphID:   t.GraphID,
		State:     state,
		Status:    status,
		Interrupt: intr,
		Version:   t.Version + 1,
		CreatedAt: t.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	})
	s.threads[id] = next
	return next.Version, nil
}

func (s *MemoryThreadStore) ListInterrupted(ctx context.Context) ([]*Thread, error) {
	return s.ListByStatus(ctx, StatusInterrupted)
}

func (s *MemoryThreadStore) ListByStatus(_ context.Context, status RunStatus) ([]*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Thread
	for _, t := range s.threads {
		if t.Status == status {
			out = append(out, cloneThread(t))
		}
	}
	return out, nil
}

func (s *MemoryThreadStore) DeleteThread(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, id)
	return nil
}
