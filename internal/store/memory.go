package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandloop/strand/pkg/models"
)

// MemoryStore implements Store with in-process maps. Intended for tests
// and single-node development.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	messages map[string][]*models.Message // threadID -> chronological
	runs     map[string]*models.Run
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]*models.Thread),
		messages: make(map[string][]*models.Message),
		runs:     make(map[string]*models.Run),
	}
}

func (s *MemoryStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now()
	}
	s.threads[thread.ID] = cloneThread(thread)
	return nil
}

func (s *MemoryStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[id]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return cloneThread(thread), nil
}

func (s *MemoryStore) AddMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[msg.ThreadID]; !ok {
		return ErrThreadNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.messages[msg.ThreadID] = append(s.messages[msg.ThreadID], cloneMessage(msg))
	return nil
}

func (s *MemoryStore) GetMessages(ctx context.Context, threadID string, opts ListOptions) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.threads[threadID]; !ok {
		return nil, ErrThreadNotFound
	}
	stored := s.messages[threadID]

	start := 0
	if opts.Limit > 0 && len(stored) > opts.Limit {
		start = len(stored) - opts.Limit
	}
	window := stored[start:]

	out := make([]models.Message, len(window))
	if opts.Descending {
		for i, msg := range window {
			out[len(window)-1-i] = *cloneMessage(msg)
		}
	} else {
		for i, msg := range window {
			out[i] = *cloneMessage(msg)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = models.RunQueued
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, id string, patch RunPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if patch.Status != nil {
		run.Status = *patch.Status
	}
	if patch.LastError != nil {
		run.LastError = *patch.LastError
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		run.CompletedAt = &t
	}
	return nil
}

func cloneThread(t *models.Thread) *models.Thread {
	out := *t
	out.Metadata = cloneMeta(t.Metadata)
	return &out
}

func cloneMessage(m *models.Message) *models.Message {
	out := *m
	out.Metadata = cloneMeta(m.Metadata)
	return &out
}

func cloneRun(r *models.Run) *models.Run {
	out := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	out.Config = r.Config.Clone()
	return &out
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
