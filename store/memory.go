package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type docRecord struct {
	info    DocumentInfo
	history []Revision
}

// MemoryStore is an in-memory implementation of DocumentStore.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*docRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*docRecord)}
}

func (s *MemoryStore) Create(_ context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[id]; exists {
		return fmt.Errorf("document %q: %w", id, ErrExists)
	}
	now := time.Now()
	s.docs[id] = &docRecord{
		info: DocumentInfo{
			ID:        id,
			Content:   content,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	info := rec.info
	return &info, nil
}

func (s *MemoryStore) List(_ context.Context) ([]DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]DocumentInfo, 0, len(s.docs))
	for _, rec := range s.docs {
		result = append(result, rec.info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) UpdateContent(_ context.Context, id, content string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	rec.info.Content = content
	rec.info.Version = version
	rec.info.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AppendRevision(_ context.Context, id string, rev Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if want := len(rec.history) + 1; rev.Version != want {
		return fmt.Errorf("document %q: revision %d out of order, want %d", id, rev.Version, want)
	}
	rec.history = append(rec.history, rev)
	rec.info.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetRevisions(_ context.Context, id string, fromVersion int) ([]Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if fromVersion < 0 || fromVersion > len(rec.history) {
		return nil, fmt.Errorf("document %q: from %d: %w", id, fromVersion, ErrVersion)
	}
	revs := make([]Revision, len(rec.history)-fromVersion)
	copy(revs, rec.history[fromVersion:])
	return revs, nil
}
