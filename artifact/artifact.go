// Package artifact stores the documents and outputs steps attach to their
// results.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned (wrapped) for an unknown artifact id.
var ErrNotFound = errors.New("artifact not found")

// Artifact is a named blob produced by a step or attached by a user.
type Artifact struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	ContentType string            `json:"content_type,omitempty"`
	Content     []byte            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Store loads and saves artifacts by id.
type Store interface {
	Save(ctx context.Context, a *Artifact) (string, error)
	Load(ctx context.Context, id string) (*Artifact, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Artifact
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Artifact)}
}

// Save stores a copy of a, assigning an id when it has none.
func (s *MemoryStore) Save(_ context.Context, a *Artifact) (string, error) {
	if a == nil {
		return "", errors.New("save artifact: nil artifact")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	cp := *a
	cp.Content = append([]byte(nil), a.Content...)

	s.mu.Lock()
	s.items[cp.ID] = &cp
	s.mu.Unlock()
	return cp.ID, nil
}

// Load returns a copy of the artifact with the given id.
func (s *MemoryStore) Load(_ context.Context, id string) (*Artifact, error) {
	s.mu.RLock()
	a, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	cp := *a
	cp.Content = append([]byte(nil), a.Content...)
	return &cp, nil
}

// IDs returns every stored id, sorted.
func (s *MemoryStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadAll loads every id, skipping ids that are unknown. The first other
// error aborts.
func LoadAll(ctx context.Context, s Store, ids []string) ([]*Artifact, error) {
	out := make([]*Artifact, 0, len(ids))
	for _, id := range ids {
		a, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// MergeIDs appends the ids of extra not already in base, preserving order.
func MergeIDs(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, id := range list {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
