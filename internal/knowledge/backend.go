package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"codeheal/internal/embedding"
	apperrors "codeheal/internal/errors"
	"codeheal/types"
)

// Match is a backend hit with its cosine similarity to the query
type Match struct {
	Entry      *types.KnowledgeEntry
	Similarity float64
}

// Backend persists knowledge entries. Implementations must be safe for
// concurrent use and return copies the caller may modify.
type Backend interface {
	Put(ctx context.Context, entry *types.KnowledgeEntry) error
	Get(ctx context.Context, id string) (*types.KnowledgeEntry, error)
	All(ctx context.Context) ([]*types.KnowledgeEntry, error)
	Nearest(ctx context.Context, vector []float32, n int) ([]Match, error)
	Count() int
	Close() error
}

// MemoryBackend keeps entries in a map and searches by brute force
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*types.KnowledgeEntry
}

// NewMemoryBackend creates an empty in-process backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]*types.KnowledgeEntry)}
}

func (m *MemoryBackend) Put(_ context.Context, entry *types.KnowledgeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.ID] = cloneEntry(entry)
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, id string) (*types.KnowledgeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("knowledge entry %s: %w", id, apperrors.ErrNotFound)
	}
	return cloneEntry(e), nil
}

func (m *MemoryBackend) All(_ context.Context) ([]*types.KnowledgeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.KnowledgeEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

func (m *MemoryBackend) Nearest(_ context.Context, vector []float32, n int) ([]Match, error) {
	m.mu.RLock()
	matches := make([]Match, 0, len(m.entries))
	for _, e := range m.entries {
		matches = append(matches, Match{Entry: cloneEntry(e), Similarity: embedding.Cosine(vector, e.Embedding)})
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if n > 0 && len(matches) > n {
		matches = matches[:n]
	}
	return matches, nil
}

func (m *MemoryBackend) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryBackend) Close() error { return nil }

func cloneEntry(e *types.KnowledgeEntry) *types.KnowledgeEntry {
	c := *e
	c.Tags = append([]string(nil), e.Tags...)
	c.Embedding = append([]float32(nil), e.Embedding...)
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
