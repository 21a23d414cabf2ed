package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"codeheal/internal/embedding"
	apperrors "codeheal/internal/errors"
	"codeheal/types"

	"github.com/philippgille/chromem-go"
)

const collectionName = "knowledge"

// ChromemBackend stores entries as chromem documents. The full entry is kept
// as JSON in the document metadata; an in-memory index mirrors it for reads.
type ChromemBackend struct {
	db         *chromem.DB
	collection *chromem.Collection
	path       string

	mu    sync.RWMutex
	cache map[string]*types.KnowledgeEntry
}

// OpenChromem opens or creates a persistent knowledge collection at path.
// dim must match the embedder used by the store.
func OpenChromem(path string, embedder embedding.Embedder, dim int) (*ChromemBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required for persistent knowledge store")
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("failed to create knowledge directory %s: %w", path, err)
	}

	// A stale LOCK file from a crashed process blocks reopening
	lockFile := filepath.Join(path, "LOCK")
	if _, err := os.Stat(lockFile); err == nil {
		if err := os.Remove(lockFile); err != nil {
			log.Printf("⚠️  Knowledge store: failed to remove stale LOCK file: %v", err)
		}
	}

	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open chromem db: %w", err)
	}

	collection, err := db.GetOrCreateCollection(collectionName, nil, embedding.ChromemFunc(embedder))
	if err != nil {
		return nil, fmt.Errorf("failed to get/create %s collection: %w", collectionName, err)
	}

	b := &ChromemBackend{
		db:         db,
		collection: collection,
		path:       path,
		cache:      make(map[string]*types.KnowledgeEntry),
	}
	if err := b.load(dim); err != nil {
		return nil, err
	}

	log.Printf("📚 Knowledge store: loaded %d entries from %s", len(b.cache), path)
	return b, nil
}

// load pulls every stored document into the cache with a full-size query.
func (b *ChromemBackend) load(dim int) error {
	n := b.collection.Count()
	if n == 0 {
		return nil
	}

	probe := make([]float32, dim)
	probe[0] = 1
	results, err := b.collection.QueryEmbedding(context.Background(), probe, n, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to load knowledge entries: %w", err)
	}

	for _, res := range results {
		entry, err := decodeEntry(res.Metadata)
		if err != nil {
			log.Printf("⚠️  Knowledge store: skipping unreadable entry %s: %v", res.ID, err)
			continue
		}
		b.cache[entry.ID] = entry
	}
	return nil
}

func (b *ChromemBackend) Put(ctx context.Context, entry *types.KnowledgeEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal knowledge entry: %w", err)
	}

	doc := chromem.Document{
		ID:        entry.ID,
		Content:   entry.Content,
		Embedding: entry.Embedding,
		Metadata: map[string]string{
			"type":   string(entry.Type),
			"source": entry.Source,
			"entry":  string(data),
		},
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to upsert knowledge entry %s: %w", entry.ID, err)
	}
	b.cache[entry.ID] = cloneEntry(entry)
	return nil
}

func (b *ChromemBackend) Get(_ context.Context, id string) (*types.KnowledgeEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.cache[id]
	if !ok {
		return nil, fmt.Errorf("knowledge entry %s: %w", id, apperrors.ErrNotFound)
	}
	return cloneEntry(e), nil
}

func (b *ChromemBackend) All(_ context.Context) ([]*types.KnowledgeEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*types.KnowledgeEntry, 0, len(b.cache))
	for _, e := range b.cache {
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

func (b *ChromemBackend) Nearest(ctx context.Context, vector []float32, n int) ([]Match, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := b.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if n <= 0 || n > count {
		n = count
	}

	results, err := b.collection.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, res := range results {
		e, ok := b.cache[res.ID]
		if !ok {
			continue
		}
		matches = append(matches, Match{Entry: cloneEntry(e), Similarity: float64(res.Similarity)})
	}
	return matches, nil
}

func (b *ChromemBackend) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.cache)
}

// Close drops the handle; chromem persists on every write and has no Close.
func (b *ChromemBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.db = nil
	return nil
}

func decodeEntry(metadata map[string]string) (*types.KnowledgeEntry, error) {
	raw, ok := metadata["entry"]
	if !ok {
		return nil, fmt.Errorf("missing entry metadata")
	}
	var entry types.KnowledgeEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}
