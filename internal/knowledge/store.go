package knowledge

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"codeheal/internal/breaker"
	"codeheal/internal/embedding"
	apperrors "codeheal/internal/errors"
	"codeheal/internal/events"
	"codeheal/types"

	"github.com/google/uuid"
)

// AddResult tells whether AddKnowledge inserted or merged
type AddResult string

const (
	Stored    AddResult = "stored"
	Duplicate AddResult = "duplicate"
)

// Settings tune duplicate detection and search
type Settings struct {
	// Cosine similarity at or above which same-source entries merge
	DuplicateSimilarity float64
	// Minimum similarity for a query hit to be kept
	MinSimilarity float64
	// Confidence multiplier applied to absorbed entries
	AbsorbDiscount float64
}

// DefaultSettings returns the standard tuning
func DefaultSettings() Settings {
	return Settings{
		DuplicateSimilarity: 0.92,
		MinSimilarity:       0.2,
		AbsorbDiscount:      0.8,
	}
}

// Filters narrow a search
type Filters struct {
	Type          types.KnowledgeType
	Tags          []string
	Source        string
	MinConfidence float64
	Limit         int
}

// Result is one ranked search hit
type Result struct {
	Entry      *types.KnowledgeEntry `json:"entry"`
	Score      float64               `json:"score"`
	Similarity float64               `json:"similarity,omitempty"`
}

// Store is the ranked knowledge repository. Writes are serialized so
// merge and usage updates never lose increments.
type Store struct {
	backend  Backend
	embedder embedding.Embedder
	breaker  *breaker.Breaker
	bus      events.Publisher
	settings Settings
	now      func() time.Time

	writeMu sync.Mutex
}

// NewStore wires a store over backend. Backend calls go through cb.
func NewStore(backend Backend, embedder embedding.Embedder, cb *breaker.Breaker, bus events.Publisher, settings Settings) *Store {
	if embedder == nil {
		embedder = embedding.Local{}
	}
	if cb == nil {
		cb = breaker.New("knowledge_store", breaker.DefaultSettings())
	}
	if bus == nil {
		bus = events.Nop{}
	}
	return &Store{
		backend:  backend,
		embedder: embedder,
		breaker:  cb,
		bus:      bus,
		settings: settings,
		now:      time.Now,
	}
}

// Score ranks an entry: successRate × confidence × log(1+usage)
func Score(e *types.KnowledgeEntry) float64 {
	return e.SuccessRate() * e.Confidence * math.Log1p(float64(e.UsageCount))
}

// AddKnowledge inserts entry, or merges it into an existing near-identical
// entry from the same source. Usage statistics on the input are ignored.
func (s *Store) AddKnowledge(ctx context.Context, entry types.KnowledgeEntry) (*types.KnowledgeEntry, AddResult, error) {
	if err := validateEntry(&entry); err != nil {
		return nil, "", err
	}

	if len(entry.Embedding) == 0 {
		vec, err := s.embedder.Embed(ctx, entry.Content)
		if err != nil {
			return nil, "", fmt.Errorf("failed to embed knowledge content: %w", err)
		}
		entry.Embedding = vec
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.findDuplicate(ctx, &entry)
	if err != nil {
		return nil, "", err
	}

	now := s.now()
	if existing != nil {
		mergeInto(existing, &entry)
		existing.UpdatedAt = now
		if err := s.put(ctx, existing); err != nil {
			return nil, "", err
		}
		return existing, Duplicate, nil
	}

	entry.ID = uuid.New().String()
	entry.UsageCount = 0
	entry.Successes = 0
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if err := s.put(ctx, &entry); err != nil {
		return nil, "", err
	}

	s.bus.Publish(events.Event{
		Type:   events.KnowledgeAdded,
		Source: "knowledge",
		Data: map[string]interface{}{
			"id":     entry.ID,
			"type":   entry.Type,
			"source": entry.Source,
		},
	})
	return &entry, Stored, nil
}

// Search returns entries ranked by Score, most recent first on ties. A
// non-empty query keeps only entries similar enough to it.
func (s *Store) Search(ctx context.Context, query string, filters Filters) ([]Result, error) {
	var candidates []Result

	if strings.TrimSpace(query) == "" {
		all, err := breaker.Do(ctx, s.breaker, s.backend.All)
		if err != nil {
			return nil, err
		}
		for _, e := range all {
			candidates = append(candidates, Result{Entry: e})
		}
	} else {
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		matches, err := breaker.Do(ctx, s.breaker, func(ctx context.Context) ([]Match, error) {
			return s.backend.Nearest(ctx, vec, 0)
		})
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if m.Similarity < s.settings.MinSimilarity {
				continue
			}
			candidates = append(candidates, Result{Entry: m.Entry, Similarity: m.Similarity})
		}
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if !filters.match(c.Entry) {
			continue
		}
		c.Score = Score(c.Entry)
		results = append(results, c)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.UpdatedAt.After(results[j].Entry.UpdatedAt)
	})

	if filters.Limit > 0 && len(results) > filters.Limit {
		results = results[:filters.Limit]
	}
	return results, nil
}

// RecordUsage counts one use of the entry and whether it succeeded. It is
// the only writer of the usage and success fields.
func (s *Store) RecordUsage(ctx context.Context, id string, success bool) (*types.KnowledgeEntry, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	entry, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	entry.UsageCount++
	if success {
		entry.Successes++
	}
	entry.UpdatedAt = s.now()

	if err := s.put(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Get returns one entry
func (s *Store) Get(ctx context.Context, id string) (*types.KnowledgeEntry, error) {
	return breaker.Do(ctx, s.breaker, func(ctx context.Context) (*types.KnowledgeEntry, error) {
		return s.backend.Get(ctx, id)
	})
}

// Count returns the number of stored entries
func (s *Store) Count() int {
	return s.backend.Count()
}

// AbsorbResult summarizes a cross-project import
type AbsorbResult struct {
	Stored int `json:"stored"`
	Merged int `json:"merged"`
	Failed int `json:"failed"`
}

// Absorb imports entries learned elsewhere under source, at a discounted
// confidence. Imported usage history is not carried over.
func (s *Store) Absorb(ctx context.Context, entries []types.KnowledgeEntry, source string) AbsorbResult {
	var res AbsorbResult
	for _, e := range entries {
		imported := e
		imported.ID = ""
		imported.Embedding = nil
		imported.Confidence = e.Confidence * s.settings.AbsorbDiscount
		imported.Metadata = make(map[string]string, len(e.Metadata)+1)
		for k, v := range e.Metadata {
			imported.Metadata[k] = v
		}
		if e.Source != "" {
			imported.Metadata["absorbed_from"] = e.Source
		}
		imported.Source = source

		_, result, err := s.AddKnowledge(ctx, imported)
		switch {
		case err != nil:
			res.Failed++
			log.Printf("⚠️  Knowledge absorb: skipped entry: %v", err)
		case result == Duplicate:
			res.Merged++
		default:
			res.Stored++
		}
	}

	log.Printf("📚 Absorbed knowledge from %s: %d stored, %d merged, %d failed", source, res.Stored, res.Merged, res.Failed)
	return res
}

// Close releases the backend
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) put(ctx context.Context, e *types.KnowledgeEntry) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.backend.Put(ctx, e)
	})
}

// findDuplicate must be called with writeMu held.
func (s *Store) findDuplicate(ctx context.Context, entry *types.KnowledgeEntry) (*types.KnowledgeEntry, error) {
	all, err := breaker.Do(ctx, s.breaker, s.backend.All)
	if err != nil {
		return nil, err
	}

	content := normalizeContent(entry.Content)
	var best *types.KnowledgeEntry
	bestSim := -1.0
	for _, e := range all {
		if e.Type != entry.Type || e.Source != entry.Source || !tagsOverlap(e.Tags, entry.Tags) {
			continue
		}
		sim := embedding.Cosine(e.Embedding, entry.Embedding)
		if normalizeContent(e.Content) == content {
			sim = 1
		}
		if sim >= s.settings.DuplicateSimilarity && sim > bestSim {
			best, bestSim = e, sim
		}
	}
	return best, nil
}

func mergeInto(dst, src *types.KnowledgeEntry) {
	if src.Confidence > dst.Confidence {
		dst.Confidence = src.Confidence
	}
	dst.Tags = unionTags(dst.Tags, src.Tags)
	for k, v := range src.Metadata {
		if dst.Metadata == nil {
			dst.Metadata = make(map[string]string)
		}
		if _, ok := dst.Metadata[k]; !ok {
			dst.Metadata[k] = v
		}
	}
}

func validateEntry(e *types.KnowledgeEntry) error {
	if e.Type != types.KnowledgePattern && e.Type != types.KnowledgeFix {
		return apperrors.NewValidationError("knowledge type must be pattern or fix", map[string]interface{}{"type": e.Type})
	}
	if strings.TrimSpace(e.Content) == "" {
		return apperrors.NewValidationError("knowledge content is required", nil)
	}
	if e.Confidence < 0 || e.Confidence > 1 || math.IsNaN(e.Confidence) {
		return apperrors.NewValidationError("confidence must be within [0,1]", map[string]interface{}{"confidence": e.Confidence})
	}
	return nil
}

func (f Filters) match(e *types.KnowledgeEntry) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if e.Confidence < f.MinConfidence {
		return false
	}
	if len(f.Tags) > 0 && !anyTag(e.Tags, f.Tags) {
		return false
	}
	return true
}

// tagsOverlap treats two untagged entries as overlapping.
func tagsOverlap(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return anyTag(a, b)
}

func anyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}

func unionTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, t := range append(append([]string(nil), a...), b...) {
		k := strings.ToLower(t)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, t)
	}
	return out
}

func normalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
