package knowledge

import (
	"context"
	"log"

	"codeheal/internal/events"
	"codeheal/types"
)

// Reinforcer persists pattern entries synthesized by batch review runs.
type Reinforcer struct {
	store *Store
}

// NewReinforcer creates a reinforcer writing into store
func NewReinforcer(store *Store) *Reinforcer {
	return &Reinforcer{store: store}
}

// Run consumes batch pattern events until the channel closes or ctx ends.
func (r *Reinforcer) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.handle(ctx, e)
		}
	}
}

func (r *Reinforcer) handle(ctx context.Context, e events.Event) {
	if e.Type != events.BatchPattern {
		return
	}
	entry, ok := e.Payload.(types.KnowledgeEntry)
	if !ok {
		log.Printf("⚠️  Reinforcer: batch pattern event without entry payload")
		return
	}

	stored, result, err := r.store.AddKnowledge(ctx, entry)
	if err != nil {
		log.Printf("⚠️  Reinforcer: failed to store batch pattern: %v", err)
		return
	}
	log.Printf("🧠 Reinforcer: batch pattern %s (%s)", stored.ID, result)
}
