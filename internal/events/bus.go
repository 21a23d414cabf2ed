package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the kinds of events flowing through the bus
type EventType string

const (
	// Crawl events
	CrawlStarted   EventType = "crawl_started"
	CrawlCompleted EventType = "crawl_completed"
	IssueDetected  EventType = "issue_detected"

	// Review events
	ReviewDecided EventType = "review_decided"
	BatchPattern  EventType = "batch_pattern"

	// Pipeline events
	PipelineStage     EventType = "pipeline_stage"
	PipelineCompleted EventType = "pipeline_completed"
	FixRolledBack     EventType = "fix_rolled_back"

	// System events
	BreakerChanged EventType = "breaker_changed"
	KnowledgeAdded EventType = "knowledge_added"
	APIError       EventType = "api_error"
)

// Event is a single notification. Payload carries the typed domain value
// for in-process subscribers; Data is the flat form sent over the wire.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Payload   interface{}            `json:"payload,omitempty"`
}

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(e Event)
}

type subscription struct {
	name  string
	ch    chan Event
	types map[EventType]bool
}

// Bus fans events out to subscribers over buffered channels. A subscriber
// that falls behind loses events rather than blocking the publisher.
type Bus struct {
	buffer  int
	mu      sync.RWMutex
	subs    map[int]*subscription
	nextID  int
	closed  bool
	dropped atomic.Int64
}

// NewBus creates a bus whose subscriber channels hold buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		buffer: buffer,
		subs:   make(map[int]*subscription),
	}
}

// Subscribe registers a subscriber for the given types, or all types when
// none are given. The returned function unsubscribes and closes the channel.
func (b *Bus) Subscribe(name string, types ...EventType) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		name: name,
		ch:   make(chan Event, b.buffer),
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish delivers e to every interested subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[e.Type] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
			log.Printf("⚠️  Event bus: subscriber %s is full, dropped %s", sub.name, e.Type)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}
