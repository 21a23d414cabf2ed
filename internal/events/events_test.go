package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FilteredDelivery(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	reviews, cancelReviews := bus.Subscribe("reviews", ReviewDecided)
	defer cancelReviews()
	all, cancelAll := bus.Subscribe("all")
	defer cancelAll()

	bus.Publish(Event{Type: CrawlStarted, Source: "test"})
	bus.Publish(Event{Type: ReviewDecided, Source: "test"})

	got := <-reviews
	assert.Equal(t, ReviewDecided, got.Type)
	assert.False(t, got.Timestamp.IsZero(), "publish stamps a timestamp")

	assert.Equal(t, CrawlStarted, (<-all).Type)
	assert.Equal(t, ReviewDecided, (<-all).Type)

	select {
	case e := <-reviews:
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}
}

func TestBus_FullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	_, cancel := bus.Subscribe("slow")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(Event{Type: IssueDetected})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, int64(4), bus.Dropped())
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	bus := NewBus(4)
	ch, cancel := bus.Subscribe("once")
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	other, _ := bus.Subscribe("other")
	bus.Close()
	_, open = <-other
	assert.False(t, open)

	// Publishing after close is a no-op
	bus.Publish(Event{Type: IssueDetected})
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSink_ProduceStripsPayload(t *testing.T) {
	writer := &fakeWriter{}
	sink := &KafkaSink{writer: writer, topic: "test"}

	err := sink.Produce(context.Background(), Event{
		Type:    ReviewDecided,
		Source:  "review",
		Data:    map[string]interface{}{"issue_id": "i1"},
		Payload: struct{ Secret string }{"in-process"},
	})
	require.NoError(t, err)
	require.Len(t, writer.msgs, 1)

	msg := writer.msgs[0]
	assert.Equal(t, "review_decided", string(msg.Key))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.NotContains(t, decoded, "payload")
	assert.Equal(t, "i1", decoded["data"].(map[string]interface{})["issue_id"])
}

func TestKafkaSink_RunSurvivesWriteErrors(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	sink := &KafkaSink{writer: writer, topic: "test"}

	ch := make(chan Event, 2)
	ch <- Event{Type: IssueDetected}
	ch <- Event{Type: IssueDetected}
	close(ch)

	done := make(chan struct{})
	go func() {
		sink.Run(context.Background(), ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sink did not drain the channel")
	}
}
