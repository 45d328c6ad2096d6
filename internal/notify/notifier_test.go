package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.DiscardHandler)

func TestPublishAssignsMonotonicSequence(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	n := NewNotifier(testLogger)
	_, ch := n.Subscribe(0)

	for i := 0; i < 5; i++ {
		n.Publish(KindScanCompleted, map[string]any{"tables_scanned": i})
	}

	for want := uint64(1); want <= 5; want++ {
		event := <-ch
		assert.Equal(t, want, event.Seq)
		assert.Equal(t, KindScanCompleted, event.Kind)
		assert.False(t, event.At.IsZero())
	}

	assert.Equal(t, uint64(5), n.LastSeq())
}

func TestSubscribersObserveIdenticalOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	n := NewNotifier(testLogger)

	_, a := n.Subscribe(0)
	_, b := n.Subscribe(0)

	kinds := []string{KindAnomalyDetected, KindIncidentCreated, KindIncidentUpdated}
	for _, kind := range kinds {
		n.Publish(kind, nil)
	}

	for _, ch := range []<-chan Event{a, b} {
		for i, kind := range kinds {
			event := <-ch
			assert.Equal(t, uint64(i+1), event.Seq)
			assert.Equal(t, kind, event.Kind)
		}
	}
}

func TestSubscribeBackfillsFromRing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	n := NewNotifier(testLogger)

	for i := 0; i < 10; i++ {
		n.Publish(KindScanCompleted, map[string]any{"cycle": i})
	}

	// A reconnecting client that saw everything through seq 7.
	_, ch := n.Subscribe(7)

	first := <-ch
	assert.Equal(t, uint64(8), first.Seq)
	second := <-ch
	assert.Equal(t, uint64(9), second.Seq)
	third := <-ch
	assert.Equal(t, uint64(10), third.Seq)

	select {
	case event := <-ch:
		t.Fatalf("unexpected extra event seq=%d", event.Seq)
	default:
	}
}

func TestRingEvictsOldestWhenFull(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	n := NewNotifier(testLogger, WithBufferSize(3))

	for i := 0; i < 5; i++ {
		n.Publish(KindScanCompleted, nil)
	}

	_, ch := n.Subscribe(0)

	// Only the last three survive.
	for want := uint64(3); want <= 5; want++ {
		event := <-ch
		assert.Equal(t, want, event.Seq)
	}
}

func TestLaggedSubscriberIsDisconnected(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	n := NewNotifier(testLogger, WithSubscriberBuffer(2))

	_, slow := n.Subscribe(0)

	// Fill the subscriber's buffer and one more.
	for i := 0; i < 3; i++ {
		n.Publish(KindScanCompleted, nil)
	}

	received := 0

	for range slow {
		received++
	}

	assert.Equal(t, 2, received, "the lagged subscriber keeps buffered events and is then closed")

	// The notifier keeps working: a reconnect replays what the ring holds,
	// sized to fit the backfill regardless of the live buffer.
	_, fresh := n.Subscribe(0)
	n.Publish(KindScanCompleted, nil)

	for want := uint64(1); want <= 4; want++ {
		event := <-fresh
		require.Equal(t, want, event.Seq)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	n := NewNotifier(testLogger)

	id, ch := n.Subscribe(0)
	n.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open)

	// Idempotent.
	n.Unsubscribe(id)

	// Publishing after the unsubscribe must not panic.
	n.Publish(KindScanCompleted, nil)
}

func TestConcurrentPublishersKeepSequenceDense(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	n := NewNotifier(testLogger, WithBufferSize(2000))

	var wg sync.WaitGroup

	for p := 0; p < 8; p++ {
		wg.Add(1)

		go func(p int) {
			defer wg.Done()

			for i := 0; i < 100; i++ {
				n.Publish(KindAnomalyDetected, map[string]any{"publisher": fmt.Sprint(p)})
			}
		}(p)
	}

	wg.Wait()

	assert.Equal(t, uint64(800), n.LastSeq())

	// Replay must contain every sequence number exactly once, in order.
	_, ch := n.Subscribe(0)

	for want := uint64(1); want <= 800; want++ {
		event := <-ch
		require.Equal(t, want, event.Seq)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
}

func TestSinksReceiveEveryEvent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	sink := &recordingSink{}
	n := NewNotifier(testLogger, WithSink(sink))

	n.Publish(KindIncidentCreated, map[string]any{"incident_id": "abc"})
	n.Publish(KindIncidentUpdated, nil)

	require.Len(t, sink.events, 2)
	assert.Equal(t, KindIncidentCreated, sink.events[0].Kind)
	assert.Equal(t, uint64(2), sink.events[1].Seq)
}
