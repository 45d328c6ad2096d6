package notify

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultBufferSize is the replay ring capacity when AEGIS_EVENT_BUFFER
	// is not set.
	DefaultBufferSize = 1000

	defaultSubscriberBuffer = 64
)

type (
	// Event is one broadcast occurrence. Seq is assigned at publish time and
	// is strictly increasing per process.
	Event struct {
		Seq     uint64         `json:"seq"`
		Kind    string         `json:"kind"`
		Payload map[string]any `json:"payload"`
		At      time.Time      `json:"at"`
	}

	// Sink receives every published event out-of-band, e.g. for Kafka
	// export. Deliver must not block.
	Sink interface {
		Deliver(event Event)
	}

	// Notifier is the process-wide broadcaster. Publishing never blocks:
	// a subscriber that cannot keep up is disconnected, and reconnecting
	// clients replay missed events from the ring by sequence number.
	Notifier struct {
		mu          sync.Mutex
		seq         uint64
		ring        []Event
		head        int
		count       int
		subBuffer   int
		subscribers map[uint64]chan Event
		nextSubID   uint64
		sinks       []Sink
		logger      *slog.Logger
		now         func() time.Time
	}

	// Option configures a Notifier.
	Option func(*Notifier)
)

// WithBufferSize sets the replay ring capacity.
func WithBufferSize(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.ring = make([]Event, size)
		}
	}
}

// WithSubscriberBuffer sets the per-subscriber channel capacity beyond the
// backfill.
func WithSubscriberBuffer(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.subBuffer = size
		}
	}
}

// WithSink attaches an out-of-band delivery sink.
func WithSink(sink Sink) Option {
	return func(n *Notifier) {
		n.sinks = append(n.sinks, sink)
	}
}

// NewNotifier creates a Notifier.
func NewNotifier(logger *slog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		ring:        make([]Event, DefaultBufferSize),
		subBuffer:   defaultSubscriberBuffer,
		subscribers: make(map[uint64]chan Event),
		logger:      logger.With(slog.String("component", "notifier")),
		now:         func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Publish assigns the next sequence number, records the event in the replay
// ring, and fans it out. Subscribers with a full channel are disconnected.
func (n *Notifier) Publish(kind string, payload map[string]any) {
	n.mu.Lock()

	n.seq++
	event := Event{Seq: n.seq, Kind: kind, Payload: payload, At: n.now()}

	n.ring[(n.head+n.count)%len(n.ring)] = event
	if n.count < len(n.ring) {
		n.count++
	} else {
		n.head = (n.head + 1) % len(n.ring)
	}

	for id, ch := range n.subscribers {
		select {
		case ch <- event:
		default:
			// Lagged consumer. Closing the channel is its disconnect signal.
			close(ch)
			delete(n.subscribers, id)
			n.logger.Warn("disconnecting lagged subscriber", slog.Uint64("subscriber_id", id))
		}
	}

	sinks := n.sinks
	n.mu.Unlock()

	for _, sink := range sinks {
		sink.Deliver(event)
	}
}

// Subscribe registers a consumer. Ring events with a sequence number greater
// than lastSeq are replayed into the channel before any live event; pass the
// current LastSeq for live-only delivery. The channel is closed when the
// subscriber lags or Unsubscribe is called.
func (n *Notifier) Subscribe(lastSeq uint64) (uint64, <-chan Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	backfill := n.replayLocked(lastSeq)

	ch := make(chan Event, len(backfill)+n.subBuffer)
	for _, event := range backfill {
		ch <- event
	}

	n.nextSubID++
	id := n.nextSubID
	n.subscribers[id] = ch

	return id, ch
}

// Unsubscribe removes a consumer and closes its channel. Safe to call after
// a lag disconnect.
func (n *Notifier) Unsubscribe(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ch, ok := n.subscribers[id]; ok {
		close(ch)
		delete(n.subscribers, id)
	}
}

// SubscriberCount returns the number of connected consumers.
func (n *Notifier) SubscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.subscribers)
}

// LastSeq returns the most recently assigned sequence number.
func (n *Notifier) LastSeq() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.seq
}

func (n *Notifier) replayLocked(lastSeq uint64) []Event {
	var backfill []Event

	for i := 0; i < n.count; i++ {
		event := n.ring[(n.head+i)%len(n.ring)]
		if event.Seq > lastSeq {
			backfill = append(backfill, event)
		}
	}

	return backfill
}
