package fanout

import (
	"strings"
	"sync"

	"cosmossdk.io/log"
	"github.com/huandu/skiplist"

	"github.com/openalpha/clob-dex/metrics"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 1024

// defaultReplayDepth bounds the shared replay buffer.
const defaultReplayDepth = 8192

// Subscription is one subscriber's ordered view of its topics.
type Subscription struct {
	id     int
	topics map[string]bool
	ch     chan Event
	lagged chan struct{}
	broker *Broker
	once   sync.Once
}

// Events returns the subscriber's event channel. It is closed when the
// subscription ends, either by Close or by a lagged drop.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Lagged is closed when the subscriber was dropped for falling behind.
func (s *Subscription) Lagged() <-chan struct{} {
	return s.lagged
}

// Close detaches the subscriber.
func (s *Subscription) Close() {
	s.broker.remove(s, false)
}

// Broker is an in-process pub-sub with a bounded offset-keyed replay buffer.
// Events within a topic are delivered in strictly increasing update order.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int

	// Replay buffer shared across topics, keyed by (offset << 16 | index)
	// so multi-event transactions keep their in-update order.
	replay      *skiplist.SkipList
	replayDepth int
	seq         map[uint64]uint64 // events already buffered per offset

	log     log.Logger
	metrics *metrics.Collector
}

// NewBroker creates a broker with the given replay depth (entries). Zero
// means the default.
func NewBroker(replayDepth int, logger log.Logger) *Broker {
	if replayDepth <= 0 {
		replayDepth = defaultReplayDepth
	}
	return &Broker{
		subs:        make(map[int]*Subscription),
		replay:      skiplist.New(skiplist.Uint64),
		replayDepth: replayDepth,
		seq:         make(map[uint64]uint64),
		log:         logger.With("component", "fanout"),
		metrics:     metrics.GetCollector(),
	}
}

// Publish delivers events to matching subscribers and records them for
// replay. Subscribers that cannot keep up are dropped with a lagged signal.
func (b *Broker) Publish(events []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var drops []*Subscription
	for _, ev := range events {
		idx := b.seq[ev.Offset]
		b.seq[ev.Offset] = idx + 1
		b.replay.Set(ev.Offset<<16|idx, ev)
		for b.replay.Len() > b.replayDepth {
			front := b.replay.Front()
			delete(b.seq, front.Key().(uint64)>>16)
			b.replay.RemoveFront()
		}
		b.metrics.EventsPublished.WithLabelValues(channelOf(ev)).Inc()

		for _, sub := range b.subs {
			if !sub.matches(ev) {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				drops = append(drops, sub)
			}
		}
	}
	for _, sub := range drops {
		b.dropLocked(sub)
	}
}

// Subscribe attaches a subscriber to the given topics, replaying buffered
// events with offsets strictly greater than since before the live tail.
// bufSize zero means the default.
func (b *Broker) Subscribe(topics []string, since uint64, bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	sub := &Subscription{
		topics: make(map[string]bool, len(topics)),
		ch:     make(chan Event, bufSize),
		lagged: make(chan struct{}),
		broker: b,
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub
	for t := range sub.topics {
		b.metrics.SubscribersActive.WithLabelValues(channelOfTopic(t)).Inc()
	}

	// Replay under the lock so no live publish can interleave out of order.
	for el := b.replay.Find((since + 1) << 16); el != nil; el = el.Next() {
		ev := el.Value.(Event)
		if !sub.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// The requested range exceeds the buffer: the client must
			// reconnect from a more recent offset.
			b.dropLocked(sub)
			return sub
		}
	}
	return sub
}

func (s *Subscription) matches(ev Event) bool {
	for _, t := range ev.Topics {
		if s.topics[t] {
			return true
		}
	}
	return false
}

func (b *Broker) remove(sub *Subscription, lagged bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lagged {
		b.dropLocked(sub)
		return
	}
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		sub.once.Do(func() { close(sub.ch) })
		for t := range sub.topics {
			b.metrics.SubscribersActive.WithLabelValues(channelOfTopic(t)).Dec()
		}
	}
}

func (b *Broker) dropLocked(sub *Subscription) {
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.lagged)
	sub.once.Do(func() { close(sub.ch) })
	for t := range sub.topics {
		b.metrics.SubscribersActive.WithLabelValues(channelOfTopic(t)).Dec()
		b.metrics.SubscribersDropped.WithLabelValues(channelOfTopic(t)).Inc()
	}
	b.log.Warn("subscriber dropped for lagging", "topics", len(sub.topics))
}

// SubscriberCount reports the number of attached subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func channelOf(ev Event) string {
	if len(ev.Topics) == 0 {
		return "unknown"
	}
	return channelOfTopic(ev.Topics[0])
}

func channelOfTopic(topic string) string {
	if i := strings.LastIndex(topic, ":"); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
