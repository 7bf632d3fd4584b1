package bus

import (
	"sync"
	"time"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/log"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/metrics"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

// Bus is the in-process progress broker. Each topic keeps a ring of recent
// events so late subscribers can catch up, then streams live events with
// per-topic FIFO ordering. Publishing never blocks: a slow subscriber loses
// its oldest undelivered events and is told how many through a lag event.
type Bus struct {
	mu        sync.RWMutex
	topics    map[string]*topic
	ringSize  int
	queueSize int
	grace     time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
}

type topic struct {
	mu       sync.Mutex
	name     string
	seq      uint64
	ring     []types.Event // oldest first, capped at ringSize
	subs     map[*subscriber]struct{}
	closedAt time.Time
}

type subscriber struct {
	ch chan types.Event
	// pendingDropped counts events lost since the last lag notice.
	// Guarded by the owning topic's mutex.
	pendingDropped uint64
	removed        bool
}

// Subscription is a live attachment to one topic. Snapshot holds the ring
// content at subscribe time; C carries everything published afterwards,
// with no gap or duplication between the two.
type Subscription struct {
	Snapshot []types.Event
	C        <-chan types.Event

	bus   *Bus
	topic string
	sub   *subscriber
}

// New creates a bus. ringSize bounds per-topic replay, queueSize bounds
// each subscriber's live buffer, grace is how long a closed topic's ring
// stays available for late subscribers.
func New(ringSize, queueSize int, grace time.Duration) *Bus {
	b := &Bus{
		topics:    make(map[string]*topic),
		ringSize:  ringSize,
		queueSize: queueSize,
		grace:     grace,
		stopCh:    make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

// Publish appends the event to the topic ring and fans it out. The bus
// assigns Seq and Timestamp; callers fill Kind, JobID and Data.
func (b *Bus) Publish(topicName string, ev types.Event) {
	t := b.getTopic(topicName, true)
	if t == nil {
		return
	}

	t.mu.Lock()
	t.seq++
	ev.Topic = topicName
	ev.Seq = t.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	t.ring = append(t.ring, ev)
	if len(t.ring) > b.ringSize {
		t.ring = t.ring[len(t.ring)-b.ringSize:]
	}

	for sub := range t.subs {
		t.deliverLocked(sub, ev)
	}
	t.mu.Unlock()

	metrics.BusEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
}

// deliverLocked sends one event without ever blocking the publisher.
// Caller holds t.mu.
func (t *topic) deliverLocked(sub *subscriber, ev types.Event) {
	if sub.removed {
		return
	}

	// A pending lag notice goes out before newer events so the consumer
	// learns about the gap in order.
	if sub.pendingDropped > 0 {
		lag := types.Event{
			Kind:      types.EventLag,
			Topic:     t.name,
			Seq:       ev.Seq,
			Timestamp: ev.Timestamp,
			JobID:     ev.JobID,
			Data:      map[string]any{"dropped": sub.pendingDropped},
		}
		select {
		case sub.ch <- lag:
			sub.pendingDropped = 0
		default:
		}
	}

	select {
	case sub.ch <- ev:
		return
	default:
	}

	// Queue full: shed the oldest so the stream keeps moving forward.
	select {
	case old := <-sub.ch:
		if old.Kind == types.EventLag {
			if n, ok := old.Data["dropped"].(uint64); ok {
				sub.pendingDropped += n
			}
		} else {
			sub.pendingDropped++
			metrics.BusDroppedTotal.WithLabelValues("slow_subscriber").Inc()
		}
	default:
	}

	select {
	case sub.ch <- ev:
	default:
		sub.pendingDropped++
		metrics.BusDroppedTotal.WithLabelValues("slow_subscriber").Inc()
	}
}

// Subscribe attaches to a topic, creating it if needed. The snapshot and
// the live channel are cut under one lock, so no event is missed between.
func (b *Bus) Subscribe(topicName string) *Subscription {
	t := b.getTopic(topicName, true)

	t.mu.Lock()
	snapshot := make([]types.Event, len(t.ring))
	copy(snapshot, t.ring)

	sub := &subscriber{ch: make(chan types.Event, b.queueSize)}
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	return &Subscription{
		Snapshot: snapshot,
		C:        sub.ch,
		bus:      b,
		topic:    topicName,
		sub:      sub,
	}
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	t := s.bus.getTopic(s.topic, false)
	if t == nil {
		return
	}

	t.mu.Lock()
	if _, ok := t.subs[s.sub]; ok {
		delete(t.subs, s.sub)
		s.sub.removed = true
		close(s.sub.ch)
	}
	t.mu.Unlock()
}

// CloseTopic marks the topic finished. Its ring stays readable for the
// grace period, then the sweeper drops it and closes live channels.
func (b *Bus) CloseTopic(topicName string) {
	t := b.getTopic(topicName, false)
	if t == nil {
		return
	}

	t.mu.Lock()
	if t.closedAt.IsZero() {
		t.closedAt = time.Now()
	}
	t.mu.Unlock()
}

// TopicCount reports live topics, closed-but-retained included.
func (b *Bus) TopicCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// Close shuts the bus down, closing every subscriber channel.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })

	b.mu.Lock()
	topics := b.topics
	b.topics = make(map[string]*topic)
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for sub := range t.subs {
			sub.removed = true
			close(sub.ch)
		}
		t.subs = make(map[*subscriber]struct{})
		t.mu.Unlock()
	}
}

func (b *Bus) getTopic(name string, create bool) *topic {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok || !create {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[name]; ok {
		return t
	}
	t = &topic{
		name: name,
		subs: make(map[*subscriber]struct{}),
	}
	b.topics[name] = t
	return t
}

func (b *Bus) sweepLoop() {
	interval := b.grace / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweep(time.Now())
		case <-b.stopCh:
			return
		}
	}
}

// sweep removes closed topics past their grace period and empty idle ones.
func (b *Bus) sweep(now time.Time) {
	b.mu.Lock()
	var doomed []*topic
	for name, t := range b.topics {
		t.mu.Lock()
		expired := !t.closedAt.IsZero() && now.Sub(t.closedAt) > b.grace
		idle := t.closedAt.IsZero() && len(t.subs) == 0 && len(t.ring) == 0
		t.mu.Unlock()
		if expired || idle {
			doomed = append(doomed, t)
			delete(b.topics, name)
		}
	}
	b.mu.Unlock()

	for _, t := range doomed {
		t.mu.Lock()
		for sub := range t.subs {
			sub.removed = true
			close(sub.ch)
		}
		t.subs = make(map[*subscriber]struct{})
		t.mu.Unlock()
	}

	if len(doomed) > 0 {
		logger := log.WithComponent("bus")
		logger.Debug().Int("topics", len(doomed)).Msg("Swept finished topics")
	}
}
