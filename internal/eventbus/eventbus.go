// Package eventbus implements the process-wide, single-producer
// many-subscribers live-update router, independent of durable sinks
// (spec §4.6). It carries no durability guarantees: all authoritative state
// lives in sinks, the bus is strictly a best-effort broadcast layer.
package eventbus

import (
	"sync"

	"github.com/google/uuid"

	"starknet-etl/internal/metrics"
)

// UpdateType enumerates the kind of change a published update represents.
type UpdateType int

const (
	Created UpdateType = iota
	Updated
	Deleted
)

// TopicInfo describes a topic for client discovery: its name, the filter
// keys it supports, and a human description.
type TopicInfo struct {
	Topic       string
	FilterKeys  []string
	Description string
}

// Update is a single encoded message delivered to a matching subscription.
type Update struct {
	Topic      string
	Key        string
	Payload    []byte // protobuf-style type-url + bytes; opaque to the bus
	TypeURL    string
	UpdateType UpdateType
}

// Lagged is delivered to a subscriber after its queue overran, ahead of the
// update that caused the overrun (spec §4.6: "signals 'lagged by N'").
// Dropped is the running total of queued deliveries discarded so far.
type Lagged struct {
	Topic   string
	Dropped int
}

// Delivery is the union type received from a Subscription's channel: exactly
// one of Update or Lagged is non-nil.
type Delivery struct {
	Update  *Update
	Lagged  *Lagged
}

// MatchFn decides whether a typed payload satisfies a subscription's filter
// map; supplied by the publisher alongside the typed payload so the bus
// itself never needs to understand payload schemas (spec §4.6's
// `matches_fn`).
type MatchFn func(filters map[string]string) bool

const defaultQueueDepth = 256

// Subscription is an external client's live handle on the bus. Deliveries
// arrive on C; the consumer is expected to drain it cooperatively and
// single-threaded (spec §4.6: "Subscribers are single-threaded cooperative
// consumers").
type Subscription struct {
	ID      string
	Topics  map[string]bool
	Filters map[string]string // shared across all of this subscription's topics

	C chan Delivery

	bus     *Bus
	mu      sync.Mutex
	dropped int
	closed  bool
}

// Close deregisters the subscription; in-flight deliveries to it are
// discarded (spec §4.6: "dropping the subscription handle deregisters it").
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.C)
	}
	s.mu.Unlock()
}

func (s *Subscription) deliver(topic string, d Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.C <- d:
	default:
		// Overrun: drop the oldest queued items until a lag marker and d
		// both fit, per spec §4.6 ("drops oldest and signals 'lagged by
		// N'"), then enqueue the lag marker followed by d rather than
		// blocking the publisher.
		for cap(s.C)-len(s.C) < 2 && len(s.C) > 0 {
			select {
			case <-s.C:
				s.dropped++
				s.bus.metrics.BusLagDrops.WithLabelValues(topic).Inc()
			default:
			}
		}
		select {
		case s.C <- Delivery{Lagged: &Lagged{Topic: topic, Dropped: s.dropped}}:
		default:
		}
		select {
		case s.C <- d:
		default:
		}
	}
}

// Bus is the process-wide router. The zero value is not usable; construct
// with New.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	queue   int
	topics  []TopicInfo
	metrics *metrics.Metrics
}

// New builds a Bus whose subscriber queues hold up to queueDepth pending
// deliveries before the bus starts dropping the oldest. queueDepth <= 0
// uses defaultQueueDepth. m records starknet_etl_bus_lag_drops_total{topic}
// on every overrun drop (spec §7); a nil m uses metrics.Noop().
func New(queueDepth int, m *metrics.Metrics) *Bus {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Bus{subs: make(map[string]*Subscription), queue: queueDepth, metrics: m}
}

// Subscribe registers a new subscription for the given topics and filter
// map, returning a handle the caller reads from until it calls Close.
func (b *Bus) Subscribe(topics []string, filters map[string]string) *Subscription {
	topicSet := make(map[string]bool, len(topics))
	for _, t := range topics {
		topicSet[t] = true
	}
	if filters == nil {
		filters = map[string]string{}
	}
	sub := &Subscription{
		ID:      uuid.NewString(),
		Topics:  topicSet,
		Filters: filters,
		C:       make(chan Delivery, b.queue),
		bus:     b,
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.ID)
	b.mu.Unlock()
}

// Publish delivers an update to every subscription that names topic and
// whose filter map satisfies match (spec §4.6's publish contract). Never
// blocks: a stalled subscriber only ever loses its own backlog.
func (b *Bus) Publish(topic, key, typeURL string, payload []byte, updateType UpdateType, match MatchFn) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	u := Update{Topic: topic, Key: key, Payload: payload, TypeURL: typeURL, UpdateType: updateType}
	for _, sub := range b.subs {
		if !sub.Topics[topic] {
			continue
		}
		if match != nil && !match(sub.Filters) {
			continue
		}
		sub.deliver(topic, Delivery{Update: &u})
	}
}

// SubscriberCount returns the number of currently registered subscriptions,
// used by metrics and tests.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// RegisterTopics adds to the discovery catalogue returned by Topics. Called
// once per sink during orchestrator initialization with that sink's
// Topics() declaration (spec §4.7's "topics() -> [TopicInfo] for
// discovery").
func (b *Bus) RegisterTopics(infos []TopicInfo) {
	if len(infos) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, infos...)
}

// Topics returns the full discovery catalogue accumulated via
// RegisterTopics, for an external facade to expose (spec §6: "An external
// facade ... translates client requests into subscriptions on the bus").
func (b *Bus) Topics() []TopicInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]TopicInfo, len(b.topics))
	copy(out, b.topics)
	return out
}
