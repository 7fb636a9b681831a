// Package memsink provides a reference in-memory sink, used by tests and as
// a template for new sinks: idempotent persistence keyed by (TypeId, id),
// plus best-effort live publication to the event bus (spec §4.7).
package memsink

import (
	"context"
	"sync"

	"starknet-etl/internal/envelope"
	"starknet-etl/internal/eventbus"
	"starknet-etl/internal/extractor"
	"starknet-etl/internal/sink"
)

// Record is a persisted envelope, kept for test assertions and inspection.
type Record struct {
	TypeId envelope.TypeId
	ID     string
	Body   envelope.Body
}

// Sink is an in-memory, idempotent sink. It stores every envelope whose
// TypeId is in its interest set, deduplicating on (TypeId, id), and
// publishes to topicFor(envelope) on the event bus when the owning batch is
// live.
type Sink struct {
	name       string
	interested []envelope.TypeId
	topicFor   func(envelope.Envelope) (topic, key string, updateType eventbus.UpdateType)
	topics     []eventbus.TopicInfo

	mu      sync.Mutex
	records map[string]Record // keyed by TypeId.String()+":"+id
	order   []Record

	bus *eventbus.Bus
}

// New builds a memsink.Sink. topicFor may be nil if this sink never
// publishes to the bus (archival-only).
func New(name string, interested []envelope.TypeId, topics []eventbus.TopicInfo,
	topicFor func(envelope.Envelope) (topic, key string, updateType eventbus.UpdateType)) *Sink {
	return &Sink{
		name:       name,
		interested: interested,
		topics:     topics,
		topicFor:   topicFor,
		records:    make(map[string]Record),
	}
}

func (s *Sink) Name() string                      { return s.name }
func (s *Sink) InterestedTypes() []envelope.TypeId { return s.interested }
func (s *Sink) Topics() []eventbus.TopicInfo       { return s.topics }

func (s *Sink) Initialize(_ context.Context, sctx sink.Context) error {
	s.bus = sctx.Bus
	return nil
}

// Process stores every envelope not already recorded, and publishes each
// newly-stored envelope to the bus when batch.Live (spec §4.7: "sinks
// SHOULD skip real-time event-bus publication when !live").
func (s *Sink) Process(_ context.Context, envelopes []envelope.Envelope, batch extractor.ExtractionBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range envelopes {
		key := e.TypeId().String() + ":" + e.ID()
		if _, ok := s.records[key]; ok {
			continue // already persisted: idempotent no-op
		}
		rec := Record{TypeId: e.TypeId(), ID: e.ID(), Body: e.Body()}
		s.records[key] = rec
		s.order = append(s.order, rec)

		if batch.Live && s.bus != nil && s.topicFor != nil {
			topic, pubKey, updateType := s.topicFor(e)
			wire, err := envelope.ToWire(e)
			if err != nil {
				return err
			}
			s.bus.Publish(topic, pubKey, wire.TypeURL, wire.Payload, updateType, nil)
		}
	}
	return nil
}

// Records returns every persisted record in insertion order, for test
// assertions.
func (s *Sink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.order))
	copy(out, s.order)
	return out
}

// Count returns the number of distinct (TypeId, id) pairs persisted so far.
func (s *Sink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
