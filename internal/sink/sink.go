// Package sink defines the stateful-consumer capability sinks implement,
// and a retrying decorator shared by every concrete sink (spec §4.7).
package sink

import (
	"context"

	"starknet-etl/internal/envelope"
	"starknet-etl/internal/eventbus"
	"starknet-etl/internal/extractor"
)

// Context carries the services a sink may need during Initialize, namely a
// handle on the shared event bus for live publication (spec §4.7 step 2).
type Context struct {
	Bus *eventbus.Bus
}

// Sink is a stateful consumer invoked once per batch with only the
// envelopes whose TypeId is in InterestedTypes (spec §4.7).
//
// Process MUST be effectively idempotent given the (TypeId, envelope.ID())
// key: re-processing an already-seen envelope must be a safe no-op.
// Implementations typically rely on a storage primary-key conflict or an
// explicit existence check for this.
type Sink interface {
	// Name identifies the sink for logging and registration ordering.
	Name() string
	// InterestedTypes lists the envelope TypeIds this sink wants to see.
	InterestedTypes() []envelope.TypeId
	// Topics lists the event-bus topics this sink publishes, for client
	// discovery.
	Topics() []eventbus.TopicInfo
	// Initialize is called exactly once before the first Process call.
	Initialize(ctx context.Context, sctx Context) error
	// Process persists the given envelopes, part of the named batch. The
	// batch's Live flag tells the sink whether it is processing a
	// near-head batch (fresh) or a historical backfill batch; sinks
	// SHOULD skip event-bus publication when !batch.Live to avoid
	// flooding subscribers during catch-up (spec §4.7).
	Process(ctx context.Context, envelopes []envelope.Envelope, batch extractor.ExtractionBatch) error
}

// FilterInterested returns the subset of envelopes whose TypeId appears in
// s's InterestedTypes, preserving order. Used by the orchestrator to build
// each sink's per-batch slice (spec §4.8's
// `interested_sinks_in_registration_order` / `filtered` step).
func FilterInterested(s Sink, envelopes []envelope.Envelope) []envelope.Envelope {
	interested := s.InterestedTypes()
	if len(interested) == 0 {
		return nil
	}
	want := make(map[string]bool, len(interested))
	for _, t := range interested {
		want[t.String()] = true
	}
	var out []envelope.Envelope
	for _, e := range envelopes {
		if want[e.TypeId().String()] {
			out = append(out, e)
		}
	}
	return out
}
