// Package decoder implements per-event dispatch to registered decoders: the
// registry classifies a raw event's source contract, and the corresponding
// decoders translate it into zero or more envelopes (spec §4.5).
package decoder

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"starknet-etl/internal/enginedb"
	"starknet-etl/internal/envelope"
	"starknet-etl/internal/extractor"
	"starknet-etl/internal/registry"
)

// Filter is a decoder-contributed hint the extractor may use to avoid
// fetching irrelevant events when operating in filtered mode (spec §3's
// FetchPlan). A nil/zero Filter means "no opinion, don't narrow".
type Filter struct {
	Addresses []string // padded-hex contract addresses
	Selectors []string // padded-hex selector hashes
}

// Decoder is a single registered event decoder (spec §4.5).
type Decoder interface {
	// Name identifies the decoder for logging and registry lookups.
	Name() string
	// Filter returns this decoder's contribution to the shared FetchPlan.
	Filter() Filter
	// Emits lists every TypeId this decoder may produce, checked for
	// collisions across decoders at registration time.
	Emits() []envelope.TypeId
	// DecodeEvent transforms a single raw event into zero, one, or many
	// envelopes. It may perform bounded I/O but must not block the
	// pipeline indefinitely; callers pass the context the batch is
	// processed under.
	DecodeEvent(ctx context.Context, raw extractor.RawEvent) ([]envelope.Envelope, error)
}

// MultiDecoder is the ordered list of registered decoders sharing a
// reference to the contract registry, responsible for per-event routing
// (spec §4.5).
type MultiDecoder struct {
	decoders map[string]Decoder
	order    []string // decoder names in registration order, for FetchPlan determinism
	registry *registry.Registry

	decodeFailures int64
}

// New builds a MultiDecoder, failing fast if any two decoders claim the same
// TypeId (spec §4.5: "the union of TypeIds across all registered decoders is
// disjoint; a collision is a fatal error").
func New(reg *registry.Registry, decoders []Decoder) (*MultiDecoder, error) {
	md := &MultiDecoder{
		decoders: make(map[string]Decoder, len(decoders)),
		registry: reg,
	}
	owner := make(map[string]string) // TypeId string -> owning decoder name
	for _, d := range decoders {
		name := d.Name()
		if _, dup := md.decoders[name]; dup {
			return nil, fmt.Errorf("decoder: duplicate decoder name %q", name)
		}
		for _, tid := range d.Emits() {
			key := tid.String()
			if owner, dup := owner[key]; dup {
				return nil, fmt.Errorf("decoder: TypeId %s claimed by both %q and %q", key, owner, name)
			}
			owner[key] = name
		}
		md.decoders[name] = d
		md.order = append(md.order, name)
	}
	return md, nil
}

// FetchPlan unions every registered decoder's Filter. An empty result means
// no decoder narrowed its interest, so the extractor should fetch
// unfiltered.
func (m *MultiDecoder) FetchPlan() Filter {
	var plan Filter
	for _, name := range m.order {
		f := m.decoders[name].Filter()
		plan.Addresses = append(plan.Addresses, f.Addresses...)
		plan.Selectors = append(plan.Selectors, f.Selectors...)
	}
	return plan
}

// DecodeFailures returns the cumulative count of per-event decode errors
// swallowed since construction (spec §4.5: "a separate counter of 'decode
// failures' is maintained").
func (m *MultiDecoder) DecodeFailures() int64 { return m.decodeFailures }

// Emits unions every registered decoder's declared TypeIds, used by callers
// wiring sinks that need to know the full set of envelope types a
// MultiDecoder can produce.
func (m *MultiDecoder) Emits() []envelope.TypeId {
	var all []envelope.TypeId
	for _, name := range m.order {
		all = append(all, m.decoders[name].Emits()...)
	}
	return all
}

// PendingClassification is a classification discovered while routing a
// batch's events, to be folded into the orchestrator's atomic commit
// alongside head/cursor advancement (mirrors registry.PendingWrite).
type PendingClassification = registry.PendingWrite

// Route dispatches every raw event in order to its classified decoders,
// preserving the ordering guarantees of spec §4.5: within a batch, envelopes
// for a given event follow decoder-registration order then decoder-internal
// order; events retain block-then-emission order since raw is pre-sorted by
// the extractor.
func (m *MultiDecoder) Route(ctx context.Context, raws []extractor.RawEvent) ([]envelope.Envelope, []enginedb.Op, error) {
	var envelopes []envelope.Envelope
	var ops []enginedb.Op

	for _, raw := range raws {
		classification, pending, err := m.registry.Classify(ctx, raw.FromAddress)
		if err != nil {
			return nil, nil, fmt.Errorf("decoder: classify %s: %w", raw.FromAddress.Hex(), err)
		}
		if pending != nil {
			ops = append(ops, pending.Ops...)
		}
		if len(classification) == 0 {
			continue
		}

		for _, decID := range classification {
			d, ok := m.decoders[decID.String()]
			if !ok {
				// Registry named a decoder this MultiDecoder never
				// registered; treat as a configuration drift rather than
				// crash mid-batch.
				logrus.WithFields(logrus.Fields{
					"decoder": decID.String(),
					"address": raw.FromAddress.Hex(),
				}).Warn("decoder: classification references unregistered decoder, skipping")
				continue
			}
			out, err := d.DecodeEvent(ctx, raw)
			if err != nil {
				m.decodeFailures++
				logrus.WithFields(logrus.Fields{
					"decoder": decID.String(),
					"address": raw.FromAddress.Hex(),
					"tx_hash": raw.TxHash.Hex(),
				}).Warnf("decoder: decode failed, skipping event: %v", err)
				continue
			}
			envelopes = append(envelopes, out...)
		}
	}

	return envelopes, ops, nil
}
