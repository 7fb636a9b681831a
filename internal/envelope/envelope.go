// Package envelope implements the canonical typed record that flows from
// decoders to sinks: Envelope, TypeId, and the Body capability a decoded
// payload must satisfy.
package envelope

import "hash/fnv"

// TypeId canonically identifies a decoded record's schema/shape, e.g.
// "erc20.transfer". Two TypeIds are equal iff their URLs are equal; the
// precomputed hash is carried alongside for cheap map keys and wire framing
// but is never used for comparison, so hash collisions cannot cause two
// distinct schemas to be confused with each other.
type TypeId struct {
	url  string
	hash uint64
}

// NewTypeId builds a TypeId from its canonical URL-like string, e.g.
// "erc20.transfer" or "introspect.CreateTable".
func NewTypeId(url string) TypeId {
	return TypeId{url: url, hash: fnv1a(url)}
}

// String returns the authoritative URL form, used for logging and debugging.
func (t TypeId) String() string { return t.url }

// Hash returns the stable FNV-1a 64-bit hash of the URL, canonical per the
// envelope/type-id model: usable as a compact map key or wire tag, but
// equality of TypeIds MUST be decided via Equal/the URL, never the hash.
func (t TypeId) Hash() uint64 { return t.hash }

// Equal reports whether two TypeIds name the same schema.
func (t TypeId) Equal(o TypeId) bool { return t.url == o.url }

// IsZero reports whether t is the zero-value TypeId (no URL set).
func (t TypeId) IsZero() bool { return t.url == "" }

func fnv1a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// Body is the capability a decoded payload must satisfy to travel inside an
// Envelope: it knows its own TypeId (so the envelope and the body can never
// disagree) and can serialize itself for wire/broadcast use. Concrete
// payload types additionally support the package-level DowncastTo generic
// helper for recovering the concrete type at the consumer end.
type Body interface {
	// TypeID returns the canonical TypeId this payload's concrete type is
	// registered under.
	TypeID() TypeId
	// MarshalBinary serializes the payload for sink broadcast / archival.
	MarshalBinary() ([]byte, error)
}

// Envelope is the immutable output of a decoder: a stable id, a TypeId, a
// typed body, and free-form metadata. Envelopes are exclusively owned by the
// batch in flight and are never mutated after construction.
type Envelope struct {
	id       string
	typeID   TypeId
	body     Body
	metadata map[string]string
}

// New constructs an Envelope. The body's own TypeID is taken as the
// envelope's TypeId, so the two can never diverge (P4 in spec terms: every
// envelope's body type corresponds to its TypeId).
func New(id string, body Body, metadata map[string]string) Envelope {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return Envelope{id: id, typeID: body.TypeID(), body: body, metadata: metadata}
}

// ID returns the envelope's stable, content-derived id used together with
// its TypeId as a sink idempotency key.
func (e Envelope) ID() string { return e.id }

// TypeId returns the envelope's canonical payload-shape identifier.
func (e Envelope) TypeId() TypeId { return e.typeID }

// Metadata returns the envelope's free-form string metadata map. Callers
// must not mutate the returned map.
func (e Envelope) Metadata() map[string]string { return e.metadata }

// Body returns the envelope's typed payload as the Body capability.
func (e Envelope) Body() Body { return e.body }

// DowncastTo attempts to recover the concrete payload type T from an
// envelope body. It succeeds iff the body's TypeID matches the envelope's
// TypeId (always true for envelopes built with New) and the underlying body
// is in fact a T.
func DowncastTo[T Body](e Envelope) (T, bool) {
	var zero T
	if !e.typeID.Equal(e.body.TypeID()) {
		return zero, false
	}
	v, ok := e.body.(T)
	return v, ok
}

// Wire is the on-wire, protobuf-style type-url + bytes representation used
// when a sink chooses to broadcast an envelope to heterogeneous consumers
// (spec §6, last paragraph).
type Wire struct {
	TypeURL string            `json:"type_url"`
	ID      string            `json:"id"`
	Payload []byte            `json:"payload"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// ToWire serializes an Envelope to its wire form using the body's own
// MarshalBinary implementation.
func ToWire(e Envelope) (Wire, error) {
	data, err := e.body.MarshalBinary()
	if err != nil {
		return Wire{}, err
	}
	return Wire{
		TypeURL: e.typeID.String(),
		ID:      e.id,
		Payload: data,
		Meta:    e.metadata,
	}, nil
}
