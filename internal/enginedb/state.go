package enginedb

import (
	"encoding/json"
	"time"
)

// Classification is the durable record stored at contract/{address_hex}:
// the ordered set of decoder names applicable to that address, or a
// tombstone marking it as deliberately unidentifiable (spec §3, §6).
type Classification struct {
	Decoders    []string `json:"decoders"`
	IsTombstone bool     `json:"is_tombstone"`
	UpdatedAt   int64    `json:"updated_at"`
}

// Empty reports whether the classification carries no decoders (distinct
// from IsTombstone: an empty, non-tombstoned classification should not
// normally be persisted, but is treated the same as a tombstone by
// consumers per spec §3: "Empty set means no known decoder").
func (c Classification) Empty() bool { return len(c.Decoders) == 0 }

// ABIFingerprint is the durable record stored at abi_fingerprint/{class_hash}:
// precomputed feature flags from a contract class's ABI, letting
// re-identification skip re-fetching the class (spec §4.2, §6).
type ABIFingerprint struct {
	Functions []string `json:"functions"`
	Events    []string `json:"events"`
}

// HasFunction reports whether the fingerprint lists a function with the
// given name.
func (f ABIFingerprint) HasFunction(name string) bool {
	return contains(f.Functions, name)
}

// HasEvent reports whether the fingerprint lists an event with the given
// name.
func (f ABIFingerprint) HasEvent(name string) bool {
	return contains(f.Events, name)
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// State is a thin, typed façade over a Store for the handful of scalar and
// structured values the engine needs, centralizing (de)serialization so
// callers in registry/orchestrator never hand-roll key strings or encodings.
type State struct {
	Store Store
}

// NewState wraps a Store.
func NewState(s Store) *State { return &State{Store: s} }

// Head returns the last fully processed block number, or 0 if unset.
func (s *State) Head() (uint64, error) {
	b, err := s.Store.Get(KeyHead)
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ParseUint64(b)
}

// EventCount returns the running total of processed events, or 0 if unset.
func (s *State) EventCount() (uint64, error) {
	b, err := s.Store.Get(KeyEventCount)
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ParseUint64(b)
}

// Cursor returns the last persisted resumable cursor, or "" if unset.
func (s *State) Cursor() (string, error) {
	b, err := s.Store.Get(KeyCursor)
	if err == ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Classification looks up the cached classification for an address, by its
// padded hex form. The second return value is false if there is no cache
// entry at all (distinct from an empty/tombstoned one, which is a cache
// hit with a negative result).
func (s *State) Classification(addressHex string) (Classification, bool, error) {
	b, err := s.Store.Get(ContractKey(addressHex))
	if err == ErrNotFound {
		return Classification{}, false, nil
	}
	if err != nil {
		return Classification{}, false, err
	}
	var c Classification
	if err := json.Unmarshal(b, &c); err != nil {
		return Classification{}, false, err
	}
	return c, true, nil
}

// ABIFingerprint looks up the cached ABI fingerprint for a class hash.
func (s *State) ABIFingerprint(classHashHex string) (ABIFingerprint, bool, error) {
	b, err := s.Store.Get(ABIFingerprintKey(classHashHex))
	if err == ErrNotFound {
		return ABIFingerprint{}, false, nil
	}
	if err != nil {
		return ABIFingerprint{}, false, err
	}
	var fp ABIFingerprint
	if err := json.Unmarshal(b, &fp); err != nil {
		return ABIFingerprint{}, false, err
	}
	return fp, true, nil
}

// ClassificationOp builds a BatchWrite Op that persists a classification.
func ClassificationOp(addressHex string, c Classification) (Op, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return Op{}, err
	}
	return PutOp(ContractKey(addressHex), b), nil
}

// ABIFingerprintOp builds a BatchWrite Op that persists an ABI fingerprint.
func ABIFingerprintOp(classHashHex string, fp ABIFingerprint) (Op, error) {
	b, err := json.Marshal(fp)
	if err != nil {
		return Op{}, err
	}
	return PutOp(ABIFingerprintKey(classHashHex), b), nil
}

// CommitBatch builds the atomic write the orchestrator issues at the end of
// every processed batch (spec §4.8): the new head, the updated event count,
// the new cursor, and any additional ops (new classifications/fingerprints
// discovered while processing the batch).
func CommitBatch(store Store, head uint64, eventCount uint64, cursor string, extra []Op) error {
	ops := make([]Op, 0, 3+len(extra))
	ops = append(ops,
		PutOp(KeyHead, FormatUint64(head)),
		PutOp(KeyEventCount, FormatUint64(eventCount)),
		PutOp(KeyCursor, []byte(cursor)),
	)
	ops = append(ops, extra...)
	return store.BatchWrite(ops)
}

// NowUnix is a seam so callers can stamp UpdatedAt without every caller
// importing time directly; kept here since it's the one place the engine DB
// layer needs wall-clock time.
func NowUnix() int64 { return time.Now().Unix() }
