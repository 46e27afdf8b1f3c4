package crdt

import (
	"errors"
	"sort"
	"strings"
)

// MetaKeyPrefix marks entries whose values are mirrored into the document's
// persisted meta column.
const MetaKeyPrefix = "meta."

var (
	// ErrCorruptUpdate indicates that an update payload could not be decoded.
	ErrCorruptUpdate = errors.New("crdt: corrupt update payload")
	// ErrCorruptStateVector indicates that a state vector could not be decoded.
	ErrCorruptStateVector = errors.New("crdt: corrupt state vector")
)

// Merger is the contract the sync engine depends on. Merge must be
// commutative, associative, and idempotent so that any delivery order of
// concurrent updates converges to the same state.
type Merger interface {
	ApplyUpdate(update []byte) error
	StateVector() []byte
	DiffSince(stateVector []byte) ([]byte, error)
	EncodeState() []byte
	Meta() map[string]string
	TouchesMeta(update []byte) bool
}

// entry is one replicated register: a key owned by whichever writer holds the
// greatest (clock, actor) pair.
type entry struct {
	key   string
	actor string
	clock uint64
	value string
}

// supersedes reports whether candidate wins over incumbent for the same key.
// The actor id breaks clock ties so concurrent writes resolve identically on
// every replica; the value breaks the remaining tie between equal pairs.
func (candidate entry) supersedes(incumbent entry) bool {
	if candidate.clock != incumbent.clock {
		return candidate.clock > incumbent.clock
	}
	if candidate.actor != incumbent.actor {
		return candidate.actor > incumbent.actor
	}
	return candidate.value > incumbent.value
}

// Doc is the default delta-state merge engine: a last-writer-wins key map.
// It is not safe for concurrent use; the document actor is its single writer.
type Doc struct {
	entries map[string]entry
	vector  map[string]uint64
}

// NewDoc returns an empty replicated document root.
func NewDoc() *Doc {
	return &Doc{
		entries: make(map[string]entry),
		vector:  make(map[string]uint64),
	}
}

// ApplyUpdate merges a binary diff into the document.
func (doc *Doc) ApplyUpdate(update []byte) error {
	decoded, err := decodeEntries(update)
	if err != nil {
		return err
	}
	for _, incoming := range decoded {
		if incoming.clock > doc.vector[incoming.actor] {
			doc.vector[incoming.actor] = incoming.clock
		}
		incumbent, exists := doc.entries[incoming.key]
		if !exists || incoming.supersedes(incumbent) {
			doc.entries[incoming.key] = incoming
		}
	}
	return nil
}

// StateVector encodes the highest clock observed per actor.
func (doc *Doc) StateVector() []byte {
	actors := make([]string, 0, len(doc.vector))
	for actor := range doc.vector {
		actors = append(actors, actor)
	}
	sort.Strings(actors)

	buffer := appendVarUint(nil, uint64(len(actors)))
	for _, actor := range actors {
		buffer = appendVarString(buffer, actor)
		buffer = appendVarUint(buffer, doc.vector[actor])
	}
	return buffer
}

// DiffSince returns an update containing every entry the supplied state
// vector has not observed. An empty vector yields the full state.
func (doc *Doc) DiffSince(stateVector []byte) ([]byte, error) {
	remoteVector, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	missing := make([]entry, 0, len(doc.entries))
	for _, candidate := range doc.entries {
		if candidate.clock > remoteVector[candidate.actor] {
			missing = append(missing, candidate)
		}
	}
	return encodeEntries(missing), nil
}

// EncodeState serializes the full document as a single applyable update.
func (doc *Doc) EncodeState() []byte {
	all := make([]entry, 0, len(doc.entries))
	for _, stored := range doc.entries {
		all = append(all, stored)
	}
	return encodeEntries(all)
}

// Meta returns the current values of watched meta keys, prefix stripped.
func (doc *Doc) Meta() map[string]string {
	snapshot := make(map[string]string)
	for key, stored := range doc.entries {
		if strings.HasPrefix(key, MetaKeyPrefix) {
			snapshot[strings.TrimPrefix(key, MetaKeyPrefix)] = stored.value
		}
	}
	return snapshot
}

// TouchesMeta reports whether an update writes any watched meta key. A
// corrupt payload reports false; ApplyUpdate is the authority on rejection.
func (doc *Doc) TouchesMeta(update []byte) bool {
	decoded, err := decodeEntries(update)
	if err != nil {
		return false
	}
	for _, incoming := range decoded {
		if strings.HasPrefix(incoming.key, MetaKeyPrefix) {
			return true
		}
	}
	return false
}

// Get exposes a single replicated value, primarily for tests and debugging.
func (doc *Doc) Get(key string) (string, bool) {
	stored, exists := doc.entries[key]
	if !exists {
		return "", false
	}
	return stored.value, true
}

func encodeEntries(entries []entry) []byte {
	sort.Slice(entries, func(left, right int) bool {
		return entries[left].key < entries[right].key
	})
	buffer := appendVarUint(nil, uint64(len(entries)))
	for _, item := range entries {
		buffer = appendVarString(buffer, item.key)
		buffer = appendVarString(buffer, item.actor)
		buffer = appendVarUint(buffer, item.clock)
		buffer = appendVarString(buffer, item.value)
	}
	return buffer
}

func decodeEntries(update []byte) ([]entry, error) {
	count, rest, err := readVarUint(update)
	if err != nil {
		return nil, err
	}
	// Each encoded entry occupies at least four bytes.
	if count > uint64(len(rest))/4+1 {
		return nil, ErrCorruptUpdate
	}
	decoded := make([]entry, 0, count)
	for index := uint64(0); index < count; index++ {
		var item entry
		if item.key, rest, err = readVarString(rest); err != nil {
			return nil, err
		}
		if item.actor, rest, err = readVarString(rest); err != nil {
			return nil, err
		}
		if item.clock, rest, err = readVarUint(rest); err != nil {
			return nil, err
		}
		if item.value, rest, err = readVarString(rest); err != nil {
			return nil, err
		}
		decoded = append(decoded, item)
	}
	if len(rest) != 0 {
		return nil, ErrCorruptUpdate
	}
	return decoded, nil
}

func decodeStateVector(stateVector []byte) (map[string]uint64, error) {
	vector := make(map[string]uint64)
	if len(stateVector) == 0 {
		return vector, nil
	}
	count, rest, err := readVarUint(stateVector)
	if err != nil {
		return nil, ErrCorruptStateVector
	}
	if count > uint64(len(rest))/2+1 {
		return nil, ErrCorruptStateVector
	}
	for index := uint64(0); index < count; index++ {
		var actor string
		var clock uint64
		if actor, rest, err = readVarString(rest); err != nil {
			return nil, ErrCorruptStateVector
		}
		if clock, rest, err = readVarUint(rest); err != nil {
			return nil, ErrCorruptStateVector
		}
		vector[actor] = clock
	}
	if len(rest) != 0 {
		return nil, ErrCorruptStateVector
	}
	return vector, nil
}
