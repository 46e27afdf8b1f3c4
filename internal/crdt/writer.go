package crdt

// Writer produces updates on behalf of one editing actor, advancing a local
// lamport clock per emitted update.
type Writer struct {
	actor string
	clock uint64
}

// NewWriter returns a writer identified by the supplied actor id.
func NewWriter(actorID string) *Writer {
	return &Writer{actor: actorID}
}

// Set emits an update assigning value to key.
func (writer *Writer) Set(key, value string) []byte {
	writer.clock++
	return encodeEntries([]entry{{
		key:   key,
		actor: writer.actor,
		clock: writer.clock,
		value: value,
	}})
}

// SetMany emits one update assigning every pair in values, all sharing a
// single clock tick.
func (writer *Writer) SetMany(values map[string]string) []byte {
	writer.clock++
	batch := make([]entry, 0, len(values))
	for key, value := range values {
		batch = append(batch, entry{
			key:   key,
			actor: writer.actor,
			clock: writer.clock,
			value: value,
		})
	}
	return encodeEntries(batch)
}
