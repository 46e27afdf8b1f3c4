package crdt

import (
	"encoding/binary"
	"fmt"
)

// The binary layout follows lib0-style framing: unsigned varints for counts
// and clocks, length-prefixed byte strings for keys, actors, and values.

func appendVarUint(buffer []byte, value uint64) []byte {
	return binary.AppendUvarint(buffer, value)
}

func appendVarString(buffer []byte, value string) []byte {
	buffer = binary.AppendUvarint(buffer, uint64(len(value)))
	return append(buffer, value...)
}

func readVarUint(buffer []byte) (uint64, []byte, error) {
	value, consumed := binary.Uvarint(buffer)
	if consumed <= 0 {
		return 0, nil, fmt.Errorf("%w: truncated varint", ErrCorruptUpdate)
	}
	return value, buffer[consumed:], nil
}

func readVarString(buffer []byte) (string, []byte, error) {
	length, rest, err := readVarUint(buffer)
	if err != nil {
		return "", nil, err
	}
	if length > uint64(len(rest)) {
		return "", nil, fmt.Errorf("%w: string length %d exceeds remaining %d bytes", ErrCorruptUpdate, length, len(rest))
	}
	return string(rest[:length]), rest[length:], nil
}
