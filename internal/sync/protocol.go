package sync

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire framing follows the lib0 varint conventions used by the y-protocols
// family: a varuint message type, an optional varuint sync subtype, then a
// length-prefixed payload.

// MessageType tags a wire frame.
type MessageType uint64

const (
	// MessageSync carries sync handshake and document update payloads.
	MessageSync MessageType = 0
	// MessageAwareness carries ephemeral presence payloads.
	MessageAwareness MessageType = 1
	// MessageError carries a server-to-client protocol error.
	MessageError MessageType = 4
)

// SyncType tags the subtype of a MessageSync frame.
type SyncType uint64

const (
	// SyncStep1 exchanges a state vector.
	SyncStep1 SyncType = 0
	// SyncStep2 carries a catch-up diff answering a step 1.
	SyncStep2 SyncType = 1
	// SyncUpdate carries an incremental document diff.
	SyncUpdate SyncType = 2
)

// Protocol error codes sent in MessageError frames.
const (
	ErrorCodeForbidden    = "forbidden"
	ErrorCodeNotFound     = "not_found"
	ErrorCodeCorruptState = "corrupt_state"
)

// ErrMalformedFrame indicates an inbound frame that could not be decoded.
var ErrMalformedFrame = errors.New("sync: malformed wire frame")

// Message is a decoded wire frame.
type Message struct {
	Type    MessageType
	Sync    SyncType
	Payload []byte
	Code    string
	Text    string
}

// EncodeSyncStep1 frames a state vector exchange.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

// EncodeSyncStep2 frames a catch-up diff.
func EncodeSyncStep2(diff []byte) []byte {
	return encodeSync(SyncStep2, diff)
}

// EncodeUpdate frames an incremental document diff.
func EncodeUpdate(diff []byte) []byte {
	return encodeSync(SyncUpdate, diff)
}

// EncodeAwareness frames an ephemeral presence payload.
func EncodeAwareness(payload []byte) []byte {
	buffer := binary.AppendUvarint(nil, uint64(MessageAwareness))
	return appendFrameBytes(buffer, payload)
}

// EncodeError frames a protocol error with a code and a readable message.
func EncodeError(code, text string) []byte {
	buffer := binary.AppendUvarint(nil, uint64(MessageError))
	buffer = appendFrameBytes(buffer, []byte(code))
	return appendFrameBytes(buffer, []byte(text))
}

func encodeSync(subtype SyncType, payload []byte) []byte {
	buffer := binary.AppendUvarint(nil, uint64(MessageSync))
	buffer = binary.AppendUvarint(buffer, uint64(subtype))
	return appendFrameBytes(buffer, payload)
}

// DecodeMessage parses one inbound wire frame.
func DecodeMessage(frame []byte) (Message, error) {
	messageType, rest, err := readFrameUint(frame)
	if err != nil {
		return Message{}, err
	}
	switch MessageType(messageType) {
	case MessageSync:
		subtype, rest, err := readFrameUint(rest)
		if err != nil {
			return Message{}, err
		}
		if SyncType(subtype) != SyncStep1 && SyncType(subtype) != SyncStep2 && SyncType(subtype) != SyncUpdate {
			return Message{}, fmt.Errorf("%w: unknown sync subtype %d", ErrMalformedFrame, subtype)
		}
		payload, rest, err := readFrameBytes(rest)
		if err != nil {
			return Message{}, err
		}
		if len(rest) != 0 {
			return Message{}, ErrMalformedFrame
		}
		return Message{Type: MessageSync, Sync: SyncType(subtype), Payload: payload}, nil
	case MessageAwareness:
		payload, rest, err := readFrameBytes(rest)
		if err != nil {
			return Message{}, err
		}
		if len(rest) != 0 {
			return Message{}, ErrMalformedFrame
		}
		return Message{Type: MessageAwareness, Payload: payload}, nil
	case MessageError:
		code, rest, err := readFrameBytes(rest)
		if err != nil {
			return Message{}, err
		}
		text, rest, err := readFrameBytes(rest)
		if err != nil {
			return Message{}, err
		}
		if len(rest) != 0 {
			return Message{}, ErrMalformedFrame
		}
		return Message{Type: MessageError, Code: string(code), Text: string(text)}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown message type %d", ErrMalformedFrame, messageType)
	}
}

func appendFrameBytes(buffer, payload []byte) []byte {
	buffer = binary.AppendUvarint(buffer, uint64(len(payload)))
	return append(buffer, payload...)
}

func readFrameUint(buffer []byte) (uint64, []byte, error) {
	value, consumed := binary.Uvarint(buffer)
	if consumed <= 0 {
		return 0, nil, fmt.Errorf("%w: truncated varint", ErrMalformedFrame)
	}
	return value, buffer[consumed:], nil
}

func readFrameBytes(buffer []byte) ([]byte, []byte, error) {
	length, rest, err := readFrameUint(buffer)
	if err != nil {
		return nil, nil, err
	}
	if length > uint64(len(rest)) {
		return nil, nil, fmt.Errorf("%w: payload length %d exceeds remaining %d bytes", ErrMalformedFrame, length, len(rest))
	}
	payload := append([]byte(nil), rest[:length]...)
	return payload, rest[length:], nil
}
