package protocol

import (
	"encoding/binary"
	"fmt"
)

// Encode wraps payload in an envelope of the given type with sequence 0.
func Encode(typ uint8, payload []byte) ([]byte, error) {
	return EncodeSeq(typ, 0, payload)
}

// EncodeSeq wraps payload in an envelope stamped with seq.
func EncodeSeq(typ uint8, seq uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxMessageSize {
		return nil, &CapacityError{What: "payload", Size: int64(len(payload)), Limit: MaxMessageSize}
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = Version
	buf[1] = typ
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[6:10], seq)
	binary.BigEndian.PutUint16(buf[10:12], 0)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// MustEncode is Encode for payloads known to fit, such as control messages.
func MustEncode(typ uint8, payload []byte) []byte {
	buf, err := Encode(typ, payload)
	if err != nil {
		panic(err)
	}
	return buf
}

// PeekHeader parses the header at the start of data without looking at the
// payload.
func PeekHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, &FramingError{Reason: fmt.Sprintf("envelope too short: %d bytes (need at least %d)", len(data), HeaderSize)}
	}
	return Header{
		Version:       data[0],
		Type:          data[1],
		PayloadLength: binary.BigEndian.Uint32(data[2:6]),
		Sequence:      binary.BigEndian.Uint32(data[6:10]),
		Reserved:      binary.BigEndian.Uint16(data[10:12]),
	}, nil
}

// Decode parses exactly one envelope. data must hold the header and the whole
// declared payload and nothing else.
func Decode(data []byte) (*Envelope, error) {
	h, err := PeekHeader(data)
	if err != nil {
		return nil, err
	}
	if h.PayloadLength > MaxMessageSize {
		return nil, &FramingError{Reason: fmt.Sprintf("declared payload %d exceeds limit %d", h.PayloadLength, MaxMessageSize)}
	}
	if got := len(data) - HeaderSize; got != int(h.PayloadLength) {
		return nil, &FramingError{Reason: fmt.Sprintf("payload length mismatch: declared %d, have %d", h.PayloadLength, got)}
	}
	if h.Version != Version {
		return nil, &VersionError{Got: h.Version}
	}

	env := &Envelope{Header: h, Payload: make([]byte, h.PayloadLength)}
	copy(env.Payload, data[HeaderSize:])
	return env, nil
}
