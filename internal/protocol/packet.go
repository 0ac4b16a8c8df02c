// Package protocol defines the envelope format shared by every relay service.
//
// Every message on the wire is a fixed 12-byte big-endian header followed by
// the payload:
//
//	version:u8 | type:u8 | payloadLength:u32 | sequence:u32 | reserved:u16
package protocol

// Message type constants.
const (
	TypeVideo            uint8 = 0x01 // JPEG frame, forwarded untouched
	TypeAudio            uint8 = 0x02 // int16 little-endian PCM chunk
	TypeChat             uint8 = 0x03 // UTF-8 chat text
	TypeFileUpload       uint8 = 0x04
	TypeFileDownload     uint8 = 0x05 // payload is the requested filename
	TypeScreenShare      uint8 = 0x06
	TypeHandshake        uint8 = 0x07
	TypeDisconnect       uint8 = 0x08 // graceful close request
	TypeAck              uint8 = 0x09
	TypeHeartbeat        uint8 = 0x0A
	TypeUserListRequest  uint8 = 0x0B
	TypeUserListResponse uint8 = 0x0C // JSON array of usernames
	TypeFileMetadata     uint8 = 0x0D
	TypeFileChunk        uint8 = 0x0E
	TypeError            uint8 = 0xFF
)

const (
	// Version is the only protocol version this build speaks.
	Version uint8 = 1

	// HeaderSize is the fixed header size: Version(1) + Type(1) +
	// PayloadLength(4) + Sequence(4) + Reserved(2).
	HeaderSize = 12

	// MaxMessageSize bounds the payload of a single envelope.
	MaxMessageSize = 1024 * 1024
)

// Header is the fixed-size prefix of every envelope.
type Header struct {
	Version       uint8
	Type          uint8
	PayloadLength uint32
	Sequence      uint32 // carried, never interpreted by the relays
	Reserved      uint16
}

// Envelope is a decoded protocol message.
type Envelope struct {
	Header
	Payload []byte
}

var typeNames = map[uint8]string{
	TypeVideo:            "VIDEO",
	TypeAudio:            "AUDIO",
	TypeChat:             "CHAT",
	TypeFileUpload:       "FILE_UPLOAD",
	TypeFileDownload:     "FILE_DOWNLOAD",
	TypeScreenShare:      "SCREEN_SHARE",
	TypeHandshake:        "HANDSHAKE",
	TypeDisconnect:       "DISCONNECT",
	TypeAck:              "ACK",
	TypeHeartbeat:        "HEARTBEAT",
	TypeUserListRequest:  "USER_LIST_REQUEST",
	TypeUserListResponse: "USER_LIST",
	TypeFileMetadata:     "FILE_METADATA",
	TypeFileChunk:        "FILE_CHUNK",
	TypeError:            "ERROR",
}

// TypeName returns a printable name for a message type.
func TypeName(t uint8) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}
