package protocol

import (
	"encoding/binary"
	"fmt"
)

// FileMetadata describes a file being uploaded or downloaded.
type FileMetadata struct {
	Filename string
	Filesize uint64
	Checksum string // hex MD5, may be empty
}

// EncodeFileMetadata serializes m as
// nameLen:u32 | name | size:u64 | sumLen:u32 | sum.
func EncodeFileMetadata(m FileMetadata) []byte {
	buf := make([]byte, 0, 4+len(m.Filename)+8+4+len(m.Checksum))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Filename)))
	buf = append(buf, m.Filename...)
	buf = binary.BigEndian.AppendUint64(buf, m.Filesize)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Checksum)))
	buf = append(buf, m.Checksum...)
	return buf
}

// DecodeFileMetadata parses a FILE_METADATA payload.
func DecodeFileMetadata(data []byte) (FileMetadata, error) {
	var m FileMetadata

	if len(data) < 4 {
		return m, &FramingError{Reason: "metadata too short for filename length"}
	}
	nameLen := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint64(len(data)) < uint64(nameLen)+8+4 {
		return m, &FramingError{Reason: fmt.Sprintf("metadata truncated: filename length %d", nameLen)}
	}
	m.Filename = string(data[:nameLen])
	data = data[nameLen:]

	m.Filesize = binary.BigEndian.Uint64(data[:8])
	sumLen := binary.BigEndian.Uint32(data[8:12])
	data = data[12:]
	if uint64(len(data)) < uint64(sumLen) {
		return m, &FramingError{Reason: fmt.Sprintf("metadata truncated: checksum length %d", sumLen)}
	}
	m.Checksum = string(data[:sumLen])
	return m, nil
}
