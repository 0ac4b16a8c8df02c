package protocol

import "fmt"

// FramingError reports a malformed or truncated envelope. Stream consumers
// recover from it by skipping forward.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "framing error: " + e.Reason }

// VersionError reports an envelope carrying an unsupported protocol version.
// Only the offending message is dropped.
type VersionError struct {
	Got uint8
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("unsupported protocol version %d (want %d)", e.Got, Version)
}

// CapacityError reports a message or file larger than the configured limit.
type CapacityError struct {
	What  string
	Size  int64
	Limit int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s too large: %d bytes (limit %d)", e.What, e.Size, e.Limit)
}

// IntegrityError reports a checksum mismatch on a transferred file.
type IntegrityError struct {
	Name string
	Want string
	Got  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for %q: want %s, got %s", e.Name, e.Want, e.Got)
}

// TransportError wraps a socket read or write failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }
