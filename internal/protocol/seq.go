package protocol

import "sync/atomic"

// SeqGen is a per-stream atomic sequence number generator. Relays use it to
// stamp the envelopes they originate; receivers never reorder on it.
type SeqGen struct {
	val atomic.Uint32
}

// Next returns the next sequence number (monotonically increasing from 1,
// wrapping at 2^32).
func (s *SeqGen) Next() uint32 {
	return s.val.Add(1)
}
