package audio

// RingCapacity is how many chunks a sender may have waiting for the mixer.
const RingCapacity = 10

// ring is a fixed-capacity FIFO of PCM chunks that overwrites its oldest
// entry when full. The receive loop never blocks on a slow mixer; excess
// audio is lost instead.
type ring struct {
	chunks [RingCapacity][]byte
	head   int // index of the oldest chunk
	size   int
}

// push appends chunk, dropping the oldest one when the ring is full. It
// reports whether a chunk was dropped.
func (r *ring) push(chunk []byte) bool {
	if r.size == RingCapacity {
		r.chunks[r.head] = chunk
		r.head = (r.head + 1) % RingCapacity
		return true
	}
	r.chunks[(r.head+r.size)%RingCapacity] = chunk
	r.size++
	return false
}

// pop removes and returns the oldest chunk, or nil when empty.
func (r *ring) pop() []byte {
	if r.size == 0 {
		return nil
	}
	chunk := r.chunks[r.head]
	r.chunks[r.head] = nil
	r.head = (r.head + 1) % RingCapacity
	r.size--
	return chunk
}

func (r *ring) len() int { return r.size }
