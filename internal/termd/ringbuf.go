package termd

import "sync"

// DefaultReplayBytes is the default replay buffer capacity. Sized to
// cover the browser renderer's 10,000-line scrollback at a generous
// average line width; the two are treated as coupled.
const DefaultReplayBytes = 1 << 20

// RingBuffer is a fixed-capacity circular byte store holding the most
// recent child output. The daemon appends every byte the child emits
// and dumps the whole buffer to each newly attached connection. Oldest
// bytes are silently overwritten once the buffer is full.
type RingBuffer struct {
	mu      sync.Mutex
	buf     []byte
	next    int // next write offset
	wrapped bool
}

// NewRingBuffer creates a ring buffer holding at most capacity bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultReplayBytes
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write appends data, overwriting the oldest bytes when full.
func (r *RingBuffer) Write(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Writes larger than the whole buffer reduce to their tail.
	if len(data) > len(r.buf) {
		data = data[len(data)-len(r.buf):]
		r.next = 0
		r.wrapped = true
	}
	for len(data) > 0 {
		n := copy(r.buf[r.next:], data)
		data = data[n:]
		r.next += n
		if r.next == len(r.buf) {
			r.next = 0
			r.wrapped = true
		}
	}
}

// Snapshot returns the buffered bytes oldest-first in a freshly
// allocated slice. When the buffer has wrapped, the oldest retained
// bytes may begin mid-way through a multi-byte UTF-8 character; the
// orphaned continuation bytes are trimmed so replays start on a
// character boundary.
func (r *RingBuffer) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.wrapped {
		out := make([]byte, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]byte, len(r.buf))
	n := copy(out, r.buf[r.next:])
	copy(out[n:], r.buf[:r.next])
	return trimContinuationBytes(out)
}

// Len reports how many bytes a Snapshot would return, before any UTF-8
// boundary trimming.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wrapped {
		return len(r.buf)
	}
	return r.next
}

// trimContinuationBytes drops orphaned UTF-8 continuation bytes
// (0b10xxxxxx) from the front of data. At most three can be orphaned by
// an overwrite that split a multi-byte character.
func trimContinuationBytes(data []byte) []byte {
	i := 0
	for i < len(data) && i < 3 && data[i]&0xC0 == 0x80 {
		i++
	}
	return data[i:]
}
