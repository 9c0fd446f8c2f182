// Package netbuf provides the bounded grow-on-demand byte buffer used for
// per-connection receive and transmit queues.
package netbuf

// Max is the hard capacity cap for a single buffer. A connection that needs
// more than this in flight is either stalled or misbehaving.
const Max = 16384

const initialCapacity = 512

// Buffer is a linear byte buffer with a read cursor. The readable span is
// [pos, size); the writable tail is [size, cap). Reserve compacts the
// readable span to the front before growing, and growth doubles the capacity
// up to Max.
type Buffer struct {
	data []byte
	pos  int
	size int
}

// New returns an empty buffer with the initial capacity.
func New() *Buffer {
	return &Buffer{data: make([]byte, initialCapacity)}
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return b.size - b.pos
}

// Cap returns the current capacity.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Readable returns the unread span. The slice is invalidated by the next
// Reserve or Consume.
func (b *Buffer) Readable() []byte {
	return b.data[b.pos:b.size]
}

// Reserve returns a writable region of n bytes, compacting and growing the
// buffer as needed. It reports false if n bytes cannot fit under Max. The
// region must be filled before calling Commit.
func (b *Buffer) Reserve(n int) ([]byte, bool) {
	if b.size+n <= len(b.data) {
		return b.data[b.size : b.size+n], true
	}

	// Compaction alone may make room.
	if b.pos > 0 {
		b.size = copy(b.data, b.data[b.pos:b.size])
		b.pos = 0
		if b.size+n <= len(b.data) {
			return b.data[b.size : b.size+n], true
		}
	}

	capacity := len(b.data)
	for b.size+n > capacity {
		if capacity >= Max {
			return nil, false
		}
		capacity *= 2
		if capacity > Max {
			capacity = Max
		}
	}

	data := make([]byte, capacity)
	copy(data, b.data[:b.size])
	b.data = data
	return b.data[b.size : b.size+n], true
}

// Commit marks n reserved bytes as valid.
func (b *Buffer) Commit(n int) {
	b.size += n
}

// Consume advances the read cursor past n bytes. Draining the buffer resets
// both cursors to the front.
func (b *Buffer) Consume(n int) {
	b.pos += n
	if b.pos == b.size {
		b.pos = 0
		b.size = 0
	}
}

// Append reserves, copies and commits p in one step. It reports false if p
// does not fit.
func (b *Buffer) Append(p []byte) bool {
	dst, ok := b.Reserve(len(p))
	if !ok {
		return false
	}
	copy(dst, p)
	b.Commit(len(p))
	return true
}
