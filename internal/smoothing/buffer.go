// Package smoothing provides a fixed-size circular averaging buffer used to
// smooth control setpoints (motor thrust, rudder angle) before they are
// transmitted over the air.
package smoothing

// DefaultSize is the capacity used when a non-positive size is requested.
// With a capacity of 1 the buffer passes the last posted value through.
const DefaultSize = 1

// Buffer is a ring of integers with a running sum. It is not safe for
// concurrent use; callers guard it with their own lock.
type Buffer struct {
	values []int
	sum    int
	cursor int // index of the most recent post, -1 before the first
}

// New returns an empty buffer holding size values.
func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{
		values: make([]int, size),
		cursor: -1,
	}
}

// Cap returns the fixed capacity of the buffer.
func (b *Buffer) Cap() int {
	return len(b.values)
}

// Post overwrites the oldest slot with v.
func (b *Buffer) Post(v int) {
	b.cursor = (b.cursor + 1) % len(b.values)
	b.sum += v - b.values[b.cursor]
	b.values[b.cursor] = v
}

// Fetch returns the integer average over the whole capacity. Slots never
// written count as zero.
func (b *Buffer) Fetch() int {
	return b.sum / len(b.values)
}

// Clear resets the buffer to its freshly constructed state.
func (b *Buffer) Clear() {
	clear(b.values)
	b.sum = 0
	b.cursor = -1
}

// Flood fills every slot with v.
func (b *Buffer) Flood(v int) {
	for i := range b.values {
		b.values[i] = v
	}
	b.sum = v * len(b.values)
}
