// Package ring provides a fixed-capacity FIFO buffer.
//
// Buffer is not safe for concurrent use; owners guard it with their own
// mutex so that buffer updates and derived aggregates change atomically.
package ring

// Buffer holds at most Cap items, evicting the oldest on overflow.
type Buffer[T any] struct {
	buf  []T
	head int
	size int
}

// New creates a buffer with the given capacity. Capacities below one are
// raised to one.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{buf: make([]T, capacity)}
}

// Push appends v. When the buffer is full the oldest item is overwritten and
// returned with evicted=true.
func (b *Buffer[T]) Push(v T) (old T, evicted bool) {
	if b.size == len(b.buf) {
		old = b.buf[b.head]
		evicted = true
	} else {
		b.size++
	}
	b.buf[b.head] = v
	b.head = (b.head + 1) % len(b.buf)
	return old, evicted
}

// Len reports the number of retained items.
func (b *Buffer[T]) Len() int { return b.size }

// Cap reports the capacity.
func (b *Buffer[T]) Cap() int { return len(b.buf) }

// At returns the i-th retained item, 0 being the oldest.
func (b *Buffer[T]) At(i int) T {
	if i < 0 || i >= b.size {
		panic("ring: index out of range")
	}
	return b.buf[(b.start()+i)%len(b.buf)]
}

// Snapshot copies the retained items, oldest first.
func (b *Buffer[T]) Snapshot() []T {
	out := make([]T, b.size)
	start := b.start()
	for i := 0; i < b.size; i++ {
		out[i] = b.buf[(start+i)%len(b.buf)]
	}
	return out
}

// Last copies up to n of the most recent items, oldest first.
func (b *Buffer[T]) Last(n int) []T {
	if n > b.size {
		n = b.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	offset := b.size - n
	start := b.start()
	for i := 0; i < n; i++ {
		out[i] = b.buf[(start+offset+i)%len(b.buf)]
	}
	return out
}

func (b *Buffer[T]) start() int {
	return (b.head - b.size + len(b.buf)) % len(b.buf)
}
