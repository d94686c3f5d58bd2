// Package ringbuf is a fixed-capacity circular buffer that overwrites the
// oldest entry when full. One goroutine writes; any number may read
// through Snapshot or Read.
package ringbuf

import (
	"fmt"
	"sync"

	"github.com/shaunagostinho/obdbridge/internal/obd"
)

// Buffer holds at most Cap() entries in a fixed backing array.
type Buffer[T any] struct {
	mu   sync.Mutex
	data []T
	head int // next write position
	tail int // oldest entry
	size int
}

// New allocates a buffer of the given capacity.
func New[T any](capacity int) (*Buffer[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ringbuf: capacity %d: %w", capacity, obd.ErrConfig)
	}
	return &Buffer[T]{data: make([]T, capacity)}, nil
}

// Write appends v, overwriting the oldest entry when full. It reports
// whether an entry was dropped.
func (b *Buffer[T]) Write(v T) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data[b.head] = v
	b.head = (b.head + 1) % len(b.data)
	if b.size == len(b.data) {
		b.tail = (b.tail + 1) % len(b.data)
		return true
	}
	b.size++
	return false
}

// Read removes and returns the oldest entry.
func (b *Buffer[T]) Read() (T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	if b.size == 0 {
		return zero, fmt.Errorf("ringbuf: read: %w", obd.ErrBufferEmpty)
	}
	v := b.data[b.tail]
	b.data[b.tail] = zero
	b.tail = (b.tail + 1) % len(b.data)
	b.size--
	return v, nil
}

// Latest returns the newest entry without removing it.
func (b *Buffer[T]) Latest() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	if b.size == 0 {
		return zero, false
	}
	return b.data[(b.head-1+len(b.data))%len(b.data)], true
}

// Snapshot copies the entries from oldest to newest.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]T, b.size)
	for i := range out {
		out[i] = b.data[(b.tail+i)%len(b.data)]
	}
	return out
}

// Clear empties the buffer without reallocating.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.data)
	b.head, b.tail, b.size = 0, 0, 0
}

func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer[T]) Cap() int { return len(b.data) }
