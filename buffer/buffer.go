package buffer

import (
	"sync"

	"go.uber.org/zap"
)

// RingBuffer is a thread-safe generic circular buffer.
// When full, new items overwrite the oldest ones and are counted as dropped.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	data     []T
	capacity int
	size     int
	head     int
	dropped  uint64
	logger   *zap.Logger
}

// New creates a new generic RingBuffer with the specified capacity
func New[T any](capacity int, logger *zap.Logger) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// Add inserts a new item, overwriting the oldest entry when full
func (rb *RingBuffer[T]) Add(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.add(item)
}

// AddAll inserts items in order under one lock. Used to requeue a failed push.
func (rb *RingBuffer[T]) AddAll(items []T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for _, item := range items {
		rb.add(item)
	}
}

func (rb *RingBuffer[T]) add(item T) {
	if rb.size == rb.capacity {
		rb.dropped++
		// Log the first overwrite and then every capacity-th one
		if rb.dropped == 1 || rb.dropped%uint64(rb.capacity) == 0 {
			rb.logger.Warn("ring buffer full, overwriting oldest entry",
				zap.Int("capacity", rb.capacity),
				zap.Uint64("dropped_total", rb.dropped))
		}
	}

	rb.data[rb.head] = item
	rb.head = (rb.head + 1) % rb.capacity

	if rb.size < rb.capacity {
		rb.size++
	}
}

// GetAllAndClear atomically returns all buffered items, oldest first, and empties the buffer
func (rb *RingBuffer[T]) GetAllAndClear() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return nil
	}

	// Oldest entry sits size slots behind head
	start := (rb.head - rb.size + rb.capacity) % rb.capacity
	results := make([]T, rb.size)
	for i := range results {
		results[i] = rb.data[(start+i)%rb.capacity]
	}

	var zero T
	for i := range rb.data {
		rb.data[i] = zero
	}
	rb.size = 0
	rb.head = 0

	return results
}

// Latest returns the newest item without removing it
func (rb *RingBuffer[T]) Latest() (T, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var zero T
	if rb.size == 0 {
		return zero, false
	}
	return rb.data[(rb.head-1+rb.capacity)%rb.capacity], true
}

// Size returns the current number of entries in the buffer
func (rb *RingBuffer[T]) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the maximum capacity of the buffer
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}

// Dropped returns how many items were overwritten since creation
func (rb *RingBuffer[T]) Dropped() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.dropped
}

// Stats returns buffer statistics (size and capacity)
func (rb *RingBuffer[T]) Stats() (size, capacity int) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size, rb.capacity
}
