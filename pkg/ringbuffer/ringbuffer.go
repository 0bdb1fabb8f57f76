// Package ringbuffer contains a bounded, blocking single-producer ring
// buffer used to decouple a stream's read path from its write path.
package ringbuffer

import (
	"fmt"
	"sync"
)

// RingBuffer is a fixed-capacity ring buffer of interface{} slots.
type RingBuffer struct {
	size       uint64
	mutex      sync.Mutex
	cond       *sync.Cond
	buffer     []interface{}
	readIndex  uint64
	writeIndex uint64
	closed     bool
}

// New allocates a RingBuffer of the given size, which must be a power of
// two (the index arithmetic below relies on wraparound).
func New(size uint64) (*RingBuffer, error) {
	if size == 0 || (size&(size-1)) != 0 {
		return nil, fmt.Errorf("size must be a power of two, got %d", size)
	}

	r := &RingBuffer{
		size:   size,
		buffer: make([]interface{}, size),
	}
	r.cond = sync.NewCond(&r.mutex)
	return r, nil
}

// Close discards any buffered entries and makes every pending and later
// Pull return false immediately.
func (r *RingBuffer) Close() {
	r.mutex.Lock()
	r.closed = true
	for i := range r.buffer {
		r.buffer[i] = nil
	}
	r.mutex.Unlock()
	r.cond.Broadcast()
}

// Push appends data, returning false if the buffer is full.
func (r *RingBuffer) Push(data interface{}) bool {
	r.mutex.Lock()
	if r.buffer[r.writeIndex] != nil {
		r.mutex.Unlock()
		return false
	}
	r.buffer[r.writeIndex] = data
	r.writeIndex = (r.writeIndex + 1) % r.size
	r.mutex.Unlock()
	r.cond.Broadcast()
	return true
}

// Pull blocks until data is available or the buffer is closed.
func (r *RingBuffer) Pull() (interface{}, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for {
		data := r.buffer[r.readIndex]
		if data != nil {
			r.buffer[r.readIndex] = nil
			r.readIndex = (r.readIndex + 1) % r.size
			return data, true
		}

		if r.closed {
			return nil, false
		}

		r.cond.Wait()
	}
}
