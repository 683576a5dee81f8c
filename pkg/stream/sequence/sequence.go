// Package sequence provides the padded atomic counters that coordinate
// producers and consumers over a shared ring buffer. Both the publish cursor
// and every consumer position are sequences.
package sequence

import "sync/atomic"

// InitialValue marks a sequence that has not observed any slot yet.
const InitialValue int64 = -1

// Sequence is a monotonically non-decreasing 64-bit counter padded to a full
// cache line on both sides so neighbouring sequences never share a line.
type Sequence struct {
	_     [56]byte
	value atomic.Int64
	_     [56]byte
}

// New returns a sequence starting at the given value.
func New(initial int64) *Sequence {
	s := &Sequence{}
	s.value.Store(initial)
	return s
}

// Get returns the current value with acquire semantics.
func (s *Sequence) Get() int64 {
	return s.value.Load()
}

// Set stores the value with release semantics. Used on the publish path.
func (s *Sequence) Set(v int64) {
	s.value.Store(v)
}

// SetVolatile stores the value with a full fence.
func (s *Sequence) SetVolatile(v int64) {
	s.value.Store(v)
}

// CompareAndSet atomically replaces expected with next.
func (s *Sequence) CompareAndSet(expected, next int64) bool {
	return s.value.CompareAndSwap(expected, next)
}

// IncrementAndGet advances the sequence by one and returns the new value.
func (s *Sequence) IncrementAndGet() int64 {
	return s.value.Add(1)
}

// AddAndGet advances the sequence by delta and returns the new value.
func (s *Sequence) AddAndGet(delta int64) int64 {
	return s.value.Add(delta)
}
