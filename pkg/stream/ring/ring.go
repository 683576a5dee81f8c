package ring

import (
	"github.com/Aidin1998/streamcore/pkg/stream/sequence"
	"github.com/Aidin1998/streamcore/pkg/stream/wait"
)

// Slot is a single pre-allocated cell of the ring. It is written only by
// the producer that reserved its sequence and read by any number of
// consumers; the publish/wait ordering makes the write visible.
type Slot[T any] struct {
	Value T
}

// Buffer is a power-of-two slot array coordinated by a Sequencer. Slots are
// reused on wrap-around; no per-signal allocation happens in steady state.
type Buffer[T any] struct {
	slots     []Slot[T]
	indexMask int64
	sequencer Sequencer
	ws        wait.Strategy
}

// NewSingleProducer builds a ring buffer claimed by one publishing
// goroutine. fill, when non-nil, eagerly populates every slot value at
// construction.
func NewSingleProducer[T any](bufferSize int64, ws wait.Strategy, spinObserver func() error, fill func() T) (*Buffer[T], error) {
	seq, err := NewSingleProducerSequencer(bufferSize, ws, spinObserver)
	if err != nil {
		return nil, err
	}
	return newBuffer[T](bufferSize, seq, ws, fill), nil
}

// NewMultiProducer builds a ring buffer safe for concurrent publishers.
func NewMultiProducer[T any](bufferSize int64, ws wait.Strategy, spinObserver func() error, fill func() T) (*Buffer[T], error) {
	seq, err := NewMultiProducerSequencer(bufferSize, ws, spinObserver)
	if err != nil {
		return nil, err
	}
	return newBuffer[T](bufferSize, seq, ws, fill), nil
}

func newBuffer[T any](bufferSize int64, seq Sequencer, ws wait.Strategy, fill func() T) *Buffer[T] {
	b := &Buffer[T]{
		slots:     make([]Slot[T], bufferSize),
		indexMask: bufferSize - 1,
		sequencer: seq,
		ws:        ws,
	}
	if fill != nil {
		for i := range b.slots {
			b.slots[i].Value = fill()
		}
	}
	return b
}

// SlotAt returns the slot owning the given sequence.
func (b *Buffer[T]) SlotAt(seq int64) *Slot[T] {
	return &b.slots[seq&b.indexMask]
}

// Publish reserves the next slot, writes v into it and makes it visible to
// consumers. Blocks while the ring is full.
func (b *Buffer[T]) Publish(v T) error {
	seq, err := b.sequencer.Next(1)
	if err != nil {
		return err
	}
	b.slots[seq&b.indexMask].Value = v
	b.sequencer.Publish(seq, seq)
	return nil
}

// Cursor returns the highest claimed sequence.
func (b *Buffer[T]) Cursor() int64 { return b.sequencer.Cursor() }

// BufferSize returns the number of slots.
func (b *Buffer[T]) BufferSize() int64 { return b.sequencer.BufferSize() }

// NewBarrier returns a consumer-side barrier over this buffer's cursor.
func (b *Buffer[T]) NewBarrier() *Barrier {
	return newBarrier(b.sequencer, b.ws)
}

// AddGatingSequence registers a consumer position the producers must not
// overtake by more than the buffer size.
func (b *Buffer[T]) AddGatingSequence(s *sequence.Sequence) {
	b.sequencer.AddGatingSequence(s)
}

// RemoveGatingSequence unregisters a consumer position; idempotent.
func (b *Buffer[T]) RemoveGatingSequence(s *sequence.Sequence) {
	b.sequencer.RemoveGatingSequence(s)
}

// MinimumGatingSequence returns the slowest registered consumer position,
// skipping exclude when non-nil and falling back to the cursor when none
// is registered.
func (b *Buffer[T]) MinimumGatingSequence(exclude *sequence.Sequence) int64 {
	return b.sequencer.MinimumGatingSequence(exclude)
}

// GatingSequences returns a snapshot of the registered consumer positions.
func (b *Buffer[T]) GatingSequences() []*sequence.Sequence {
	return b.sequencer.GatingSequences()
}

// Pending is the number of published slots not yet consumed by the slowest
// consumer. Advisory under concurrency.
func (b *Buffer[T]) Pending() int64 {
	return b.sequencer.Cursor() - b.sequencer.MinimumGatingSequence(nil)
}

// RemainingCapacity is the number of slots producers can still claim before
// blocking on the slowest consumer.
func (b *Buffer[T]) RemainingCapacity() int64 {
	return b.BufferSize() - b.Pending()
}

// Sequencer exposes the underlying sequencer for introspection.
func (b *Buffer[T]) Sequencer() Sequencer { return b.sequencer }
