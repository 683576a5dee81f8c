// Package ring implements the bounded pre-allocated slot array shared by
// producers and consumers, together with the sequencers that reserve and
// publish slots and the barriers consumers wait on.
package ring

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/Aidin1998/streamcore/pkg/stream/sequence"
	"github.com/Aidin1998/streamcore/pkg/stream/wait"
)

// Sequencer reserves slot indices for producers, publishes them to
// consumers and tracks the set of gating sequences that must not be
// overtaken by more than the buffer size.
type Sequencer interface {
	// Next reserves n consecutive slots and returns the highest claimed
	// sequence. Blocks while the ring is full; the spin observer may abort
	// the wait with wait.ErrAlert.
	Next(n int64) (int64, error)
	// Publish makes every sequence in [lo, hi] visible to consumers.
	Publish(lo, hi int64)
	// HighestPublished returns the largest sequence in [lo, hi] such that
	// every sequence up to it has been published. Returns lo-1 when the
	// slot at lo is still in flight.
	HighestPublished(lo, hi int64) int64
	// Cursor is the highest claimed (single producer: published) sequence.
	Cursor() int64

	AddGatingSequence(s *sequence.Sequence)
	RemoveGatingSequence(s *sequence.Sequence)
	// MinimumGatingSequence returns the minimum over registered gating
	// sequences, skipping exclude when non-nil. Falls back to the cursor
	// when no gating sequence is registered.
	MinimumGatingSequence(exclude *sequence.Sequence) int64
	GatingSequences() []*sequence.Sequence

	BufferSize() int64
}

// IsPowerOfTwo reports whether n is a non-zero power of two.
func IsPowerOfTwo(n int64) bool {
	return n > 0 && n&(n-1) == 0
}

const claimParkInterval = 50 * time.Nanosecond

// baseSequencer carries the state shared by both producer variants: the
// cursor, the wait strategy and the copy-on-write gating sequence set.
type baseSequencer struct {
	bufferSize   int64
	cursor       *sequence.Sequence
	waitStrategy wait.Strategy
	spinObserver func() error
	gating       atomic.Pointer[[]*sequence.Sequence]
}

func newBaseSequencer(bufferSize int64, ws wait.Strategy, spinObserver func() error) (baseSequencer, error) {
	if !IsPowerOfTwo(bufferSize) {
		return baseSequencer{}, fmt.Errorf("ring: buffer size must be a power of 2, got %d", bufferSize)
	}
	if spinObserver == nil {
		spinObserver = func() error { return nil }
	}
	b := baseSequencer{
		bufferSize:   bufferSize,
		cursor:       sequence.New(sequence.InitialValue),
		waitStrategy: ws,
		spinObserver: spinObserver,
	}
	empty := make([]*sequence.Sequence, 0)
	b.gating.Store(&empty)
	return b, nil
}

func (b *baseSequencer) BufferSize() int64 { return b.bufferSize }

func (b *baseSequencer) Cursor() int64 { return b.cursor.Get() }

// AddGatingSequence registers a consumer position. The caller initializes
// the sequence (current cursor, or a replay anchor for a first subscriber)
// before registering; the value is left untouched here.
func (b *baseSequencer) AddGatingSequence(s *sequence.Sequence) {
	for {
		old := b.gating.Load()
		next := make([]*sequence.Sequence, len(*old)+1)
		copy(next, *old)
		next[len(*old)] = s
		if b.gating.CompareAndSwap(old, &next) {
			return
		}
	}
}

// RemoveGatingSequence unregisters a consumer position. Removing a
// non-member is a no-op.
func (b *baseSequencer) RemoveGatingSequence(s *sequence.Sequence) {
	for {
		old := b.gating.Load()
		idx := -1
		for i, g := range *old {
			if g == s {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		next := make([]*sequence.Sequence, 0, len(*old)-1)
		next = append(next, (*old)[:idx]...)
		next = append(next, (*old)[idx+1:]...)
		if b.gating.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (b *baseSequencer) MinimumGatingSequence(exclude *sequence.Sequence) int64 {
	min := int64(-1)
	found := false
	for _, g := range *b.gating.Load() {
		if g == exclude {
			continue
		}
		v := g.Get()
		if !found || v < min {
			min = v
			found = true
		}
	}
	if !found {
		return b.cursor.Get()
	}
	return min
}

func (b *baseSequencer) GatingSequences() []*sequence.Sequence {
	snapshot := *b.gating.Load()
	out := make([]*sequence.Sequence, len(snapshot))
	copy(out, snapshot)
	return out
}

// singleProducerSequencer claims slots without atomics: only one goroutine
// may call Next at a time. Publish advances the cursor with a release store.
type singleProducerSequencer struct {
	baseSequencer
	nextValue   int64
	cachedValue int64
}

// NewSingleProducerSequencer returns a sequencer for a single publishing
// goroutine.
func NewSingleProducerSequencer(bufferSize int64, ws wait.Strategy, spinObserver func() error) (Sequencer, error) {
	base, err := newBaseSequencer(bufferSize, ws, spinObserver)
	if err != nil {
		return nil, err
	}
	return &singleProducerSequencer{
		baseSequencer: base,
		nextValue:     sequence.InitialValue,
		cachedValue:   sequence.InitialValue,
	}, nil
}

func (s *singleProducerSequencer) Next(n int64) (int64, error) {
	next := s.nextValue + n
	wrapPoint := next - s.bufferSize
	if wrapPoint > s.cachedValue || s.cachedValue > s.nextValue {
		min := s.MinimumGatingSequence(nil)
		for wrapPoint > min {
			if err := s.spinObserver(); err != nil {
				return 0, err
			}
			time.Sleep(claimParkInterval)
			min = s.MinimumGatingSequence(nil)
		}
		s.cachedValue = min
	}
	s.nextValue = next
	return next, nil
}

func (s *singleProducerSequencer) Publish(lo, hi int64) {
	s.cursor.Set(hi)
	s.waitStrategy.SignalAllWhenBlocking()
}

func (s *singleProducerSequencer) HighestPublished(lo, hi int64) int64 {
	return hi
}

// multiProducerSequencer lets any number of goroutines claim slots through
// a CAS loop on the cursor. Publication is tracked per slot in an
// availability buffer, since claims may complete out of order.
type multiProducerSequencer struct {
	baseSequencer
	gatingCache *sequence.Sequence
	available   []atomic.Int32
	indexMask   int64
	indexShift  uint
}

// NewMultiProducerSequencer returns a sequencer safe for concurrent Next
// and Publish callers.
func NewMultiProducerSequencer(bufferSize int64, ws wait.Strategy, spinObserver func() error) (Sequencer, error) {
	base, err := newBaseSequencer(bufferSize, ws, spinObserver)
	if err != nil {
		return nil, err
	}
	m := &multiProducerSequencer{
		baseSequencer: base,
		gatingCache:   sequence.New(sequence.InitialValue),
		available:     make([]atomic.Int32, bufferSize),
		indexMask:     bufferSize - 1,
		indexShift:    uint(bits.TrailingZeros64(uint64(bufferSize))),
	}
	for i := range m.available {
		m.available[i].Store(-1)
	}
	return m, nil
}

func (m *multiProducerSequencer) Next(n int64) (int64, error) {
	for {
		current := m.cursor.Get()
		next := current + n
		wrapPoint := next - m.bufferSize
		cached := m.gatingCache.Get()
		if wrapPoint > cached || cached > current {
			min := m.MinimumGatingSequence(nil)
			if wrapPoint > min {
				if err := m.spinObserver(); err != nil {
					return 0, err
				}
				time.Sleep(claimParkInterval)
				continue
			}
			m.gatingCache.Set(min)
		} else if m.cursor.CompareAndSet(current, next) {
			return next, nil
		}
	}
}

func (m *multiProducerSequencer) Publish(lo, hi int64) {
	for seq := lo; seq <= hi; seq++ {
		m.setAvailable(seq)
	}
	m.waitStrategy.SignalAllWhenBlocking()
}

func (m *multiProducerSequencer) setAvailable(seq int64) {
	m.available[seq&m.indexMask].Store(int32(seq >> m.indexShift))
}

func (m *multiProducerSequencer) isAvailable(seq int64) bool {
	return m.available[seq&m.indexMask].Load() == int32(seq>>m.indexShift)
}

func (m *multiProducerSequencer) HighestPublished(lo, hi int64) int64 {
	for seq := lo; seq <= hi; seq++ {
		if !m.isAvailable(seq) {
			return seq - 1
		}
	}
	return hi
}
