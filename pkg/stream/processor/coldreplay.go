package processor

import (
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/Aidin1998/streamcore/pkg/stream/reactive"
	"github.com/Aidin1998/streamcore/pkg/stream/sequence"
)

// coldSource wraps the residual ring contents plus the stored terminal
// signal into a one-shot publisher for subscribers arriving after
// termination. A rejection that routed the subscriber here is attached to
// the stored error.
func (p *Broadcast[T]) coldSource(rejection error) reactive.Publisher[T] {
	start := p.minimum.Get()
	cursor := p.buf.Cursor()
	if wrap := cursor - p.buf.BufferSize(); start < wrap {
		// older slots were overwritten; replay only what survived
		start = wrap
	}
	items := make([]T, 0, cursor-start)
	for seq := start + 1; seq <= cursor; seq++ {
		items = append(items, p.buf.SlotAt(seq).Value)
	}
	terminal := p.terminalError()
	if terminal != nil && rejection != nil {
		terminal = multierr.Append(terminal, rejection)
	}
	return &coldPublisher[T]{items: items, err: terminal}
}

type coldPublisher[T any] struct {
	items []T
	err   error
}

func (c *coldPublisher[T]) Subscribe(sub reactive.Subscriber[T]) {
	if sub == nil {
		return
	}
	sub.OnSubscribe(&coldSubscription[T]{
		sub:       sub,
		items:     c.items,
		err:       c.err,
		requested: sequence.New(0),
	})
}

// coldSubscription drains a fixed snapshot on the requesting goroutine,
// paced by demand. The wip counter serializes re-entrant Request calls.
type coldSubscription[T any] struct {
	sub       reactive.Subscriber[T]
	items     []T
	err       error
	requested *sequence.Sequence
	index     int64
	done      atomic.Bool
	wip       atomic.Int32
}

func (s *coldSubscription[T]) Request(n int64) {
	if err := reactive.ValidateRequest(n); err != nil {
		if s.done.CompareAndSwap(false, true) {
			s.sub.OnError(err)
		}
		return
	}
	reactive.AddCap(s.requested, n)
	if s.wip.Add(1) != 1 {
		return
	}
	missed := int32(1)
	for {
		for s.index < int64(len(s.items)) {
			if s.done.Load() {
				return
			}
			if s.requested.Get() == 0 {
				break
			}
			s.sub.OnNext(s.items[s.index])
			s.index++
			reactive.GetAndSub(s.requested, 1)
		}
		if s.index >= int64(len(s.items)) {
			if s.done.CompareAndSwap(false, true) {
				if s.err != nil {
					s.sub.OnError(s.err)
				} else {
					s.sub.OnComplete()
				}
			}
			return
		}
		missed = s.wip.Add(-missed)
		if missed == 0 {
			return
		}
	}
}

func (s *coldSubscription[T]) Cancel() {
	s.done.Store(true)
}
