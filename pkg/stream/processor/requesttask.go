package processor

import (
	"github.com/Aidin1998/streamcore/pkg/stream/reactive"
	"github.com/Aidin1998/streamcore/pkg/stream/wait"
)

// startRequestTask anchors the minimum sequence at the current cursor,
// registers it as a gating sequence so producers cannot overwrite data a
// fresh first subscriber may still replay, and spawns the replenishment
// task pulling from the upstream subscription.
func (p *Broadcast[T]) startRequestTask(s reactive.Subscription) {
	p.minimum.Set(p.buf.Cursor())
	p.buf.AddGatingSequence(p.minimum)
	p.upstreamGate.Store(true)
	go p.runRequestTask(s)
}

// runRequestTask keeps upstream demand topped up as consumers drain,
// bounded by the buffer size. It parks on readWait until the slowest
// consumer moves and exits once the processor is no longer alive.
func (p *Broadcast[T]) runRequestTask(s reactive.Subscription) {
	bufferSize := p.buf.BufferSize()
	limit := bufferSize - bufferSize/4
	if limit < 1 {
		limit = 1
	}

	observer := func() error {
		if p.terminated.Load() || p.cancelled.Load() {
			return wait.ErrAlert
		}
		return nil
	}
	readCount := wait.CursorFunc(func() int64 {
		if p.subscriberCount.Load() == 0 {
			return p.minimum.Get()
		}
		return p.buf.MinimumGatingSequence(p.minimum)
	})

	if observer() != nil {
		return
	}
	s.Request(bufferSize)

	cursor := p.minimum.Get()
	for {
		cursor += limit
		if _, err := p.readWait.WaitFor(cursor, readCount, observer); err != nil {
			p.logger.Debug("request task exiting")
			return
		}
		p.minimum.Set(cursor)
		s.Request(limit)
	}
}
