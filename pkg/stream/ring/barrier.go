package ring

import (
	"sync/atomic"

	"github.com/Aidin1998/streamcore/pkg/stream/wait"
)

// Barrier is the consumer-side view over the cursor, the wait strategy and
// an alert flag. Consumers park on it until the sequence they need is
// published; control signals (cancel, terminal) break the wait via Alert.
type Barrier struct {
	sequencer Sequencer
	ws        wait.Strategy
	alerted   atomic.Bool
}

func newBarrier(seq Sequencer, ws wait.Strategy) *Barrier {
	return &Barrier{sequencer: seq, ws: ws}
}

// WaitFor blocks until the cursor reaches target and returns the highest
// contiguously published sequence, which may exceed target. Returns
// wait.ErrAlert when the barrier was alerted or the waiter aborted.
func (b *Barrier) WaitFor(target int64, waiter func() error) (int64, error) {
	check := func() error {
		if b.alerted.Load() {
			return wait.ErrAlert
		}
		if waiter != nil {
			return waiter()
		}
		return nil
	}
	if err := check(); err != nil {
		return 0, err
	}
	avail, err := b.ws.WaitFor(target, wait.CursorFunc(b.sequencer.Cursor), check)
	if err != nil {
		return 0, err
	}
	if avail < target {
		return avail, nil
	}
	return b.sequencer.HighestPublished(target, avail), nil
}

// Alert sets the flag and wakes all waiters. The next WaitFor fails with
// wait.ErrAlert until ClearAlert runs.
func (b *Barrier) Alert() {
	b.alerted.Store(true)
	b.ws.SignalAllWhenBlocking()
}

// ClearAlert resets the flag after a consumer observed and handled the
// alert.
func (b *Barrier) ClearAlert() {
	b.alerted.Store(false)
}

// IsAlerted reports whether the alert flag is raised.
func (b *Barrier) IsAlerted() bool {
	return b.alerted.Load()
}

// Signal wakes waiters without alerting. Used when only completion or error
// state was raised and waiters re-check their own predicates.
func (b *Barrier) Signal() {
	b.ws.SignalAllWhenBlocking()
}
