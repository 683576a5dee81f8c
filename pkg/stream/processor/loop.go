package processor

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/streamcore/pkg/stream/reactive"
	"github.com/Aidin1998/streamcore/pkg/stream/sequence"
	"github.com/Aidin1998/streamcore/pkg/stream/wait"
)

const demandParkInterval = 50 * time.Nanosecond

// subscriberLoop is the per-subscriber consumer task. It owns one gating
// sequence, tracks the subscriber's pending demand and delivers signals in
// publish order until a terminal event or cancel.
//
// It doubles as the Subscription handed to the subscriber.
type subscriberLoop[T any] struct {
	p       *Broadcast[T]
	seq     *sequence.Sequence
	pending *sequence.Sequence
	sub     reactive.Subscriber[T]
	running atomic.Bool
}

func newSubscriberLoop[T any](p *Broadcast[T], pending *sequence.Sequence, sub reactive.Subscriber[T]) *subscriberLoop[T] {
	return &subscriberLoop[T]{
		p:       p,
		seq:     sequence.New(sequence.InitialValue),
		pending: pending,
		sub:     sub,
	}
}

// Request adds downstream demand. Non-positive demand errors this
// subscriber only; other subscribers are unaffected.
func (l *subscriberLoop[T]) Request(n int64) {
	if err := reactive.ValidateRequest(n); err != nil {
		l.deliverError(err)
		return
	}
	if !l.running.Load() {
		return
	}
	reactive.AddCap(l.pending, n)
}

// Cancel detaches this subscriber. No further signal is delivered, not
// even a terminal one. Idempotent.
func (l *subscriberLoop[T]) Cancel() {
	l.halt()
}

func (l *subscriberLoop[T]) halt() {
	l.running.Store(false)
	l.p.barrier.Alert()
}

// checkAlert aborts a wait once the loop is cancelled, or once the
// processor has recorded a terminal signal and this loop has consumed
// everything up to the cursor.
func (l *subscriberLoop[T]) checkAlert() error {
	if !l.running.Load() {
		return wait.ErrAlert
	}
	if l.p.terminated.Load() && l.seq.Get() >= l.p.buf.Cursor() {
		return wait.ErrAlert
	}
	return nil
}

// run is the consumer main loop, executed on a dedicated worker.
func (l *subscriberLoop[T]) run() {
	if !l.running.CompareAndSwap(false, true) {
		reactive.ErrorTo(l.sub, ErrAlreadyRunning)
		return
	}
	defer l.teardown()

	if !l.p.startSubscriber(l) {
		return
	}

	if !l.waitRequestOrTerminal() {
		if !l.running.Load() {
			return
		}
		if l.p.terminated.Load() && l.p.buf.Cursor() == sequence.InitialValue {
			// terminated before anything was published
			if err := l.p.terminalError(); err != nil {
				l.deliverError(err)
			} else {
				l.deliverComplete()
			}
			return
		}
	}

	nextSeq := l.seq.Get() + 1
	unbounded := l.pending.Get() == reactive.Unbounded

	for {
		avail, err := l.p.barrier.WaitFor(nextSeq, l.checkAlert)
		if err == nil {
			for nextSeq <= avail {
				slot := l.p.buf.SlotAt(nextSeq)
				if !unbounded {
					if err = l.awaitDemand(); err != nil {
						break
					}
				}
				if derr := l.safeOnNext(slot.Value); derr != nil {
					// isolate the failing subscriber: report, release the
					// offending slot and exit
					l.deliverError(derr)
					l.seq.Set(nextSeq)
					return
				}
				nextSeq++
			}
			if err == nil {
				l.seq.Set(avail)
				if l.p.hasUpstream() {
					l.p.readWait.SignalAllWhenBlocking()
				}
				continue
			}
		}

		// control signal: cancelled, terminated or spurious alert
		if !l.running.Load() {
			return
		}
		if l.p.terminated.Load() {
			if terr := l.p.terminalError(); terr != nil {
				l.deliverError(terr)
				return
			}
			if nextSeq > l.p.buf.Cursor() {
				l.deliverComplete()
				return
			}
		}
		l.p.barrier.ClearAlert()
	}
}

// waitRequestOrTerminal parks a fresh subscriber until it has demand or a
// terminal/cancel signal arrives. Returns false on the latter.
func (l *subscriberLoop[T]) waitRequestOrTerminal() bool {
	for l.pending.Get() <= 0 {
		waited := l.seq.Get() + 1
		if _, err := l.p.barrier.WaitFor(waited, l.checkAlert); err != nil {
			return false
		}
		if !l.running.Load() {
			return false
		}
		time.Sleep(demandParkInterval)
	}
	l.p.barrier.ClearAlert()
	return true
}

// awaitDemand parks until the subscriber has outstanding demand, consuming
// one unit. Unbounded demand never decrements.
func (l *subscriberLoop[T]) awaitDemand() error {
	for reactive.GetAndSub(l.pending, 1) == 0 {
		if !l.running.Load() || l.p.terminated.Load() {
			return wait.ErrAlert
		}
		time.Sleep(demandParkInterval)
	}
	return nil
}

// safeOnNext delivers one signal, converting a subscriber panic into an
// error for this subscriber only. Runtime errors are fatal and re-panic.
func (l *subscriberLoop[T]) safeOnNext(v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if re, ok := r.(runtime.Error); ok {
				panic(re)
			}
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("processor: subscriber onNext panicked: %v", r)
		}
	}()
	l.sub.OnNext(v)
	return nil
}

// deliverError hands the terminal error to the subscriber. A panicking
// onError callback has nowhere left to report to; it is suppressed and
// logged.
func (l *subscriberLoop[T]) deliverError(err error) {
	defer func() {
		if r := recover(); r != nil {
			l.p.logger.Warn("onError callback panicked", zap.Any("panic", r))
		}
	}()
	l.sub.OnError(err)
}

func (l *subscriberLoop[T]) deliverComplete() {
	defer func() {
		if r := recover(); r != nil {
			l.p.logger.Warn("onComplete callback panicked", zap.Any("panic", r))
		}
	}()
	l.sub.OnComplete()
}

// teardown always runs on exit, whether clean, alerted or failed.
func (l *subscriberLoop[T]) teardown() {
	l.p.buf.RemoveGatingSequence(l.seq)
	l.p.decrementSubscribers()
	l.running.Store(false)
	l.p.readWait.SignalAllWhenBlocking()
}
