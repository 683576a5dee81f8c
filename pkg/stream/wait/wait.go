// Package wait defines how a ring buffer waiter yields CPU until a target
// sequence becomes visible. Strategies trade CPU for wake-up latency and are
// selected once at construction time.
package wait

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAlert aborts a wait. It is a control signal, not a failure: the waiter
// observed a condition (cancel, terminal) that requires re-checking state.
var ErrAlert = errors.New("wait: alerted")

// Cursor is a read-only view of a sequence.
type Cursor interface {
	Get() int64
}

// CursorFunc adapts a plain function to the Cursor interface.
type CursorFunc func() int64

// Get implements Cursor.
func (f CursorFunc) Get() int64 { return f() }

// Strategy blocks a waiter until cursor reaches the target sequence. The
// waiter callback runs periodically during the wait and may return ErrAlert
// to abort it. SignalAllWhenBlocking wakes any parked waiters after a
// publish or control event.
type Strategy interface {
	WaitFor(target int64, cursor Cursor, waiter func() error) (int64, error)
	SignalAllWhenBlocking()
}

// BusySpin burns a core spinning on the cursor. Lowest latency, highest CPU.
type BusySpin struct{}

func (BusySpin) WaitFor(target int64, cursor Cursor, waiter func() error) (int64, error) {
	for {
		if avail := cursor.Get(); avail >= target {
			return avail, nil
		}
		if err := waiter(); err != nil {
			return 0, err
		}
	}
}

func (BusySpin) SignalAllWhenBlocking() {}

// Yielding spins a bounded number of times, then yields the processor
// between polls.
type Yielding struct{}

const yieldSpinTries = 100

func (Yielding) WaitFor(target int64, cursor Cursor, waiter func() error) (int64, error) {
	counter := yieldSpinTries
	for {
		if avail := cursor.Get(); avail >= target {
			return avail, nil
		}
		if err := waiter(); err != nil {
			return 0, err
		}
		if counter == 0 {
			runtime.Gosched()
		} else {
			counter--
		}
	}
}

func (Yielding) SignalAllWhenBlocking() {}

// Parking spins, yields, then parks for ParkInterval between polls. A good
// default when latency matters less than CPU.
type Parking struct {
	// ParkInterval is the sleep applied once spinning and yielding are
	// exhausted. Zero means 1us.
	ParkInterval time.Duration
}

const parkingRetries = 200

func (p *Parking) WaitFor(target int64, cursor Cursor, waiter func() error) (int64, error) {
	interval := p.ParkInterval
	if interval <= 0 {
		interval = time.Microsecond
	}
	counter := parkingRetries
	for {
		if avail := cursor.Get(); avail >= target {
			return avail, nil
		}
		if err := waiter(); err != nil {
			return 0, err
		}
		switch {
		case counter > 100:
			counter--
		case counter > 0:
			counter--
			runtime.Gosched()
		default:
			time.Sleep(interval)
		}
	}
}

func (p *Parking) SignalAllWhenBlocking() {}

// LiteBlocking parks waiters on a condition variable. Producers broadcast
// only when the signalNeeded flag shows at least one parked waiter, keeping
// the uncontended publish path lock-free.
type LiteBlocking struct {
	mu           sync.Mutex
	cond         *sync.Cond
	once         sync.Once
	signalNeeded atomic.Bool
}

// NewLiteBlocking returns a ready-to-use lite blocking strategy.
func NewLiteBlocking() *LiteBlocking {
	lb := &LiteBlocking{}
	lb.init()
	return lb
}

func (lb *LiteBlocking) init() {
	lb.once.Do(func() {
		lb.cond = sync.NewCond(&lb.mu)
	})
}

func (lb *LiteBlocking) WaitFor(target int64, cursor Cursor, waiter func() error) (int64, error) {
	lb.init()
	if avail := cursor.Get(); avail >= target {
		return avail, nil
	}
	lb.mu.Lock()
	for {
		lb.signalNeeded.Store(true)
		avail := cursor.Get()
		if avail >= target {
			lb.mu.Unlock()
			return avail, nil
		}
		if err := waiter(); err != nil {
			lb.mu.Unlock()
			return 0, err
		}
		lb.cond.Wait()
	}
}

func (lb *LiteBlocking) SignalAllWhenBlocking() {
	lb.init()
	if lb.signalNeeded.Swap(false) {
		lb.mu.Lock()
		lb.cond.Broadcast()
		lb.mu.Unlock()
	}
}

// PhasedOff transitions spin -> yield -> fallback by elapsed time, so short
// waits stay hot and long waits stop burning CPU.
type PhasedOff struct {
	SpinTimeout  time.Duration
	YieldTimeout time.Duration
	Fallback     Strategy
}

// NewPhasedOffLiteLock is the default strategy: phased backoff ending in a
// lite blocking park.
func NewPhasedOffLiteLock(spinTimeout, yieldTimeout time.Duration) *PhasedOff {
	return &PhasedOff{
		SpinTimeout:  spinTimeout,
		YieldTimeout: yieldTimeout,
		Fallback:     NewLiteBlocking(),
	}
}

const phasedSpinTries = 10000

func (p *PhasedOff) WaitFor(target int64, cursor Cursor, waiter func() error) (int64, error) {
	var start time.Time
	counter := phasedSpinTries
	for {
		if avail := cursor.Get(); avail >= target {
			return avail, nil
		}
		if err := waiter(); err != nil {
			return 0, err
		}
		if counter > 0 {
			counter--
			continue
		}
		if start.IsZero() {
			start = time.Now()
			continue
		}
		elapsed := time.Since(start)
		switch {
		case elapsed < p.SpinTimeout:
			// stay hot
		case elapsed < p.SpinTimeout+p.YieldTimeout:
			runtime.Gosched()
		default:
			return p.Fallback.WaitFor(target, cursor, waiter)
		}
	}
}

func (p *PhasedOff) SignalAllWhenBlocking() {
	p.Fallback.SignalAllWhenBlocking()
}
