// Package processor implements a multi-producer, multi-subscriber
// broadcast processor backed by a bounded pre-allocated ring buffer. Every
// active subscriber observes the same totally-ordered sequence of signals,
// pulled by a dedicated worker at its own pace within the ring bound.
package processor

import (
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/streamcore/pkg/stream/reactive"
	"github.com/Aidin1998/streamcore/pkg/stream/ring"
	"github.com/Aidin1998/streamcore/pkg/stream/sequence"
	"github.com/Aidin1998/streamcore/pkg/stream/wait"
)

// SmallBufferSize is the default backlog when none is configured.
const SmallBufferSize int64 = 256

// ErrAlreadyRunning fails a subscriber whose loop was submitted twice.
var ErrAlreadyRunning = errors.New("processor: subscriber loop is already running")

const (
	defaultSpinTimeout  = 200 * time.Millisecond
	defaultYieldTimeout = 100 * time.Millisecond
)

type options[T any] struct {
	name           string
	executor       Executor
	bufferSize     int64
	waitStrategy   wait.Strategy
	shared         bool
	autoCancel     bool
	signalSupplier func() T
	logger         *zap.Logger
}

// Option configures a Broadcast processor at construction.
type Option[T any] func(*options[T])

// WithName labels the worker goroutines of the implicitly created
// executor. Ignored when WithExecutor is also set.
func WithName[T any](name string) Option[T] {
	return func(o *options[T]) { o.name = name }
}

// WithExecutor drives subscriber loops through a caller-supplied executor.
func WithExecutor[T any](e Executor) Option[T] {
	return func(o *options[T]) { o.executor = e }
}

// WithBufferSize sets the backlog size; must be a power of two.
func WithBufferSize[T any](n int64) Option[T] {
	return func(o *options[T]) { o.bufferSize = n }
}

// WithWaitStrategy overrides the default phased-off wait strategy.
func WithWaitStrategy[T any](ws wait.Strategy) Option[T] {
	return func(o *options[T]) { o.waitStrategy = ws }
}

// Shared selects the multi-producer sequencer, permitting concurrent
// OnNext callers fanning in from multiple goroutines.
func Shared[T any](shared bool) Option[T] {
	return func(o *options[T]) { o.shared = shared }
}

// WithAutoCancel propagates Cancel to the upstream subscription when the
// last subscriber leaves.
func WithAutoCancel[T any](autoCancel bool) Option[T] {
	return func(o *options[T]) { o.autoCancel = autoCancel }
}

// WithSignalSupplier pre-fills every ring slot at construction so steady
// state publishing does not allocate.
func WithSignalSupplier[T any](supplier func() T) Option[T] {
	return func(o *options[T]) { o.signalSupplier = supplier }
}

// WithLogger attaches a structured logger for lifecycle events.
func WithLogger[T any](l *zap.Logger) Option[T] {
	return func(o *options[T]) { o.logger = l }
}

type upstreamBox struct {
	sub reactive.Subscription
}

// Broadcast is the ring-buffer backed fan-out processor. Producers publish
// through OnNext; each Subscribe spawns a dedicated consumer loop with its
// own gating sequence and demand accounting.
type Broadcast[T any] struct {
	name     string
	logger   *zap.Logger
	buf      *ring.Buffer[T]
	barrier  *ring.Barrier
	minimum  *sequence.Sequence
	readWait *wait.LiteBlocking
	executor Executor
	owned    *GoroutineExecutor

	autoCancel bool
	shared     bool

	subscriberCount atomic.Int64
	terminated      atomic.Bool
	cancelled       atomic.Bool
	errVal          atomic.Pointer[error]
	upstream        atomic.Pointer[upstreamBox]
	upstreamGate    atomic.Bool
}

// New constructs a Broadcast processor. The buffer size must be a power of
// two; the default wait strategy is phased-off backoff ending in a lite
// blocking park.
func New[T any](opts ...Option[T]) (*Broadcast[T], error) {
	o := options[T]{
		name:       "broadcast",
		bufferSize: SmallBufferSize,
		autoCancel: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.waitStrategy == nil {
		o.waitStrategy = wait.NewPhasedOffLiteLock(defaultSpinTimeout, defaultYieldTimeout)
	}

	p := &Broadcast[T]{
		name:       o.name,
		logger:     o.logger.Named(o.name),
		minimum:    sequence.New(sequence.InitialValue),
		readWait:   wait.NewLiteBlocking(),
		autoCancel: o.autoCancel,
		shared:     o.shared,
	}
	if o.executor != nil {
		p.executor = o.executor
	} else {
		p.owned = NewGoroutineExecutor(o.name)
		p.executor = p.owned
	}

	// Aborts a blocked producer claim once the processor is dead and the
	// last consumer left.
	spinObserver := func() error {
		if p.terminated.Load() && p.subscriberCount.Load() == 0 {
			return wait.ErrAlert
		}
		return nil
	}

	var (
		buf *ring.Buffer[T]
		err error
	)
	if o.shared {
		buf, err = ring.NewMultiProducer[T](o.bufferSize, o.waitStrategy, spinObserver, o.signalSupplier)
	} else {
		buf, err = ring.NewSingleProducer[T](o.bufferSize, o.waitStrategy, spinObserver, o.signalSupplier)
	}
	if err != nil {
		return nil, err
	}
	p.buf = buf
	p.barrier = buf.NewBarrier()
	return p, nil
}

// Subscribe attaches a downstream subscriber. On a live processor it gets a
// dedicated consumer loop; with an upstream attached the first subscriber
// replays from the minimum anchor, every other one follows the tail. On a terminated processor the
// subscriber is served by a cold replay of the residual ring contents.
func (p *Broadcast[T]) Subscribe(sub reactive.Subscriber[T]) {
	if sub == nil {
		return
	}
	if p.terminated.Load() {
		p.coldSource(nil).Subscribe(sub)
		return
	}

	loop := newSubscriberLoop(p, sequence.New(0), sub)

	if p.subscriberCount.Add(1) == 1 && p.hasUpstream() {
		// first active subscriber replays from the pull anchor; without an
		// upstream the anchor is never advanced and the subscriber starts at
		// the cursor, tail-following like everyone else
		loop.seq.Set(p.minimum.Get())
	} else {
		loop.seq.Set(p.buf.Cursor())
	}
	p.buf.AddGatingSequence(loop.seq)

	if err := p.executor.Execute(loop.run); err != nil {
		p.buf.RemoveGatingSequence(loop.seq)
		p.decrementSubscribers()
		if p.terminated.Load() && errors.Is(err, ErrExecutorShutdown) {
			p.coldSource(err).Subscribe(sub)
			return
		}
		p.logger.Warn("subscriber rejected by executor", zap.Error(err))
		reactive.ErrorTo(sub, err)
	}
}

// OnSubscribe accepts the upstream subscription when the processor is used
// as a reactive processor. A second upstream, or one arriving after
// termination, is cancelled immediately.
func (p *Broadcast[T]) OnSubscribe(s reactive.Subscription) {
	if s == nil {
		return
	}
	if p.terminated.Load() || !p.upstream.CompareAndSwap(nil, &upstreamBox{sub: s}) {
		s.Cancel()
		return
	}
	p.startRequestTask(s)
}

// OnNext publishes one signal into the ring, blocking while the ring is
// full. Concurrent callers are only permitted on a shared processor.
func (p *Broadcast[T]) OnNext(v T) {
	if p.terminated.Load() {
		p.logger.Debug("dropping signal published after terminal event")
		return
	}
	if err := p.buf.Publish(v); err != nil {
		p.logger.Warn("publish aborted", zap.Error(err))
	}
}

// OnError records the terminal error and alerts consumers. Each active
// loop delivers the published prefix it has demand for, then emits the
// stored error.
func (p *Broadcast[T]) OnError(err error) {
	if err == nil {
		err = errors.New("processor: onError called with nil error")
	}
	if p.terminated.Load() {
		p.logger.Debug("ignoring error after terminal event", zap.Error(err))
		return
	}
	p.errVal.CompareAndSwap(nil, &err)
	if p.terminated.CompareAndSwap(false, true) {
		p.logger.Debug("terminated with error", zap.Error(err))
		p.afterTerminate()
	}
}

// OnComplete marks the processor terminated. Each active loop drains its
// published prefix, then completes.
func (p *Broadcast[T]) OnComplete() {
	if p.terminated.CompareAndSwap(false, true) {
		p.logger.Debug("terminated")
		p.afterTerminate()
	}
}

// afterTerminate is the single post-terminal hook: wake every parked
// consumer and the request task so they observe the flag.
func (p *Broadcast[T]) afterTerminate() {
	p.readWait.SignalAllWhenBlocking()
	p.barrier.Signal()
}

// Shutdown terminates the processor as if completed and stops the owned
// executor from accepting more subscriber loops.
func (p *Broadcast[T]) Shutdown() {
	p.OnComplete()
	if p.owned != nil {
		p.owned.Shutdown()
	}
}

func (p *Broadcast[T]) terminalError() error {
	if e := p.errVal.Load(); e != nil {
		return *e
	}
	return nil
}

func (p *Broadcast[T]) decrementSubscribers() {
	if p.subscriberCount.Add(-1) == 0 && p.autoCancel {
		p.cancelUpstream()
	}
}

func (p *Broadcast[T]) cancelUpstream() {
	box := p.upstream.Load()
	if box == nil {
		return
	}
	if p.cancelled.CompareAndSwap(false, true) {
		p.logger.Debug("cancelling upstream subscription")
		box.sub.Cancel()
		p.readWait.SignalAllWhenBlocking()
	}
}

func (p *Broadcast[T]) hasUpstream() bool {
	return p.upstream.Load() != nil
}

// startSubscriber performs the onSubscribe handshake. A panicking
// subscriber is abandoned before any data is delivered.
func (p *Broadcast[T]) startSubscriber(l *subscriberLoop[T]) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("onSubscribe panicked, dropping subscriber", zap.Any("panic", r))
			ok = false
		}
	}()
	l.sub.OnSubscribe(l)
	return true
}

// Capacity returns the configured backlog size.
func (p *Broadcast[T]) Capacity() int64 { return p.buf.BufferSize() }

// RemainingCapacity returns how many slots producers can claim before
// blocking. Advisory under concurrency.
func (p *Broadcast[T]) RemainingCapacity() int64 { return p.buf.RemainingCapacity() }

// AvailableCapacity is an alias of RemainingCapacity kept for operators.
func (p *Broadcast[T]) AvailableCapacity() int64 { return p.buf.RemainingCapacity() }

// Pending returns the backlog between the cursor and the slowest consumer.
func (p *Broadcast[T]) Pending() int64 { return p.buf.Pending() }

// IsStarted reports whether the processor accepted an upstream or has ever
// published.
func (p *Broadcast[T]) IsStarted() bool {
	return p.hasUpstream() || p.buf.Cursor() != sequence.InitialValue
}

// IsTerminated reports whether a terminal signal was recorded.
func (p *Broadcast[T]) IsTerminated() bool { return p.terminated.Load() }

// DownstreamsCount returns the number of active subscriber loops.
func (p *Broadcast[T]) DownstreamsCount() int64 {
	n := int64(len(p.buf.GatingSequences()))
	if p.upstreamGate.Load() {
		n--
	}
	return n
}

// Downstreams returns a snapshot of the consumer positions, including the
// replay anchor when an upstream is attached. Advisory.
func (p *Broadcast[T]) Downstreams() []*sequence.Sequence {
	return p.buf.GatingSequences()
}
