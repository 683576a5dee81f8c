package processor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/streamcore/pkg/stream/reactive"
	"github.com/Aidin1998/streamcore/pkg/stream/wait"
)

const (
	waitTimeout  = 10 * time.Second
	pollInterval = 5 * time.Millisecond
)

// testSubscriber records every signal it observes.
type testSubscriber struct {
	mu         sync.Mutex
	sub        reactive.Subscription
	values     []int
	errs       []error
	completed  bool
	initial    int64
	panicOn    func(int) bool
	terminated chan struct{}
	termOnce   sync.Once
}

func newTestSubscriber(initialRequest int64) *testSubscriber {
	return &testSubscriber{
		initial:    initialRequest,
		terminated: make(chan struct{}),
	}
}

func (s *testSubscriber) OnSubscribe(sub reactive.Subscription) {
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	if s.initial != 0 {
		sub.Request(s.initial)
	}
}

func (s *testSubscriber) OnNext(v int) {
	if s.panicOn != nil && s.panicOn(v) {
		panic(fmt.Errorf("rejecting value %d", v))
	}
	s.mu.Lock()
	s.values = append(s.values, v)
	s.mu.Unlock()
}

func (s *testSubscriber) OnError(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	s.termOnce.Do(func() { close(s.terminated) })
}

func (s *testSubscriber) OnComplete() {
	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()
	s.termOnce.Do(func() { close(s.terminated) })
}

func (s *testSubscriber) Values() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.values))
	copy(out, s.values)
	return out
}

func (s *testSubscriber) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.errs))
	copy(out, s.errs)
	return out
}

func (s *testSubscriber) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

func (s *testSubscriber) Subscription() reactive.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

func (s *testSubscriber) awaitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-s.terminated:
	case <-time.After(waitTimeout):
		t.Fatal("subscriber never received a terminal signal")
	}
}

func newProcessor(t *testing.T, opts ...Option[int]) *Broadcast[int] {
	t.Helper()
	opts = append(opts, WithLogger[int](zaptest.NewLogger(t)))
	p, err := New[int](opts...)
	require.NoError(t, err)
	return p
}

func TestBufferSizeValidation(t *testing.T) {
	_, err := New[int](WithBufferSize[int](6))
	assert.Error(t, err)
	_, err = New[int](WithBufferSize[int](0))
	assert.Error(t, err)
}

func TestTailFollowTwoSubscribers(t *testing.T) {
	p := newProcessor(t, WithBufferSize[int](8), WithAutoCancel[int](false))

	a := newTestSubscriber(reactive.Unbounded)
	p.Subscribe(a)

	p.OnNext(1)
	p.OnNext(2)
	p.OnNext(3)
	require.Eventually(t, func() bool { return len(a.Values()) == 3 }, waitTimeout, pollInterval)

	b := newTestSubscriber(reactive.Unbounded)
	p.Subscribe(b)

	p.OnNext(4)
	p.OnNext(5)

	require.Eventually(t, func() bool { return len(a.Values()) == 5 }, waitTimeout, pollInterval)
	require.Eventually(t, func() bool { return len(b.Values()) == 2 }, waitTimeout, pollInterval)

	assert.Equal(t, []int{1, 2, 3, 4, 5}, a.Values())
	assert.Equal(t, []int{4, 5}, b.Values())
}

func TestPlainPublisherFirstSubscriberTailFollows(t *testing.T) {
	p := newProcessor(t, WithBufferSize[int](8), WithAutoCancel[int](false))

	// no upstream: the first subscriber starts at the cursor, so data
	// published before the first subscribe is not replayed
	p.OnNext(1)
	p.OnNext(2)

	a := newTestSubscriber(reactive.Unbounded)
	p.Subscribe(a)
	p.OnNext(3)

	require.Eventually(t, func() bool { return len(a.Values()) == 1 }, waitTimeout, pollInterval)
	assert.Equal(t, []int{3}, a.Values())

	p.OnComplete()
	a.awaitTerminal(t)
}

func TestBackpressurePause(t *testing.T) {
	p := newProcessor(t, WithBufferSize[int](4), WithAutoCancel[int](false))

	a := newTestSubscriber(2)
	p.Subscribe(a)
	require.Eventually(t, func() bool { return a.Subscription() != nil }, waitTimeout, pollInterval)

	producerDone := make(chan struct{})
	go func() {
		for i := 1; i <= 5; i++ {
			p.OnNext(i)
		}
		close(producerDone)
	}()

	require.Eventually(t, func() bool { return len(a.Values()) == 2 }, waitTimeout, pollInterval)
	assert.Equal(t, []int{1, 2}, a.Values())

	// the ring is full and demand is spent: the fifth publish stays blocked
	select {
	case <-producerDone:
		t.Fatal("producer advanced past the gated ring")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, []int{1, 2}, a.Values())

	a.Subscription().Request(3)

	select {
	case <-producerDone:
	case <-time.After(waitTimeout):
		t.Fatal("producer never resumed")
	}
	require.Eventually(t, func() bool { return len(a.Values()) == 5 }, waitTimeout, pollInterval)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, a.Values())
}

func TestSubscriberPanicIsolation(t *testing.T) {
	p := newProcessor(t, WithBufferSize[int](8), WithAutoCancel[int](false))

	a := newTestSubscriber(reactive.Unbounded)
	a.panicOn = func(v int) bool { return v == 3 }
	b := newTestSubscriber(reactive.Unbounded)
	p.Subscribe(a)
	p.Subscribe(b)

	for i := 1; i <= 5; i++ {
		p.OnNext(i)
	}
	p.OnComplete()

	a.awaitTerminal(t)
	b.awaitTerminal(t)

	assert.Equal(t, []int{1, 2}, a.Values())
	require.Len(t, a.Errors(), 1)
	assert.Contains(t, a.Errors()[0].Error(), "rejecting value 3")
	assert.False(t, a.Completed())

	assert.Equal(t, []int{1, 2, 3, 4, 5}, b.Values())
	assert.True(t, b.Completed())
	assert.Empty(t, b.Errors())
}

func TestTerminationDrainsBeforeComplete(t *testing.T) {
	p := newProcessor(t, WithBufferSize[int](8), WithAutoCancel[int](false))

	a := newTestSubscriber(reactive.Unbounded)
	p.Subscribe(a)

	p.OnNext(1)
	p.OnNext(2)
	p.OnNext(3)
	p.OnComplete()

	a.awaitTerminal(t)
	assert.Equal(t, []int{1, 2, 3}, a.Values())
	assert.True(t, a.Completed())
}

func TestLateSubscriberColdReplay(t *testing.T) {
	p := newProcessor(t, WithBufferSize[int](8), WithAutoCancel[int](false))

	p.OnNext(1)
	p.OnNext(2)
	p.OnNext(3)
	p.OnComplete()

	c := newTestSubscriber(reactive.Unbounded)
	p.Subscribe(c)

	c.awaitTerminal(t)
	assert.Equal(t, []int{1, 2, 3}, c.Values())
	assert.True(t, c.Completed())
}

func TestLateSubscriberColdReplayWithError(t *testing.T) {
	p := newProcessor(t, WithBufferSize[int](8), WithAutoCancel[int](false))

	boom := errors.New("feed collapsed")
	p.OnNext(1)
	p.OnNext(2)
	p.OnError(boom)

	c := newTestSubscriber(reactive.Unbounded)
	p.Subscribe(c)

	c.awaitTerminal(t)
	assert.Equal(t, []int{1, 2}, c.Values())
	require.Len(t, c.Errors(), 1)
	assert.ErrorIs(t, c.Errors()[0], boom)
	assert.False(t, c.Completed())
}

func TestColdReplayRespectsDemand(t *testing.T) {
	p := newProcessor(t, WithBufferSize[int](8), WithAutoCancel[int](false))

	p.OnNext(1)
	p.OnNext(2)
	p.OnNext(3)
	p.OnComplete()

	c := newTestSubscriber(1)
	p.Subscribe(c)
	assert.Equal(t, []int{1}, c.Values())
	assert.False(t, c.Completed())

	c.Subscription().Request(reactive.Unbounded)
	c.awaitTerminal(t)
	assert.Equal(t, []int{1, 2, 3}, c.Values())
	assert.True(t, c.Completed())
}

func TestCancelStopsDeliveryWithoutTerminal(t *testing.T) {
	p := newProcessor(t, WithBufferSize[int](8), WithAutoCancel[int](false))

	a := newTestSubscriber(reactive.Unbounded)
	p.Subscribe(a)

	p.OnNext(1)
	p.OnNext(2)
	require.Eventually(t, func() bool { return len(a.Values()) == 2 }, waitTimeout, pollInterval)

	a.Subscription().Cancel()
	require.Eventually(t, func() bool { return p.DownstreamsCount() == 0 }, waitTimeout, pollInterval)

	p.OnNext(3)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []int{1, 2}, a.Values())
	assert.Empty(t, a.Errors())
	assert.False(t, a.Completed())
}

func TestNonPositiveRequestIsolatedToCaller(t *testing.T) {
	p := newProcessor(t, WithBufferSize[int](8), WithAutoCancel[int](false))

	a := newTestSubscriber(0)
	b := newTestSubscriber(reactive.Unbounded)
	p.Subscribe(a)
	p.Subscribe(b)
	require.Eventually(t, func() bool { return a.Subscription() != nil }, waitTimeout, pollInterval)

	a.Subscription().Request(0)
	require.Eventually(t, func() bool { return len(a.Errors()) == 1 }, waitTimeout, pollInterval)
	assert.ErrorIs(t, a.Errors()[0], reactive.ErrNonPositiveRequest)

	p.OnNext(7)
	require.Eventually(t, func() bool { return len(b.Values()) == 1 }, waitTimeout, pollInterval)
	assert.Empty(t, b.Errors())

	a.Subscription().Cancel()
	p.OnComplete()
	b.awaitTerminal(t)
}

type mockUpstream struct {
	requested atomic.Int64
	cancels   atomic.Int64
}

func (m *mockUpstream) Request(n int64) { m.requested.Add(n) }
func (m *mockUpstream) Cancel()         { m.cancels.Add(1) }

func TestAutoCancelExactlyOnce(t *testing.T) {
	p := newProcessor(t, WithBufferSize[int](8), WithAutoCancel[int](true))

	upstream := &mockUpstream{}
	p.OnSubscribe(upstream)
	require.Eventually(t, func() bool { return upstream.requested.Load() == 8 }, waitTimeout, pollInterval)

	a := newTestSubscriber(reactive.Unbounded)
	p.Subscribe(a)
	require.Eventually(t, func() bool { return a.Subscription() != nil }, waitTimeout, pollInterval)

	a.Subscription().Cancel()
	require.Eventually(t, func() bool { return upstream.cancels.Load() == 1 }, waitTimeout, pollInterval)

	// the processor is still alive: a new subscriber attaches and is served
	b := newTestSubscriber(reactive.Unbounded)
	p.Subscribe(b)
	p.OnNext(42)
	require.Eventually(t, func() bool { return len(b.Values()) == 1 }, waitTimeout, pollInterval)
	assert.Equal(t, []int{42}, b.Values())

	b.Subscription().Cancel()
	require.Eventually(t, func() bool { return p.DownstreamsCount() == 0 }, waitTimeout, pollInterval)
	assert.Equal(t, int64(1), upstream.cancels.Load())
}

func TestFirstSubscriberReplaysFromUpstreamAnchor(t *testing.T) {
	p := newProcessor(t, WithBufferSize[int](8), WithAutoCancel[int](false))

	upstream := &mockUpstream{}
	p.OnSubscribe(upstream)
	require.Eventually(t, func() bool { return upstream.requested.Load() == 8 }, waitTimeout, pollInterval)

	// upstream delivers before anyone subscribes
	p.OnNext(1)
	p.OnNext(2)
	p.OnNext(3)

	a := newTestSubscriber(reactive.Unbounded)
	p.Subscribe(a)
	require.Eventually(t, func() bool { return len(a.Values()) == 3 }, waitTimeout, pollInterval)
	assert.Equal(t, []int{1, 2, 3}, a.Values())

	p.OnComplete()
	a.awaitTerminal(t)
}

func TestRequestTaskReplenishes(t *testing.T) {
	p := newProcessor(t, WithBufferSize[int](8), WithAutoCancel[int](false))

	upstream := &mockUpstream{}
	p.OnSubscribe(upstream)
	require.Eventually(t, func() bool { return upstream.requested.Load() == 8 }, waitTimeout, pollInterval)

	a := newTestSubscriber(reactive.Unbounded)
	p.Subscribe(a)

	// limit is bufferSize - bufferSize/4 = 6: once the consumer clears
	// sequence 5 the task re-requests
	for i := 1; i <= 7; i++ {
		p.OnNext(i)
	}
	require.Eventually(t, func() bool { return len(a.Values()) == 7 }, waitTimeout, pollInterval)
	require.Eventually(t, func() bool { return upstream.requested.Load() == 14 }, waitTimeout, pollInterval)

	p.OnComplete()
	a.awaitTerminal(t)
}

func TestSharedProcessorKeepsTotalOrder(t *testing.T) {
	p := newProcessor(t, WithBufferSize[int](1024), Shared[int](true), WithAutoCancel[int](false))

	a := newTestSubscriber(reactive.Unbounded)
	b := newTestSubscriber(reactive.Unbounded)
	p.Subscribe(a)
	p.Subscribe(b)

	const (
		producers = 4
		each      = 100
	)
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < each; j++ {
				p.OnNext(base + j)
			}
		}(i * each)
	}
	wg.Wait()
	p.OnComplete()

	a.awaitTerminal(t)
	b.awaitTerminal(t)

	require.Len(t, a.Values(), producers*each)
	// every subscriber observes the same totally-ordered sequence
	assert.Equal(t, a.Values(), b.Values())

	seen := make(map[int]bool)
	for _, v := range a.Values() {
		assert.False(t, seen[v], "value %d delivered twice", v)
		seen[v] = true
	}
}

type rejectingExecutor struct{}

func (rejectingExecutor) Execute(func()) error { return ErrExecutorShutdown }

func TestExecutorRejectionFailsSubscriber(t *testing.T) {
	p := newProcessor(t, WithBufferSize[int](8), WithExecutor[int](rejectingExecutor{}), WithAutoCancel[int](false))

	a := newTestSubscriber(0)
	p.Subscribe(a)

	a.awaitTerminal(t)
	require.Len(t, a.Errors(), 1)
	assert.ErrorIs(t, a.Errors()[0], ErrExecutorShutdown)
	assert.Equal(t, int64(0), p.DownstreamsCount())
}

type doubleExecutor struct {
	inner Executor
}

func (d doubleExecutor) Execute(task func()) error {
	if err := d.inner.Execute(task); err != nil {
		return err
	}
	return d.inner.Execute(task)
}

func TestSecondRunOfSameLoopFails(t *testing.T) {
	p := newProcessor(t, WithBufferSize[int](8),
		WithExecutor[int](doubleExecutor{inner: NewGoroutineExecutor("twice")}),
		WithAutoCancel[int](false))

	a := newTestSubscriber(reactive.Unbounded)
	p.Subscribe(a)

	require.Eventually(t, func() bool {
		for _, err := range a.Errors() {
			if errors.Is(err, ErrAlreadyRunning) {
				return true
			}
		}
		return false
	}, waitTimeout, pollInterval)

	p.OnComplete()
}

func TestIntrospection(t *testing.T) {
	p := newProcessor(t, WithBufferSize[int](8), WithAutoCancel[int](false))

	assert.Equal(t, int64(8), p.Capacity())
	assert.False(t, p.IsStarted())
	assert.False(t, p.IsTerminated())
	assert.Equal(t, int64(0), p.DownstreamsCount())

	a := newTestSubscriber(reactive.Unbounded)
	p.Subscribe(a)
	require.Eventually(t, func() bool { return p.DownstreamsCount() == 1 }, waitTimeout, pollInterval)

	p.OnNext(1)
	assert.True(t, p.IsStarted())
	require.Eventually(t, func() bool { return p.Pending() == 0 }, waitTimeout, pollInterval)
	assert.Equal(t, int64(8), p.RemainingCapacity())

	p.OnComplete()
	assert.True(t, p.IsTerminated())
	a.awaitTerminal(t)
}

func TestOnErrorDeliveredAfterDrain(t *testing.T) {
	p := newProcessor(t, WithBufferSize[int](8), WithAutoCancel[int](false))

	a := newTestSubscriber(reactive.Unbounded)
	p.Subscribe(a)

	boom := errors.New("upstream failed")
	p.OnNext(1)
	p.OnNext(2)
	// an unbounded subscriber drains the published prefix before the error
	// terminal; wait for that delivery before raising it
	require.Eventually(t, func() bool { return len(a.Values()) == 2 }, waitTimeout, pollInterval)
	p.OnError(boom)

	a.awaitTerminal(t)
	require.Len(t, a.Errors(), 1)
	assert.ErrorIs(t, a.Errors()[0], boom)
	assert.False(t, a.Completed())
}

func TestCustomWaitStrategies(t *testing.T) {
	for name, ws := range map[string]wait.Strategy{
		"busy_spin":     wait.BusySpin{},
		"yielding":      wait.Yielding{},
		"parking":       &wait.Parking{},
		"lite_blocking": wait.NewLiteBlocking(),
	} {
		t.Run(name, func(t *testing.T) {
			p := newProcessor(t, WithBufferSize[int](8),
				WithWaitStrategy[int](ws), WithAutoCancel[int](false))

			a := newTestSubscriber(reactive.Unbounded)
			p.Subscribe(a)
			p.OnNext(1)
			p.OnNext(2)
			p.OnComplete()

			a.awaitTerminal(t)
			assert.Equal(t, []int{1, 2}, a.Values())
			assert.True(t, a.Completed())
		})
	}
}
