package reactive

// PeekSubscriber decorates a downstream subscriber with side-effect hooks
// on each signal. Hooks run before the signal is forwarded; a nil hook is
// skipped. Used for per-connection accounting and instrumentation.
type PeekSubscriber[T any] struct {
	Downstream Subscriber[T]

	OnSubscribeHook func(Subscription)
	OnNextHook      func(T)
	OnErrorHook     func(error)
	OnCompleteHook  func()
	OnCancelHook    func()

	subscription Subscription
}

// NewPeek wraps downstream with no hooks set; assign the hook fields on
// the returned value.
func NewPeek[T any](downstream Subscriber[T]) *PeekSubscriber[T] {
	return &PeekSubscriber[T]{Downstream: downstream}
}

func (p *PeekSubscriber[T]) OnSubscribe(s Subscription) {
	p.subscription = s
	if p.OnSubscribeHook != nil {
		p.OnSubscribeHook(s)
	}
	p.Downstream.OnSubscribe(&peekSubscription[T]{peek: p, actual: s})
}

func (p *PeekSubscriber[T]) OnNext(v T) {
	if p.OnNextHook != nil {
		p.OnNextHook(v)
	}
	p.Downstream.OnNext(v)
}

func (p *PeekSubscriber[T]) OnError(err error) {
	if p.OnErrorHook != nil {
		p.OnErrorHook(err)
	}
	p.Downstream.OnError(err)
}

func (p *PeekSubscriber[T]) OnComplete() {
	if p.OnCompleteHook != nil {
		p.OnCompleteHook()
	}
	p.Downstream.OnComplete()
}

type peekSubscription[T any] struct {
	peek   *PeekSubscriber[T]
	actual Subscription
}

func (s *peekSubscription[T]) Request(n int64) {
	s.actual.Request(n)
}

func (s *peekSubscription[T]) Cancel() {
	if s.peek.OnCancelHook != nil {
		s.peek.OnCancelHook()
	}
	s.actual.Cancel()
}
