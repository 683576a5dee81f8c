package reactive

// EmptySubscription accepts and ignores all demand. It is handed to a
// subscriber that must receive a terminal signal before any real
// subscription could be established.
type EmptySubscription struct{}

func (EmptySubscription) Request(int64) {}
func (EmptySubscription) Cancel()       {}

// ErrorTo completes the onSubscribe handshake with an inert subscription
// and immediately fails the subscriber.
func ErrorTo[T any](s Subscriber[T], err error) {
	s.OnSubscribe(EmptySubscription{})
	s.OnError(err)
}

// CompleteTo completes the onSubscribe handshake with an inert subscription
// and immediately completes the subscriber.
func CompleteTo[T any](s Subscriber[T]) {
	s.OnSubscribe(EmptySubscription{})
	s.OnComplete()
}
