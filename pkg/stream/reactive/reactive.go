// Package reactive holds the reactive-streams contract the processor and
// its collaborators speak: publishers push totally-ordered signals to
// subscribers, subscribers pace them through demand on a subscription.
package reactive

// Subscription links one subscriber to one publisher. Request adds demand;
// Cancel detaches the subscriber without a terminal signal. Both may be
// called from any goroutine.
type Subscription interface {
	Request(n int64)
	Cancel()
}

// Subscriber receives an onSubscribe call exactly once, then at most as
// many OnNext calls as it requested, then at most one terminal signal.
type Subscriber[T any] interface {
	OnSubscribe(s Subscription)
	OnNext(v T)
	OnError(err error)
	OnComplete()
}

// Publisher emits a sequence of values to each subscriber.
type Publisher[T any] interface {
	Subscribe(s Subscriber[T])
}

// Processor is simultaneously a subscriber to an upstream publisher and a
// publisher to its own downstream subscribers.
type Processor[T any] interface {
	Publisher[T]
	Subscriber[T]
}
