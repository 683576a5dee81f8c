package reactive

import (
	"errors"
	"math"

	"github.com/Aidin1998/streamcore/pkg/stream/sequence"
)

// Unbounded demand disables per-signal accounting: the counter is never
// decremented once it reaches this value.
const Unbounded int64 = math.MaxInt64

// ErrNonPositiveRequest is delivered to the offending subscriber only when
// it requests zero or negative demand.
var ErrNonPositiveRequest = errors.New("reactive: request amount must be strictly positive")

// ValidateRequest rejects demand that violates the contract.
func ValidateRequest(n int64) error {
	if n <= 0 {
		return ErrNonPositiveRequest
	}
	return nil
}

// AddCap adds n to the demand counter, saturating at Unbounded, and returns
// the previous value.
func AddCap(s *sequence.Sequence, n int64) int64 {
	for {
		current := s.Get()
		if current == Unbounded {
			return Unbounded
		}
		next := current + n
		if next < 0 {
			next = Unbounded
		}
		if s.CompareAndSet(current, next) {
			return current
		}
	}
}

// GetAndSub subtracts n from the demand counter, flooring at zero, and
// returns the previous value. An Unbounded counter is left untouched.
func GetAndSub(s *sequence.Sequence, n int64) int64 {
	for {
		current := s.Get()
		if current == Unbounded {
			return Unbounded
		}
		if current == 0 {
			return 0
		}
		next := current - n
		if next < 0 {
			next = 0
		}
		if s.CompareAndSet(current, next) {
			return current
		}
	}
}
