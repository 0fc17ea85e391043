package timelock

import (
	"errors"
	"time"
)

var (
	// ErrNothingPending is returned by Apply/Cancel when no proposal exists.
	ErrNothingPending = errors.New("timelock: no pending change")
	// ErrNotReady is returned by Apply before the delay has elapsed.
	ErrNotReady = errors.New("timelock: delay not yet elapsed")
	// ErrAlreadyPending is returned when proposing over an existing proposal.
	ErrAlreadyPending = errors.New("timelock: change already pending")
)

// Pending describes a proposed value waiting for its delay.
type Pending[T any] struct {
	Value      T
	ProposedAt time.Time
	ETA        time.Time
}

// Value holds a parameter that can only change in two explicit steps:
// Propose records the new value, Apply installs it once the delay has passed.
type Value[T any] struct {
	current T
	pending *Pending[T]
	delay   time.Duration
}

// New wraps an initial value with the given change delay.
func New[T any](initial T, delay time.Duration) *Value[T] {
	if delay < 0 {
		delay = 0
	}
	return &Value[T]{current: initial, delay: delay}
}

// Get returns the value currently in force.
func (v *Value[T]) Get() T {
	return v.current
}

// Delay reports the configured change delay.
func (v *Value[T]) Delay() time.Duration {
	return v.delay
}

// Pending returns the outstanding proposal, if any.
func (v *Value[T]) Pending() (Pending[T], bool) {
	if v.pending == nil {
		return Pending[T]{}, false
	}
	return *v.pending, true
}

// Propose queues next for installation no earlier than now+delay.
func (v *Value[T]) Propose(next T, now time.Time) (Pending[T], error) {
	if v.pending != nil {
		return Pending[T]{}, ErrAlreadyPending
	}
	p := Pending[T]{Value: next, ProposedAt: now, ETA: now.Add(v.delay)}
	v.pending = &p
	return p, nil
}

// Apply installs the pending value. It never applies in the same step as Propose,
// even with a zero delay, because the caller must invoke it separately.
func (v *Value[T]) Apply(now time.Time) (T, error) {
	var zero T
	if v.pending == nil {
		return zero, ErrNothingPending
	}
	if now.Before(v.pending.ETA) {
		return zero, ErrNotReady
	}
	v.current = v.pending.Value
	v.pending = nil
	return v.current, nil
}

// Cancel drops the pending proposal.
func (v *Value[T]) Cancel() error {
	if v.pending == nil {
		return ErrNothingPending
	}
	v.pending = nil
	return nil
}
