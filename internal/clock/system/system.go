// Package system provides clocks for fetch sessions.
package system

import (
	"sync"
	"time"
)

// Clock reads the wall clock in UTC.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Stepper is a deterministic clock that advances by Step on every call to
// Now. It is safe for concurrent use.
type Stepper struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

// NewStepper starts a Stepper at start.
func NewStepper(start time.Time, step time.Duration) *Stepper {
	return &Stepper{next: start.UTC(), step: step}
}

// Now returns the current reading and advances the clock.
func (s *Stepper) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.next
	s.next = s.next.Add(s.step)
	return now
}
