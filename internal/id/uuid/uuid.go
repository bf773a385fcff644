// Package uuid mints fetch session identifiers.
package uuid

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 identifiers.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewRawID returns a UUIDv7.
func (Generator) NewRawID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}

// Sequence hands out a fixed list of IDs in order, then fails. It exists for
// tests that assert on session IDs.
type Sequence struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

// NewSequence returns a Sequence over ids.
func NewSequence(ids ...uuid.UUID) *Sequence {
	return &Sequence{ids: append([]uuid.UUID(nil), ids...)}
}

// NewRawID returns the next ID.
func (s *Sequence) NewRawID() (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ids) == 0 {
		return uuid.Nil, fmt.Errorf("id sequence exhausted")
	}
	id := s.ids[0]
	s.ids = s.ids[1:]
	return id, nil
}
