package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind denotes the milestone an Event represents.
type Kind string

// Supported event kinds.
const (
	KindSessionStart Kind = "SESSION_START"
	KindStageStart   Kind = "STAGE_START"
	KindStageEnd     Kind = "STAGE_END"
	KindSessionDone  Kind = "SESSION_DONE"
	KindSessionError Kind = "SESSION_ERROR"
)

// Event is one milestone of a fetch session.
type Event struct {
	// SessionID is the 16-byte form of the session UUID.
	SessionID [16]byte
	// TS is the UTC time the milestone was observed.
	TS   time.Time
	Kind Kind
	// Stage names the pipeline stage for stage events.
	Stage string
	// Count is the stage result count, or the delivered job count when the
	// session finishes.
	Count int64
	// Found and Filtered carry the result totals on SESSION_DONE.
	Found    int64
	Filtered int64
	// Dur is the stage duration for STAGE_END and the session duration for
	// terminal events.
	Dur time.Duration
	// Note holds the relay mode on SESSION_START, the last progress message on
	// STAGE_END and the error text on SESSION_ERROR.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == [16]byte{} {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindSessionStart, KindSessionDone:
	case KindStageStart, KindStageEnd:
		if e.Stage == "" {
			return fmt.Errorf("%s requires stage", e.Kind)
		}
	case KindSessionError:
		if e.Note == "" {
			return errors.New("session error requires note")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Count < 0 || e.Found < 0 || e.Filtered < 0 {
		return errors.New("counts must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends its session.
func (e Event) Terminal() bool {
	return e.Kind == KindSessionDone || e.Kind == KindSessionError
}

// SessionUUID converts the binary session ID to uuid.UUID for repositories.
func (e Event) SessionUUID() uuid.UUID {
	return uuid.UUID(e.SessionID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
