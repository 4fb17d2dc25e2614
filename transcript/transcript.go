package transcript

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPersistenceFailure is returned when a turn could not be stored.
var ErrPersistenceFailure = errors.New("transcript persistence failed")

// Turn is one committed exchange of an interview.
type Turn struct {
	// Seq orders turns within a session and is the idempotency key together
	// with the session id.
	Seq         int
	JobID       string
	CandidateID string

	CandidateText string
	AgentText     string
	StartedAt     time.Time
	CompletedAt   time.Time

	// Interrupted: the candidate barged in while the agent was speaking.
	Interrupted bool
	// Incomplete: the session ended before the agent answered.
	Incomplete bool
	// Fallback: the agent text is the scripted fallback utterance.
	Fallback bool
}

// Sink records turns. Implementations tolerate duplicate calls for the same
// (session, seq).
type Sink interface {
	Record(ctx context.Context, sessionID string, turn Turn) error
	Close() error
}

func turnKey(sessionID string, seq int) string {
	return fmt.Sprintf("%s/%d", sessionID, seq)
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistenceFailure, op, err)
}
