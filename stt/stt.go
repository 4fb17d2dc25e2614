package stt

import (
	"context"
	"errors"
	"time"

	"github.com/d1nch8g/interviewer/audio"
)

// ErrConnectionLost is returned when the streaming connection to the
// transcription backend drops.
var ErrConnectionLost = errors.New("speech recognition connection lost")

// Result is a raw transcript update from a backend.
type Result struct {
	Text string
	// Stable marks a segment the backend will not revise.
	Stable bool
	// EndOfUtterance is the backend's own endpoint signal.
	EndOfUtterance bool
}

// Event is a recognition event delivered to the conversation. Interim events
// carry the running text of the current utterance; a final event carries the
// whole utterance once the speaker has finished.
type Event struct {
	Text       string
	IsFinal    bool
	ReceivedAt time.Time
}

// ConnStatus is the health of the recognition connection.
type ConnStatus string

const (
	Online       ConnStatus = "online"
	Reconnecting ConnStatus = "reconnecting"
	Offline      ConnStatus = "offline"
)

// Backend defines the interface for streaming transcription services
type Backend interface {
	// Dial opens one streaming session. The session lives until ctx is done.
	Dial(ctx context.Context) (Conn, error)

	// Close releases the client and cleans up resources
	Close() error
}

// Conn is one open streaming session.
type Conn interface {
	// Run sends chunks and delivers results. It returns nil once chunks is
	// closed and the backend has flushed, or an error wrapping
	// ErrConnectionLost if the session breaks.
	Run(ctx context.Context, chunks <-chan audio.Chunk, results chan<- Result) error
}
