package engine

import (
	"time"

	"github.com/d1nch8g/interviewer/gpt"
	"github.com/d1nch8g/interviewer/stt"
)

// Status is the turn-taking state of a session.
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusListening Status = "LISTENING"
	StatusThinking  Status = "THINKING"
	StatusSpeaking  Status = "SPEAKING"
	// StatusEnded is published once, after teardown.
	StatusEnded Status = "ENDED"
)

// Session identifies one interview. It does not change once the session
// starts.
type Session struct {
	ID            string
	JobID         string
	CandidateID   string
	CandidateName string
	JobTitle      string
	CompanyName   string
}

// Turn is one committed exchange. Both sides are always present.
type Turn struct {
	Seq         int       `json:"seq"`
	Candidate   string    `json:"candidate"`
	Agent       string    `json:"agent"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	Interrupted bool      `json:"interrupted"`
	Fallback    bool      `json:"fallback"`
}

// ConversationState is owned by the engine's run loop. Nothing else writes it.
type ConversationState struct {
	Status             Status
	LiveTranscript     string
	LastAgentUtterance string
	// Greeting is the opening line, if one was spoken.
	Greeting   string
	History    []Turn
	Connection stt.ConnStatus
	Error      string
	MicMuted   bool
}

func (s *ConversationState) exchanges() []gpt.Exchange {
	out := make([]gpt.Exchange, 0, len(s.History))
	for _, t := range s.History {
		out = append(out, gpt.Exchange{Candidate: t.Candidate, Agent: t.Agent})
	}
	return out
}

// Snapshot is the read-only view handed to observers on every change.
type Snapshot struct {
	SessionID          string         `json:"sessionId"`
	Status             Status         `json:"status"`
	LiveTranscript     string         `json:"liveTranscript"`
	LastAgentUtterance string         `json:"lastAgentUtterance"`
	Connection         stt.ConnStatus `json:"connection"`
	Error              string         `json:"error,omitempty"`
	Turns              int            `json:"turns"`
	Remaining          int            `json:"remaining"`
	MicMuted           bool           `json:"micMuted"`
}

// Observer receives snapshots from the run loop. Publish must not block.
type Observer interface {
	Publish(Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Snapshot)

func (f ObserverFunc) Publish(s Snapshot) { f(s) }

func (s *ConversationState) snapshot(sessionID string, deadline time.Time) Snapshot {
	snap := Snapshot{
		SessionID:          sessionID,
		Status:             s.Status,
		LiveTranscript:     s.LiveTranscript,
		LastAgentUtterance: s.LastAgentUtterance,
		Connection:         s.Connection,
		Error:              s.Error,
		Turns:              len(s.History),
		MicMuted:           s.MicMuted,
	}
	if !deadline.IsZero() && s.Status != StatusEnded {
		if left := time.Until(deadline); left > 0 {
			snap.Remaining = int(left.Round(time.Second) / time.Second)
		}
	}
	return snap
}
