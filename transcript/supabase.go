package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/supabase-community/supabase-go"
)

type SupabaseConfig struct {
	URL   string
	Key   string
	Table string
}

// SupabaseSink upserts turns into a Supabase table through PostgREST.
type SupabaseSink struct {
	client *supabase.Client
	table  string
}

var _ Sink = (*SupabaseSink)(nil)

type supabaseRow struct {
	SessionID   string    `json:"session_id"`
	Seq         int       `json:"seq"`
	JobID       string    `json:"job_id"`
	CandidateID string    `json:"candidate_id"`
	UserText    string    `json:"user_text"`
	AiText      string    `json:"ai_text"`
	Interrupted bool      `json:"interrupted"`
	Incomplete  bool      `json:"incomplete"`
	Fallback    bool      `json:"fallback"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

func NewSupabaseSink(config SupabaseConfig) (*SupabaseSink, error) {
	client, err := supabase.NewClient(config.URL, config.Key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &SupabaseSink{client: client, table: config.Table}, nil
}

func (s *SupabaseSink) Record(ctx context.Context, sessionID string, turn Turn) error {
	if err := ctx.Err(); err != nil {
		return persistenceError("insert turn", err)
	}

	row := supabaseRow{
		SessionID:   sessionID,
		Seq:         turn.Seq,
		JobID:       turn.JobID,
		CandidateID: turn.CandidateID,
		UserText:    turn.CandidateText,
		AiText:      turn.AgentText,
		Interrupted: turn.Interrupted,
		Incomplete:  turn.Incomplete,
		Fallback:    turn.Fallback,
		StartedAt:   turn.StartedAt,
		CompletedAt: turn.CompletedAt,
	}
	_, _, err := s.client.From(s.table).
		Insert(row, true, "session_id,seq", "minimal", "").
		Execute()
	if err != nil {
		return persistenceError("insert turn", err)
	}
	return nil
}

func (s *SupabaseSink) Close() error { return nil }
