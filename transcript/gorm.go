package transcript

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TurnEntity is the row layout of the transcript table.
type TurnEntity struct {
	ID          uint   `gorm:"primaryKey"`
	SessionID   string `gorm:"column:session_id;type:char(36);not null;uniqueIndex:idx_session_seq"`
	Seq         int    `gorm:"column:seq;not null;uniqueIndex:idx_session_seq"`
	JobID       string `gorm:"column:job_id;type:varchar(64)"`
	CandidateID string `gorm:"column:candidate_id;type:varchar(64)"`

	UserText string `gorm:"column:user_text;type:text"`
	AiText   string `gorm:"column:ai_text;type:text"`

	Interrupted bool `gorm:"column:interrupted"`
	Incomplete  bool `gorm:"column:incomplete"`
	Fallback    bool `gorm:"column:fallback"`

	StartedAt   time.Time `gorm:"column:started_at"`
	CompletedAt time.Time `gorm:"column:completed_at"`
	CreatedAt   time.Time `gorm:"autoCreateTime(3)"`
}

func (e *TurnEntity) FromDomain(sessionID string, t Turn) {
	e.SessionID = sessionID
	e.Seq = t.Seq
	e.JobID = t.JobID
	e.CandidateID = t.CandidateID
	e.UserText = t.CandidateText
	e.AiText = t.AgentText
	e.Interrupted = t.Interrupted
	e.Incomplete = t.Incomplete
	e.Fallback = t.Fallback
	e.StartedAt = t.StartedAt
	e.CompletedAt = t.CompletedAt
}

func (e *TurnEntity) ToDomain() Turn {
	return Turn{
		Seq:           e.Seq,
		JobID:         e.JobID,
		CandidateID:   e.CandidateID,
		CandidateText: e.UserText,
		AgentText:     e.AiText,
		StartedAt:     e.StartedAt,
		CompletedAt:   e.CompletedAt,
		Interrupted:   e.Interrupted,
		Incomplete:    e.Incomplete,
		Fallback:      e.Fallback,
	}
}

// OpenMySQL connects gorm to MySQL.
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// GormSink stores turns in a SQL table.
type GormSink struct {
	db    *gorm.DB
	table string
}

var _ Sink = (*GormSink)(nil)

func NewGormSink(db *gorm.DB, table string) *GormSink {
	return &GormSink{db: db, table: table}
}

// Migrate creates or updates the transcript table.
func (g *GormSink) Migrate(ctx context.Context) error {
	if err := g.db.WithContext(ctx).Table(g.table).AutoMigrate(&TurnEntity{}); err != nil {
		return fmt.Errorf("failed to migrate %s: %w", g.table, err)
	}
	return nil
}

func (g *GormSink) Record(ctx context.Context, sessionID string, turn Turn) error {
	var e TurnEntity
	e.FromDomain(sessionID, turn)

	err := g.db.WithContext(ctx).
		Table(g.table).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&e).Error
	if err != nil {
		return persistenceError("insert turn", err)
	}
	return nil
}

// Turns loads a session's turns ordered by seq.
func (g *GormSink) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	var rows []TurnEntity
	err := g.db.WithContext(ctx).
		Table(g.table).
		Where("session_id = ?", sessionID).
		Order("seq").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	turns := make([]Turn, 0, len(rows))
	for i := range rows {
		turns = append(turns, rows[i].ToDomain())
	}
	return turns, nil
}

func (g *GormSink) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
