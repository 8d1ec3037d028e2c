package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/loomstack/loom/agent"
)

// AgentThoughtRecord is one persisted reasoning step. Its field shape
// mirrors agent.AgentThought so stored history stays compatible with
// what was streamed.
type AgentThoughtRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	MessageID string `gorm:"index;size:64"`
	TaskID    string `gorm:"index;size:64"`
	Position  int
	Event     string `gorm:"size:32"`

	Thought     string
	Observation string
	Tool        string `gorm:"size:255"`
	ToolInput   string
	Answer      string

	MessageTokens int
	MessagePrice  float64
	AnswerTokens  int
	AnswerPrice   float64
	TotalTokens   int
	TotalPrice    float64
	Latency       float64

	CreatedAt time.Time
}

func (AgentThoughtRecord) TableName() string { return "agent_thoughts" }

// ThoughtStore persists reasoning steps for audit and history rebuild.
type ThoughtStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Save persists one accumulated thought under its message.
func (ts *ThoughtStore) Save(ctx context.Context, messageID string, t *agent.AgentThought) error {
	rec := recordFromThought(messageID, t)
	if err := ts.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("save agent thought: %w", err)
	}
	return nil
}

// SaveRun persists a whole run's accumulated thoughts, skipping keep-alive
// pings.
func (ts *ThoughtStore) SaveRun(ctx context.Context, messageID string, thoughts []*agent.AgentThought) error {
	recs := make([]*AgentThoughtRecord, 0, len(thoughts))
	for _, t := range thoughts {
		if t.Event == agent.EventPing {
			continue
		}
		recs = append(recs, recordFromThought(messageID, t))
	}
	if len(recs) == 0 {
		return nil
	}
	if err := ts.db.WithContext(ctx).Create(&recs).Error; err != nil {
		return fmt.Errorf("save agent thoughts: %w", err)
	}
	ts.logger.Debug("reasoning trace persisted",
		zap.String("message_id", messageID),
		zap.Int("thoughts", len(recs)),
	)
	return nil
}

// ListByMessage returns a message's reasoning steps in position order.
func (ts *ThoughtStore) ListByMessage(ctx context.Context, messageID string) ([]*AgentThoughtRecord, error) {
	var recs []*AgentThoughtRecord
	err := ts.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("position ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("load agent thoughts: %w", err)
	}
	return recs, nil
}

func recordFromThought(messageID string, t *agent.AgentThought) *AgentThoughtRecord {
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &AgentThoughtRecord{
		ID:            id,
		MessageID:     messageID,
		TaskID:        t.TaskID,
		Position:      t.Position,
		Event:         string(t.Event),
		Thought:       t.Thought,
		Observation:   t.Observation,
		Tool:          t.Tool,
		ToolInput:     t.ToolInput,
		Answer:        t.Answer,
		MessageTokens: t.MessageTokens,
		MessagePrice:  t.MessagePrice,
		AnswerTokens:  t.AnswerTokens,
		AnswerPrice:   t.AnswerPrice,
		TotalTokens:   t.TotalTokens,
		TotalPrice:    t.TotalPrice,
		Latency:       t.Latency,
	}
}
