package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/loomstack/loom/llm"
)

const (
	MessageStatusNormal  = "normal"
	MessageStatusStopped = "stopped"
	MessageStatusTimeout = "timeout"
	MessageStatusError   = "error"
)

// MessageRecord is one query/answer exchange in a conversation.
type MessageRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"index;size:64"`
	Query          string
	Answer         string
	Status         string `gorm:"size:16"`
	TotalTokens    int
	TotalPrice     float64
	Latency        float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (MessageRecord) TableName() string { return "messages" }

// MessageStore persists conversation exchanges and rebuilds agent history
// from them.
type MessageStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Save inserts or updates a message record.
func (ms *MessageStore) Save(ctx context.Context, rec *MessageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = MessageStatusNormal
	}
	if err := ms.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// Get returns one message by id.
func (ms *MessageStore) Get(ctx context.Context, id string) (*MessageRecord, error) {
	var rec MessageRecord
	err := ms.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	return &rec, nil
}

// SetStatus updates the terminal status of a message, used when a run ends
// with stop/timeout/error instead of a normal completion.
func (ms *MessageStore) SetStatus(ctx context.Context, id, status string) error {
	res := ms.db.WithContext(ctx).Model(&MessageRecord{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("update message status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return nil
}

// History rebuilds the most recent limit exchanges of a conversation as the
// alternating human/assistant turn sequence the agent runner splices in.
// Only completed exchanges contribute, so the result length is always even.
func (ms *MessageStore) History(ctx context.Context, conversationID string, limit int) ([]llm.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	var recs []MessageRecord
	err := ms.db.WithContext(ctx).
		Where("conversation_id = ? AND status = ? AND answer <> ''", conversationID, MessageStatusNormal).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	history := make([]llm.Message, 0, len(recs)*2)
	for i := len(recs) - 1; i >= 0; i-- {
		history = append(history,
			llm.Message{Role: llm.RoleUser, Content: recs[i].Query},
			llm.Message{Role: llm.RoleAssistant, Content: recs[i].Answer},
		)
	}
	return history, nil
}
