package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/loomstack/loom/internal/cache"
	"github.com/loomstack/loom/internal/metrics"
	"github.com/loomstack/loom/workflow"
)

const (
	WorkflowStatusDraft     = "draft"
	WorkflowStatusPublished = "published"

	publishedCacheTTL = 10 * time.Minute
)

// WorkflowRecord is the persisted form of a workflow through its
// draft/published lifecycle. Graphs are stored as JSON snapshots; the
// published snapshot only ever holds a strictly validated graph.
type WorkflowRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	AccountID      string `gorm:"index;size:64"`
	Name           string `gorm:"size:255"`
	Description    string
	DraftGraph     string
	PublishedGraph string
	Status         string `gorm:"size:16"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (WorkflowRecord) TableName() string { return "workflows" }

type graphSnapshot struct {
	Name        string           `json:"name,omitempty"`
	AccountID   string           `json:"account_id,omitempty"`
	Description string           `json:"description,omitempty"`
	Nodes       []map[string]any `json:"nodes"`
	Edges       []map[string]any `json:"edges"`
}

// WorkflowStore persists workflow configs. It implements workflow.Loader
// for the iteration node's nested-workflow resolution.
type WorkflowStore struct {
	db      *gorm.DB
	cache   *cache.Manager
	metrics *metrics.Collector
	logger  *zap.Logger
}

// WithCache caches published graph snapshots in redis; safe because a
// published snapshot is immutable until the next Publish, which invalidates
// the entry.
func (ws *WorkflowStore) WithCache(cm *cache.Manager, collector *metrics.Collector) *WorkflowStore {
	ws.cache = cm
	ws.metrics = collector
	return ws
}

func publishedCacheKey(workflowID string) string {
	return fmt.Sprintf("workflow:%s:published", workflowID)
}

// SaveDraft upserts the draft snapshot of a workflow. Draft graphs are not
// validated here; callers wanting lenient feedback run the validator's
// draft pass themselves.
func (ws *WorkflowStore) SaveDraft(ctx context.Context, cfg *workflow.Config) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	graph, err := json.Marshal(graphSnapshot{Nodes: cfg.Nodes, Edges: cfg.Edges})
	if err != nil {
		return fmt.Errorf("marshal draft graph: %w", err)
	}

	var rec WorkflowRecord
	err = ws.db.WithContext(ctx).First(&rec, "id = ?", cfg.ID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec = WorkflowRecord{
			ID:          cfg.ID,
			AccountID:   cfg.AccountID,
			Name:        cfg.Name,
			Description: cfg.Description,
			DraftGraph:  string(graph),
			Status:      WorkflowStatusDraft,
		}
		if err := ws.db.WithContext(ctx).Create(&rec).Error; err != nil {
			return fmt.Errorf("create workflow: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load workflow: %w", err)
	default:
		updates := map[string]any{
			"name":        cfg.Name,
			"description": cfg.Description,
			"draft_graph": string(graph),
		}
		if err := ws.db.WithContext(ctx).Model(&rec).Updates(updates).Error; err != nil {
			return fmt.Errorf("update draft: %w", err)
		}
	}

	ws.logger.Debug("draft saved", zap.String("workflow_id", cfg.ID))
	return nil
}

// Publish promotes the current draft to the published snapshot after it
// passes strict validation. A rejected draft leaves the published snapshot
// untouched.
func (ws *WorkflowStore) Publish(ctx context.Context, workflowID string, v *workflow.Validator) error {
	rec, err := ws.load(ctx, workflowID)
	if err != nil {
		return err
	}

	cfg, err := recordToConfig(rec, rec.DraftGraph)
	if err != nil {
		return err
	}
	if _, err := v.Validate(cfg); err != nil {
		return fmt.Errorf("publish %s: %w", workflowID, err)
	}

	updates := map[string]any{
		"published_graph": rec.DraftGraph,
		"status":          WorkflowStatusPublished,
	}
	if err := ws.db.WithContext(ctx).Model(rec).Updates(updates).Error; err != nil {
		return fmt.Errorf("publish workflow: %w", err)
	}

	if ws.cache != nil {
		if err := ws.cache.Delete(ctx, publishedCacheKey(workflowID)); err != nil {
			ws.logger.Warn("published cache invalidation failed", zap.Error(err))
		}
	}
	ws.logger.Info("workflow published", zap.String("workflow_id", workflowID))
	return nil
}

// LoadPublished returns the published config of a workflow. It satisfies
// workflow.Loader.
func (ws *WorkflowStore) LoadPublished(ctx context.Context, workflowID string) (*workflow.Config, error) {
	if ws.cache != nil {
		var snap graphSnapshot
		err := ws.cache.GetJSON(ctx, publishedCacheKey(workflowID), &snap)
		if err == nil {
			if ws.metrics != nil {
				ws.metrics.RecordCacheHit("workflow_published")
			}
			return &workflow.Config{
				ID:          workflowID,
				AccountID:   snap.AccountID,
				Name:        snap.Name,
				Description: snap.Description,
				Nodes:       snap.Nodes,
				Edges:       snap.Edges,
			}, nil
		}
		if !cache.IsCacheMiss(err) {
			ws.logger.Warn("published cache read failed", zap.Error(err))
		} else if ws.metrics != nil {
			ws.metrics.RecordCacheMiss("workflow_published")
		}
	}

	rec, err := ws.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if rec.PublishedGraph == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotPublished, workflowID)
	}
	cfg, err := recordToConfig(rec, rec.PublishedGraph)
	if err != nil {
		return nil, err
	}

	if ws.cache != nil {
		snap := graphSnapshot{
			Name:        cfg.Name,
			AccountID:   cfg.AccountID,
			Description: cfg.Description,
			Nodes:       cfg.Nodes,
			Edges:       cfg.Edges,
		}
		if err := ws.cache.SetJSON(ctx, publishedCacheKey(workflowID), snap, publishedCacheTTL); err != nil {
			ws.logger.Warn("published cache write failed", zap.Error(err))
		}
	}
	return cfg, nil
}

// LoadDraft returns the draft config of a workflow.
func (ws *WorkflowStore) LoadDraft(ctx context.Context, workflowID string) (*workflow.Config, error) {
	rec, err := ws.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return recordToConfig(rec, rec.DraftGraph)
}

func (ws *WorkflowStore) load(ctx context.Context, workflowID string) (*WorkflowRecord, error) {
	var rec WorkflowRecord
	err := ws.db.WithContext(ctx).First(&rec, "id = ?", workflowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	return &rec, nil
}

func recordToConfig(rec *WorkflowRecord, graph string) (*workflow.Config, error) {
	var snap graphSnapshot
	if graph != "" {
		if err := json.Unmarshal([]byte(graph), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal workflow graph: %w", err)
		}
	}
	return &workflow.Config{
		ID:          rec.ID,
		AccountID:   rec.AccountID,
		Name:        rec.Name,
		Description: rec.Description,
		Nodes:       snap.Nodes,
		Edges:       snap.Edges,
	}, nil
}
