// Package store is the persistence layer: workflow configs through their
// draft/published lifecycle, conversation messages, and persisted
// reasoning steps for rebuilding history and audit.
package store

import (
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrNotPublished     = errors.New("workflow has no published version")
	ErrMessageNotFound  = errors.New("message not found")
)

// Store bundles the per-record stores over one database handle.
type Store struct {
	db        *gorm.DB
	Workflows *WorkflowStore
	Messages  *MessageStore
	Thoughts  *ThoughtStore
	logger    *zap.Logger
}

// Open opens (or creates) the sqlite database at path and migrates the
// schema. Use "file::memory:?cache=shared" for an in-memory database.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db, logger)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&WorkflowRecord{}, &MessageRecord{}, &AgentThoughtRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger = logger.With(zap.String("component", "store"))
	s := &Store{
		db:        db,
		Workflows: &WorkflowStore{db: db, logger: logger},
		Messages:  &MessageStore{db: db, logger: logger},
		Thoughts:  &ThoughtStore{db: db, logger: logger},
		logger:    logger,
	}
	return s, nil
}

// DB exposes the underlying gorm handle for pool management.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
