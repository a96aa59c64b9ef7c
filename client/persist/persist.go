// Package persist keeps the whitelisted client state slices (messages by
// room and notifications) in a local SQLite file between runs.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/example/chat-sync/client/store"
	domain "github.com/example/chat-sync/domain/chat"
)

const (
	notificationsKey = "notifications"
	messagesPrefix   = "messages/"
)

// SliceRecord is one persisted slice of one owner's state.
type SliceRecord struct {
	Owner     string    `gorm:"primaryKey;size:128"`
	Key       string    `gorm:"primaryKey;size:255"`
	Data      []byte    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for SliceRecord.
func (SliceRecord) TableName() string {
	return "state_slices"
}

// Store saves and loads snapshots keyed by owner, typically the user id.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite file at path. Use ":memory:" for a
// throwaway store.
func Open(path string, debug bool) (*Store, error) {
	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would get its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an open database and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&SliceRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate state database: %w", err)
	}
	return &Store{db: db}, nil
}

// Save replaces owner's persisted snapshot with snap.
func (s *Store) Save(ctx context.Context, owner string, snap store.Snapshot) error {
	now := time.Now()
	records := make([]SliceRecord, 0, len(snap.Messages)+1)
	for roomID, msgs := range snap.Messages {
		data, err := json.Marshal(msgs)
		if err != nil {
			return fmt.Errorf("failed to encode messages of %s: %w", roomID, err)
		}
		records = append(records, SliceRecord{Owner: owner, Key: messagesPrefix + roomID, Data: data, UpdatedAt: now})
	}
	notifications := snap.Notifications
	if notifications == nil {
		notifications = []domain.Notification{}
	}
	data, err := json.Marshal(notifications)
	if err != nil {
		return fmt.Errorf("failed to encode notifications: %w", err)
	}
	records = append(records, SliceRecord{Owner: owner, Key: notificationsKey, Data: data, UpdatedAt: now})

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("owner = ?", owner).Delete(&SliceRecord{}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&records).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Load returns owner's snapshot. An owner without a saved snapshot gets
// an empty one and ok == false.
func (s *Store) Load(ctx context.Context, owner string) (snap store.Snapshot, ok bool, err error) {
	var records []SliceRecord
	if err := s.db.WithContext(ctx).Where("owner = ?", owner).Find(&records).Error; err != nil {
		return store.Snapshot{}, false, fmt.Errorf("failed to load snapshot: %w", err)
	}

	snap = store.Snapshot{
		Messages:      make(map[string][]domain.Message),
		Notifications: []domain.Notification{},
	}
	for _, rec := range records {
		switch {
		case rec.Key == notificationsKey:
			if err := json.Unmarshal(rec.Data, &snap.Notifications); err != nil {
				return store.Snapshot{}, false, fmt.Errorf("failed to decode notifications: %w", err)
			}
		case strings.HasPrefix(rec.Key, messagesPrefix):
			var msgs []domain.Message
			if err := json.Unmarshal(rec.Data, &msgs); err != nil {
				return store.Snapshot{}, false, fmt.Errorf("failed to decode %s: %w", rec.Key, err)
			}
			snap.Messages[strings.TrimPrefix(rec.Key, messagesPrefix)] = msgs
		}
	}
	return snap, len(records) > 0, nil
}

// Clear deletes owner's snapshot.
func (s *Store) Clear(ctx context.Context, owner string) error {
	if err := s.db.WithContext(ctx).Where("owner = ?", owner).Delete(&SliceRecord{}).Error; err != nil {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
