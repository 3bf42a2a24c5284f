package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entry is the table row backing the sqlite driver.
type Entry struct {
	Key       string `gorm:"column:entry_key;primaryKey"`
	Value     []byte
	UpdatedAt time.Time
}

func (Entry) TableName() string {
	return "kv_entries"
}

type sqliteStore struct {
	db *gorm.DB
}

// NewSQLite builds a gorm backed store and migrates its table.
func NewSQLite(db *gorm.DB) (Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite store requires database handle")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("could not migrate kv table: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var e Entry
	err := s.db.WithContext(ctx).Where("entry_key = ?", key).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

func (s *sqliteStore) Set(ctx context.Context, key string, value []byte) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		UpdateAll: true,
	}).Create(&Entry{Key: key, Value: value}).Error
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("entry_key = ?", key).Delete(&Entry{}).Error
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := s.db.WithContext(ctx).Model(&Entry{}).Order("entry_key").Pluck("entry_key", &keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}
