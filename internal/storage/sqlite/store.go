// Package sqlite provides a SQLite-backed storage.Store for on-device
// persistence.
package sqlite

import (
	"context"
	"errors"
	"fmt"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/and161185/caseflow/internal/errs"
	"github.com/and161185/caseflow/internal/storage"
)

// Store persists key/value pairs in a local SQLite database via GORM.
type Store struct {
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

type kvRecord struct {
	Key   string `gorm:"column:key;primaryKey"`
	Value string `gorm:"column:value;not null"`
}

func (kvRecord) TableName() string {
	return "kv"
}

// Open creates or opens the database at path and migrates the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := gorm.Open(sqliteDialector.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errs.ErrPersistence, path, err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&kvRecord{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %v", errs.ErrPersistence, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var rec kvRecord
	err := s.db.WithContext(ctx).First(&rec, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", errs.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: get %s: %v", errs.ErrPersistence, key, err)
	}
	return rec.Value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	err := s.db.WithContext(ctx).Save(&kvRecord{Key: key, Value: value}).Error
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", errs.ErrPersistence, key, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Delete(&kvRecord{}, "key = ?", key).Error
	if err != nil {
		return fmt.Errorf("%w: remove %s: %v", errs.ErrPersistence, key, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	err := s.db.WithContext(ctx).Where("1 = 1").Delete(&kvRecord{}).Error
	if err != nil {
		return fmt.Errorf("%w: clear: %v", errs.ErrPersistence, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Model(&kvRecord{}).Pluck("key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("%w: keys: %v", errs.ErrPersistence, err)
	}
	return keys, nil
}
