// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package history keeps a SQLite log of the inferences served over HTTP.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Kind names the operation a Record refers to.
type Kind string

const (
	Prediction     Kind = "prediction"
	ChangeDetect   Kind = "change_detection"
	Reconstruction Kind = "reconstruction"
)

// DefaultLimit is the number of records returned by Recent when the caller
// does not choose one.
const DefaultLimit = 50

// Record is one served inference.
type Record struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`

	RequestID string `gorm:"not null;index" json:"request_id"`
	Kind      Kind   `gorm:"not null" json:"kind"`
	Variant   string `gorm:"not null" json:"variant"`
	// ClassIndex is the top class of a prediction or the dominant class of a
	// change.
	ClassIndex *int `json:"class_index"`
	// Score is the top class score, the change score or the loss,
	// depending on Kind.
	Score   float64 `gorm:"not null" json:"score"`
	Summary string  `json:"summary,omitempty"`
}

// Store persists Records. It is safe for concurrent use.
type Store struct {
	db *gorm.DB
}

// Open opens or creates the database at filename and migrates its schema.
func Open(filename string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(filename), &gorm.Config{
		Logger: NewLogger(log.Logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Add saves r, setting its ID and CreatedAt.
func (s *Store) Add(ctx context.Context, r *Record) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("failed to save %s record: %w", r.Kind, err)
	}
	return nil
}

// Recent returns up to limit records, newest first. A non-positive limit
// means DefaultLimit.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	var records []Record
	err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return records, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Record{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count history records: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
