package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// LoadCursor returns the last persisted firehose seq, or 0 if none has been
// recorded yet.
func (s *Store) LoadCursor(ctx context.Context) (int64, error) {
	var c Cursor
	if err := s.db.WithContext(ctx).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}
	return c.LastSeq, nil
}

// SaveCursor upserts the single cursor row.
func (s *Store) SaveCursor(ctx context.Context, seq int64) error {
	var c Cursor
	err := s.db.WithContext(ctx).First(&c).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load cursor for save: %w", err)
		}
	}
	c.LastSeq = seq
	if err := s.db.WithContext(ctx).Save(&c).Error; err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}
