package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetIdentity returns the durable identity row for a DID, expired or not.
// Staleness is the caller's call to make: an expired row is still the
// last-known-good value when a refresh fails.
func (s *Store) GetIdentity(ctx context.Context, did string) (*Identity, error) {
	var ident Identity
	err := s.db.WithContext(ctx).First(&ident, "did = ?", did).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	return &ident, nil
}

// PutIdentity upserts the durable identity row.
func (s *Store) PutIdentity(ctx context.Context, did, handle string, doc []byte, expiresAt time.Time) error {
	ident := Identity{DID: did, Handle: handle, Doc: doc, ExpiresAt: expiresAt}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "did"}},
			DoUpdates: clause.AssignmentColumns([]string{"handle", "doc", "expires_at", "updated_at"}),
		}).
		Create(&ident).Error
	if err != nil {
		return fmt.Errorf("failed to put identity: %w", err)
	}
	return nil
}

// GetPost returns the durable post text row for a URI, expired or not.
func (s *Store) GetPost(ctx context.Context, uri string) (*Post, error) {
	var post Post
	err := s.db.WithContext(ctx).First(&post, "uri = ?", uri).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load post: %w", err)
	}
	return &post, nil
}

// PutPost upserts the durable post text row.
func (s *Store) PutPost(ctx context.Context, uri, text string, expiresAt time.Time) error {
	post := Post{URI: uri, Text: text, ExpiresAt: expiresAt}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uri"}},
			DoUpdates: clause.AssignmentColumns([]string{"text", "expires_at", "updated_at"}),
		}).
		Create(&post).Error
	if err != nil {
		return fmt.Errorf("failed to put post: %w", err)
	}
	return nil
}
