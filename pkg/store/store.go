package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	slogGorm "github.com/orandin/slog-gorm"
)

var ErrNotFound = errors.New("not found")

// Store owns all durable state for the pipeline: the stream cursor, the
// device registry, relationship hashes, and the durable cache layers.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

func Open(sqlitePath string, migrate bool, logger *slog.Logger) (*Store, error) {
	gormLogger := slogGorm.New()

	db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if migrate {
		err = db.AutoMigrate(
			&Cursor{},
			&Device{},
			&Preference{},
			&RelationshipHash{},
			&Identity{},
			&Post{},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	// Set pragmas for performance
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=normal;")

	return &Store{db: db, logger: logger.With("module", "store")}, nil
}

// ExpireCaches deletes identity and post cache rows past their expiry. The
// in-memory layers age out on their own; this keeps the durable layers from
// growing without bound.
func (s *Store) ExpireCaches(ctx context.Context) error {
	now := time.Now()
	if err := s.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&Identity{}).Error; err != nil {
		return fmt.Errorf("failed to expire identities: %w", err)
	}
	if err := s.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&Post{}).Error; err != nil {
		return fmt.Errorf("failed to expire posts: %w", err)
	}
	return nil
}
