package store

import (
	"context"
	"fmt"
)

// Relationship kinds stored in the hash table.
const (
	RelationshipMute  = "mute"
	RelationshipBlock = "block"
)

// ReplaceRelationships swaps out a user's mute and block hash sets in a
// single transaction. Hashing happens in pkg/graph before the values reach
// the store; only hashes cross this boundary.
func (s *Store) ReplaceRelationships(ctx context.Context, userDID string, muteHashes, blockHashes []string) error {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}
	defer tx.Rollback()

	if err := tx.Where("user_did = ?", userDID).Unscoped().Delete(&RelationshipHash{}).Error; err != nil {
		return fmt.Errorf("failed to clear relationships: %w", err)
	}

	edges := make([]RelationshipHash, 0, len(muteHashes)+len(blockHashes))
	for _, h := range muteHashes {
		edges = append(edges, RelationshipHash{UserDID: userDID, Kind: RelationshipMute, TargetHash: h})
	}
	for _, h := range blockHashes {
		edges = append(edges, RelationshipHash{UserDID: userDID, Kind: RelationshipBlock, TargetHash: h})
	}

	if len(edges) > 0 {
		if err := tx.CreateInBatches(edges, 100).Error; err != nil {
			return fmt.Errorf("failed to insert relationships: %w", err)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit relationships: %w", err)
	}
	return nil
}

// RelationshipHashes returns the stored hash set for a (user, kind) pair.
func (s *Store) RelationshipHashes(ctx context.Context, userDID, kind string) ([]string, error) {
	var hashes []string
	err := s.db.WithContext(ctx).
		Model(&RelationshipHash{}).
		Where("user_did = ? AND kind = ?", userDID, kind).
		Pluck("target_hash", &hashes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load %s hashes for %s: %w", kind, userDID, err)
	}
	return hashes, nil
}
