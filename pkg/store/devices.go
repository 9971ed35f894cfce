package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RegisteredDIDs returns the set of DIDs with at least one valid device. The
// filter refreshes this periodically rather than querying per event.
func (s *Store) RegisteredDIDs(ctx context.Context) ([]string, error) {
	var dids []string
	err := s.db.WithContext(ctx).
		Model(&Device{}).
		Where("invalid = ?", false).
		Distinct().
		Pluck("did", &dids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list registered DIDs: %w", err)
	}
	return dids, nil
}

// DevicesForDID returns the valid devices for a user, preferences included.
func (s *Store) DevicesForDID(ctx context.Context, did string) ([]Device, error) {
	var devices []Device
	err := s.db.WithContext(ctx).
		Preload("Preference").
		Where("did = ? AND invalid = ?", did, false).
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load devices for %s: %w", did, err)
	}
	return devices, nil
}

// MarkTokenInvalid flags a device token the gateway reported as unregistered
// so it is never dispatched to again. The registration surface owns deletion.
func (s *Store) MarkTokenInvalid(ctx context.Context, token string) error {
	res := s.db.WithContext(ctx).
		Model(&Device{}).
		Where("token = ?", token).
		Update("invalid", true)
	if res.Error != nil {
		return fmt.Errorf("failed to mark token invalid: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertDevice registers a device token for a DID, reviving it if it was
// previously marked invalid. New devices get every notification kind enabled.
func (s *Store) UpsertDevice(ctx context.Context, did, token, platform string) (*Device, error) {
	var device Device
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&device).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to look up device: %w", err)
		}
		device = Device{
			ID:       uuid.New().String(),
			DID:      did,
			Token:    token,
			Platform: platform,
			Preference: Preference{
				Likes:    true,
				Follows:  true,
				Reposts:  true,
				Replies:  true,
				Mentions: true,
				Quotes:   true,
			},
		}
		device.Preference.DeviceID = device.ID
		if err := s.db.WithContext(ctx).Create(&device).Error; err != nil {
			return nil, fmt.Errorf("failed to create device: %w", err)
		}
		return &device, nil
	}

	device.DID = did
	device.Platform = platform
	device.Invalid = false
	if err := s.db.WithContext(ctx).Save(&device).Error; err != nil {
		return nil, fmt.Errorf("failed to update device: %w", err)
	}
	return &device, nil
}

// SetPreferences replaces the notification toggles for a device.
func (s *Store) SetPreferences(ctx context.Context, deviceID string, pref Preference) error {
	pref.DeviceID = deviceID
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"likes", "follows", "reposts", "replies", "mentions", "quotes",
			}),
		}).
		Create(&pref).Error
	if err != nil {
		return fmt.Errorf("failed to set preferences: %w", err)
	}
	return nil
}

// AuthenticateDevice verifies that a token belongs to the given DID. Writes
// to privacy-sensitive state require this check.
func (s *Store) AuthenticateDevice(ctx context.Context, did, token string) (*Device, error) {
	var device Device
	err := s.db.WithContext(ctx).
		Where("did = ? AND token = ?", did, token).
		First(&device).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to authenticate device: %w", err)
	}
	return &device, nil
}
