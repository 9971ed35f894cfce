package store

import (
	"time"

	"gorm.io/gorm"
)

// Cursor is the single row tracking the last firehose seq handed off to
// processing. Resume must happen at-or-before this value.
type Cursor struct {
	gorm.Model
	LastSeq int64
}

// Device is a registered push target. A user (DID) may have many devices.
type Device struct {
	ID        string `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`

	// gorm would otherwise split DID into d_id; every raw query here says did.
	DID      string `gorm:"column:did;index"`
	Token    string `gorm:"uniqueIndex"`
	Platform string
	Invalid  bool `gorm:"index"`

	Preference Preference
}

// Preference holds the per-device notification kind toggles.
type Preference struct {
	gorm.Model
	DeviceID string `gorm:"uniqueIndex"`

	Likes    bool
	Follows  bool
	Reposts  bool
	Replies  bool
	Mentions bool
	Quotes   bool
}

// Allows reports whether the given notification kind is enabled.
func (p *Preference) Allows(kind string) bool {
	switch kind {
	case "like":
		return p.Likes
	case "follow":
		return p.Follows
	case "repost":
		return p.Reposts
	case "reply":
		return p.Replies
	case "mention":
		return p.Mentions
	case "quote":
		return p.Quotes
	default:
		return false
	}
}

// RelationshipHash is a privacy-preserving mute/block edge. TargetHash is a
// salted SHA-256 of the related DID; plaintext DIDs are never stored.
type RelationshipHash struct {
	gorm.Model
	UserDID    string `gorm:"column:user_did;index:idx_rel_user_kind;uniqueIndex:idx_rel_edge,priority:1"`
	Kind       string `gorm:"index:idx_rel_user_kind;uniqueIndex:idx_rel_edge,priority:2"`
	TargetHash string `gorm:"uniqueIndex:idx_rel_edge,priority:3"`
}

// Identity is the durable layer of the identity cache.
type Identity struct {
	DID       string `gorm:"column:did;primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Handle    string
	Doc       []byte // Raw DID document JSON
	ExpiresAt time.Time `gorm:"index"`
}

// Post is the durable layer of the post text cache.
type Post struct {
	URI       string `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Text      string
	ExpiresAt time.Time `gorm:"index"`
}
