package dispatch

import (
	"context"
	"errors"
)

// Notification kinds, used for preference gating and metrics labels.
const (
	KindLike    = "like"
	KindFollow  = "follow"
	KindRepost  = "repost"
	KindReply   = "reply"
	KindMention = "mention"
	KindQuote   = "quote"
)

// ErrInvalidToken means the provider rejected the device token as no longer
// valid. The token gets marked invalid instead of retried.
var ErrInvalidToken = errors.New("device token is no longer valid")

// Intent is a fully rendered notification bound to a single device token.
// Everything upstream (classification, preferences, suppression, copy) is
// already decided by the time an Intent exists.
type Intent struct {
	Seq      int64 // firehose seq of the originating event
	UserDID  string
	DeviceID string
	Token    string
	Platform string
	Kind     string
	Title    string
	Body     string
}

// Gateway delivers a rendered intent to a push provider.
type Gateway interface {
	Deliver(ctx context.Context, intent *Intent) error
}
