package dispatch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

// APNSConfig carries the token-based auth material for Apple's push service.
type APNSConfig struct {
	KeyPath     string // path to the .p8 signing key
	KeyID       string
	TeamID      string
	Topic       string // app bundle identifier
	Development bool   // use the sandbox environment
}

// APNSGateway delivers intents over HTTP/2 to APNs using token auth.
type APNSGateway struct {
	client *apns2.Client
	topic  string
}

func NewAPNSGateway(cfg APNSConfig) (*APNSGateway, error) {
	authKey, err := token.AuthKeyFromFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load APNs signing key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Development {
		client = client.Development()
	} else {
		client = client.Production()
	}

	return &APNSGateway{client: client, topic: cfg.Topic}, nil
}

func (g *APNSGateway) Deliver(ctx context.Context, intent *Intent) error {
	p := payload.NewPayload().
		AlertTitle(intent.Title).
		AlertBody(intent.Body).
		Sound("default")

	res, err := g.client.PushWithContext(ctx, &apns2.Notification{
		DeviceToken: intent.Token,
		Topic:       g.topic,
		Payload:     p,
		Priority:    apns2.PriorityHigh,
	})
	if err != nil {
		return fmt.Errorf("failed to push to APNs: %w", err)
	}
	if res.Sent() {
		return nil
	}

	// 410 Gone means the device token is dead; a few 400 reasons mean the
	// same thing. Everything else is a transient provider failure.
	if res.StatusCode == http.StatusGone ||
		res.Reason == apns2.ReasonUnregistered ||
		res.Reason == apns2.ReasonBadDeviceToken ||
		res.Reason == apns2.ReasonDeviceTokenNotForTopic {
		return fmt.Errorf("%w: %s", ErrInvalidToken, res.Reason)
	}

	return fmt.Errorf("APNs rejected notification: %d %s", res.StatusCode, res.Reason)
}
