package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/labstack/echo/v4"

	"github.com/ericvolp12/atproto-push/pkg/graph"
	"github.com/ericvolp12/atproto-push/pkg/store"
)

// API exposes device registration, preferences, and relationship uploads.
// Writes to privacy-sensitive state authenticate with the device token.
type API struct {
	logger     *slog.Logger
	store      *store.Store
	suppressor *graph.Suppressor
}

func NewAPI(st *store.Store, suppressor *graph.Suppressor, logger *slog.Logger) *API {
	return &API{
		logger:     logger.With("module", "api"),
		store:      st,
		suppressor: suppressor,
	}
}

// AttachRoutes registers the API routes on an echo group.
func (a *API) AttachRoutes(g *echo.Group) {
	g.POST("/register", a.HandleRegister)
	g.GET("/preferences", a.HandleGetPreferences)
	g.PUT("/preferences", a.HandleUpdatePreferences)
	g.PUT("/relationships", a.HandleUpdateRelationships)
}

type registerRequest struct {
	DID         string `json:"did"`
	DeviceToken string `json:"device_token"`
	Platform    string `json:"platform"`
}

type registerResponse struct {
	DeviceID string `json:"device_id"`
}

func (a *API) HandleRegister(e echo.Context) error {
	var req registerRequest
	if err := e.Bind(&req); err != nil {
		return e.String(http.StatusBadRequest, fmt.Sprintf("invalid request: %s", err))
	}

	if _, err := syntax.ParseDID(req.DID); err != nil {
		return e.String(http.StatusBadRequest, fmt.Sprintf("invalid DID: %s", err))
	}
	if req.DeviceToken == "" {
		return e.String(http.StatusBadRequest, "device_token is required")
	}
	if req.Platform == "" {
		req.Platform = "ios"
	}

	device, err := a.store.UpsertDevice(e.Request().Context(), req.DID, req.DeviceToken, req.Platform)
	if err != nil {
		return e.String(http.StatusInternalServerError, fmt.Sprintf("failed to register device: %s", err))
	}

	a.logger.Info("registered device", "did", req.DID, "device", device.ID, "platform", req.Platform)
	return e.JSON(http.StatusOK, registerResponse{DeviceID: device.ID})
}

type preferencesRequest struct {
	DID         string `json:"did"`
	DeviceToken string `json:"device_token"`

	Likes    bool `json:"likes"`
	Follows  bool `json:"follows"`
	Reposts  bool `json:"reposts"`
	Replies  bool `json:"replies"`
	Mentions bool `json:"mentions"`
	Quotes   bool `json:"quotes"`
}

func (a *API) HandleGetPreferences(e echo.Context) error {
	did := e.QueryParam("did")
	token := e.QueryParam("device_token")

	device, ok := a.authenticate(e, did, token)
	if !ok {
		return nil
	}

	devices, err := a.store.DevicesForDID(e.Request().Context(), did)
	if err != nil {
		return e.String(http.StatusInternalServerError, fmt.Sprintf("failed to load preferences: %s", err))
	}
	for _, d := range devices {
		if d.ID == device.ID {
			return e.JSON(http.StatusOK, preferencesRequest{
				DID:      did,
				Likes:    d.Preference.Likes,
				Follows:  d.Preference.Follows,
				Reposts:  d.Preference.Reposts,
				Replies:  d.Preference.Replies,
				Mentions: d.Preference.Mentions,
				Quotes:   d.Preference.Quotes,
			})
		}
	}
	return e.String(http.StatusNotFound, "device not found")
}

func (a *API) HandleUpdatePreferences(e echo.Context) error {
	var req preferencesRequest
	if err := e.Bind(&req); err != nil {
		return e.String(http.StatusBadRequest, fmt.Sprintf("invalid request: %s", err))
	}

	device, ok := a.authenticate(e, req.DID, req.DeviceToken)
	if !ok {
		return nil
	}

	err := a.store.SetPreferences(e.Request().Context(), device.ID, store.Preference{
		Likes:    req.Likes,
		Follows:  req.Follows,
		Reposts:  req.Reposts,
		Replies:  req.Replies,
		Mentions: req.Mentions,
		Quotes:   req.Quotes,
	})
	if err != nil {
		return e.String(http.StatusInternalServerError, fmt.Sprintf("failed to set preferences: %s", err))
	}

	return e.NoContent(http.StatusNoContent)
}

type relationshipsRequest struct {
	DID         string   `json:"did"`
	DeviceToken string   `json:"device_token"`
	Mutes       []string `json:"mutes"`
	Blocks      []string `json:"blocks"`
}

// HandleUpdateRelationships replaces the caller's mute and block sets. DIDs
// are hashed with the caller's salt before they touch the store, so the raw
// social graph is never persisted.
func (a *API) HandleUpdateRelationships(e echo.Context) error {
	var req relationshipsRequest
	if err := e.Bind(&req); err != nil {
		return e.String(http.StatusBadRequest, fmt.Sprintf("invalid request: %s", err))
	}

	if _, ok := a.authenticate(e, req.DID, req.DeviceToken); !ok {
		return nil
	}

	muteHashes := make([]string, 0, len(req.Mutes))
	for _, target := range req.Mutes {
		muteHashes = append(muteHashes, a.suppressor.HashTarget(target, req.DID))
	}
	blockHashes := make([]string, 0, len(req.Blocks))
	for _, target := range req.Blocks {
		blockHashes = append(blockHashes, a.suppressor.HashTarget(target, req.DID))
	}

	if err := a.store.ReplaceRelationships(e.Request().Context(), req.DID, muteHashes, blockHashes); err != nil {
		return e.String(http.StatusInternalServerError, fmt.Sprintf("failed to update relationships: %s", err))
	}
	a.suppressor.Invalidate(req.DID)

	a.logger.Info("updated relationships", "did", req.DID,
		"mutes", len(req.Mutes), "blocks", len(req.Blocks))
	return e.NoContent(http.StatusNoContent)
}

// authenticate verifies a (did, token) pair. On failure the error response
// is already written and ok is false.
func (a *API) authenticate(e echo.Context, did, token string) (device *store.Device, ok bool) {
	if _, err := syntax.ParseDID(did); err != nil {
		_ = e.String(http.StatusBadRequest, fmt.Sprintf("invalid DID: %s", err))
		return nil, false
	}
	if token == "" {
		_ = e.String(http.StatusUnauthorized, "device_token is required")
		return nil, false
	}

	device, err := a.store.AuthenticateDevice(e.Request().Context(), did, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = e.String(http.StatusUnauthorized, "unknown device for DID")
			return nil, false
		}
		_ = e.String(http.StatusInternalServerError, fmt.Sprintf("failed to authenticate: %s", err))
		return nil, false
	}
	return device, true
}
