package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/omnidesk/omnidesk/internal/auth"
	"github.com/omnidesk/omnidesk/internal/channel"
)

// ConfigStore is the channel-config slice the admin API needs.
type ConfigStore interface {
	GetConfig(ctx context.Context, ownerID string, channelType channel.ChannelType) (channel.Config, error)
	Upsert(ctx context.Context, cfg channel.Config) (channel.Config, error)
}

// ChannelHandler manages an owner's channel configurations.
type ChannelHandler struct {
	store    ConfigStore
	registry *channel.Registry
}

// NewChannelHandler creates a ChannelHandler.
func NewChannelHandler(store ConfigStore, registry *channel.Registry) *ChannelHandler {
	return &ChannelHandler{store: store, registry: registry}
}

// Register mounts the channel config routes.
func (h *ChannelHandler) Register(e *echo.Echo) {
	e.GET("/channels", h.ListChannels)
	e.GET("/channels/:channel", h.GetConfig)
	e.PUT("/channels/:channel", h.UpsertConfig)
}

// ListChannels returns the channel types this deployment can route.
func (h *ChannelHandler) ListChannels(c echo.Context) error {
	types := h.registry.Types()
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, t.String())
	}
	sort.Strings(names)
	return c.JSON(http.StatusOK, map[string]any{"channels": names})
}

// configView is the API shape of a channel config. Credential values
// never leave the server; only the key names do, so an operator can see
// what is set without reading secrets back.
type configView struct {
	Channel          string   `json:"channel"`
	WhatsAppProvider string   `json:"whatsapp_provider,omitempty"`
	AccountRef       string   `json:"account_ref,omitempty"`
	CredentialKeys   []string `json:"credential_keys"`
	Disabled         bool     `json:"disabled"`
}

func toConfigView(cfg channel.Config) configView {
	keys := make([]string, 0, len(cfg.Credentials))
	for key := range cfg.Credentials {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return configView{
		Channel:          cfg.Channel.String(),
		WhatsAppProvider: string(cfg.WhatsAppProvider),
		AccountRef:       cfg.AccountRef,
		CredentialKeys:   keys,
		Disabled:         cfg.Disabled,
	}
}

// GetConfig returns the caller's configuration for one channel.
func (h *ChannelHandler) GetConfig(c echo.Context) error {
	ownerID, err := auth.OwnerIDFromContext(c)
	if err != nil {
		return err
	}
	channelType, ok := channel.ParseChannelType(c.Param("channel"))
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown channel")
	}
	cfg, err := h.store.GetConfig(c.Request().Context(), ownerID, channelType)
	if err != nil {
		if errors.Is(err, channel.ErrConfigNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "channel not configured")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, toConfigView(cfg))
}

// UpsertConfigRequest is the PUT /channels/:channel body.
type UpsertConfigRequest struct {
	WhatsAppProvider string         `json:"whatsapp_provider" validate:"omitempty,oneof=evolution meta"`
	AccountRef       string         `json:"account_ref"`
	Credentials      map[string]any `json:"credentials"`
	Disabled         bool           `json:"disabled"`
}

// UpsertConfig creates or replaces the caller's configuration for one
// channel.
func (h *ChannelHandler) UpsertConfig(c echo.Context) error {
	ownerID, err := auth.OwnerIDFromContext(c)
	if err != nil {
		return err
	}
	channelType, ok := channel.ParseChannelType(c.Param("channel"))
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown channel")
	}

	var req UpsertConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Credentials == nil {
		req.Credentials = map[string]any{}
	}

	saved, err := h.store.Upsert(c.Request().Context(), channel.Config{
		OwnerID:          ownerID,
		Channel:          channelType,
		WhatsAppProvider: channel.WhatsAppProvider(req.WhatsAppProvider),
		AccountRef:       req.AccountRef,
		Credentials:      req.Credentials,
		Disabled:         req.Disabled,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, toConfigView(saved))
}
