package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/omnidesk/omnidesk/internal/auth"
	"github.com/omnidesk/omnidesk/internal/channel"
	"github.com/omnidesk/omnidesk/internal/router"
)

// Dispatcher is the router slice the send endpoint drives.
type Dispatcher interface {
	Send(ctx context.Context, req router.Request) (router.SendResult, error)
}

// SendHandler exposes the outbound send API.
type SendHandler struct {
	router Dispatcher
}

// NewSendHandler creates a SendHandler.
func NewSendHandler(dispatcher Dispatcher) *SendHandler {
	return &SendHandler{router: dispatcher}
}

// Register mounts the send route.
func (h *SendHandler) Register(e *echo.Echo) {
	e.POST("/send", h.Send)
}

// SendRequest is the POST /send body.
type SendRequest struct {
	Contact string `json:"contact" validate:"required"`
	Channel string `json:"channel" validate:"omitempty,oneof=whatsapp telegram facebook teams email"`
	Text    string `json:"text" validate:"required_without=Media"`
	Media   *struct {
		URL      string `json:"url" validate:"required,url"`
		Mime     string `json:"mime"`
		Filename string `json:"filename"`
		Caption  string `json:"caption"`
	} `json:"media" validate:"omitempty"`
}

// SendResponse reports the delivered message, including which
// transport actually carried it.
type SendResponse struct {
	Success        bool   `json:"success"`
	Channel        string `json:"channel"`
	TransportUsed  string `json:"transport_used"`
	MessageID      int64  `json:"message_id,omitempty"`
	ConversationID int64  `json:"conversation_id,omitempty"`
}

// Send delivers a message to a contact. Failures come back
// synchronously so the agent can retry by hand; there is no background
// queue behind this endpoint.
func (h *SendHandler) Send(c echo.Context) error {
	ownerID, err := auth.OwnerIDFromContext(c)
	if err != nil {
		return err
	}

	var req SendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var channelType channel.ChannelType
	if req.Channel != "" {
		parsed, ok := channel.ParseChannelType(req.Channel)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown channel")
		}
		channelType = parsed
	}

	var media *channel.MediaRef
	if req.Media != nil {
		media = &channel.MediaRef{
			URL:      req.Media.URL,
			Mime:     req.Media.Mime,
			Filename: req.Media.Filename,
			Caption:  req.Media.Caption,
		}
	}

	result, err := h.router.Send(c.Request().Context(), router.Request{
		OwnerID: ownerID,
		Contact: req.Contact,
		Channel: channelType,
		Text:    req.Text,
		Media:   media,
	})
	if err != nil {
		switch {
		case errors.Is(err, channel.ErrInvalidRecipient):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, channel.ErrNotConfigured):
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		case channel.IsTransportError(err):
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	return c.JSON(http.StatusOK, SendResponse{
		Success:        true,
		Channel:        result.Channel.String(),
		TransportUsed:  result.TransportUsed,
		MessageID:      result.MessageID,
		ConversationID: result.ConversationID,
	})
}
