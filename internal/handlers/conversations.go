package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/omnidesk/omnidesk/internal/auth"
	"github.com/omnidesk/omnidesk/internal/conversation"
	"github.com/omnidesk/omnidesk/internal/reconcile"
)

// ConversationStore is the store slice the conversation API needs.
type ConversationStore interface {
	Get(ctx context.Context, conversationID int64) (conversation.Conversation, error)
	ListByOwner(ctx context.Context, ownerID string, status conversation.Status, limit, offset int) ([]conversation.Conversation, error)
	ListMessages(ctx context.Context, conversationID int64, limit int) ([]conversation.Message, error)
	MarkRead(ctx context.Context, conversationID int64) error
	Claim(ctx context.Context, conversationID int64, agentID string) error
	Release(ctx context.Context, conversationID int64, agentID string) error
	Close(ctx context.Context, conversationID int64, agentID, reason string) error
}

// Reconciler triggers a duplicate-conversation sweep for one owner.
type Reconciler interface {
	RunOwner(ctx context.Context, ownerID string) (reconcile.Report, error)
}

// ConversationHandler exposes the agent-facing conversation API.
type ConversationHandler struct {
	store      ConversationStore
	reconciler Reconciler
}

// NewConversationHandler creates a ConversationHandler.
func NewConversationHandler(store ConversationStore, reconciler Reconciler) *ConversationHandler {
	return &ConversationHandler{store: store, reconciler: reconciler}
}

// Register mounts the conversation routes.
func (h *ConversationHandler) Register(e *echo.Echo) {
	e.GET("/conversations", h.List)
	e.GET("/conversations/:id/messages", h.Messages)
	e.POST("/conversations/:id/claim", h.Claim)
	e.POST("/conversations/:id/release", h.Release)
	e.POST("/conversations/:id/close", h.Close)
	e.POST("/reconcile", h.Reconcile)
}

const (
	defaultListLimit    = 50
	maxListLimit        = 200
	defaultMessageLimit = 100
)

// List returns the owner's conversations, newest activity first.
func (h *ConversationHandler) List(c echo.Context) error {
	ownerID, err := auth.OwnerIDFromContext(c)
	if err != nil {
		return err
	}

	var status conversation.Status
	switch raw := c.QueryParam("status"); raw {
	case "":
	case string(conversation.StatusOpen), string(conversation.StatusInProgress), string(conversation.StatusClosed):
		status = conversation.Status(raw)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status filter")
	}

	limit := queryInt(c, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	items, err := h.store.ListByOwner(c.Request().Context(), ownerID, status, limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	summaries := make([]conversation.Summary, 0, len(items))
	for _, item := range items {
		summaries = append(summaries, conversation.ToSummary(item))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"conversations": summaries,
		"count":         len(summaries),
	})
}

// messageView is the API shape of one message.
type messageView struct {
	ID                int64  `json:"id"`
	Channel           string `json:"channel"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	FromMe            bool   `json:"from_me"`
	Type              string `json:"type"`
	Body              string `json:"body"`
	MediaURL          string `json:"media_url,omitempty"`
	Status            string `json:"status"`
	Timestamp         string `json:"timestamp"`
}

// Messages returns a conversation's messages oldest first and marks the
// conversation read.
func (h *ConversationHandler) Messages(c echo.Context) error {
	conv, err := h.ownedConversation(c)
	if err != nil {
		return err
	}

	limit := queryInt(c, "limit", defaultMessageLimit)
	if limit < 1 || limit > maxListLimit {
		limit = defaultMessageLimit
	}

	msgs, err := h.store.ListMessages(c.Request().Context(), conv.ID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.store.MarkRead(c.Request().Context(), conv.ID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView{
			ID:                m.ID,
			Channel:           m.Channel.String(),
			ProviderMessageID: m.ProviderMessageID,
			FromMe:            m.FromMe,
			Type:              m.Type,
			Body:              m.Body,
			MediaURL:          m.MediaURL,
			Status:            string(m.Status),
			Timestamp:         m.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"conversation_id": conv.ID,
		"messages":        views,
		"count":           len(views),
	})
}

// Claim assigns the conversation to the calling agent.
func (h *ConversationHandler) Claim(c echo.Context) error {
	return h.transition(c, func(ctx context.Context, id int64, agentID string) error {
		return h.store.Claim(ctx, id, agentID)
	})
}

// Release returns a claimed conversation to the open pool.
func (h *ConversationHandler) Release(c echo.Context) error {
	return h.transition(c, func(ctx context.Context, id int64, agentID string) error {
		return h.store.Release(ctx, id, agentID)
	})
}

// closeRequest is the optional POST /conversations/:id/close body.
type closeRequest struct {
	Reason string `json:"reason"`
}

// Close ends the conversation permanently.
func (h *ConversationHandler) Close(c echo.Context) error {
	var req closeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return h.transition(c, func(ctx context.Context, id int64, agentID string) error {
		return h.store.Close(ctx, id, agentID, req.Reason)
	})
}

// Reconcile merges the owner's duplicate conversations and reports what
// changed. Safe to call repeatedly.
func (h *ConversationHandler) Reconcile(c echo.Context) error {
	ownerID, err := auth.OwnerIDFromContext(c)
	if err != nil {
		return err
	}
	report, err := h.reconciler.RunOwner(c.Request().Context(), ownerID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"groups":        report.Groups,
		"merged":        report.Merged,
		"failed_groups": report.FailedGroups,
	})
}

func (h *ConversationHandler) transition(c echo.Context, op func(ctx context.Context, id int64, agentID string) error) error {
	agentID, err := auth.AgentIDFromContext(c)
	if err != nil {
		return err
	}
	conv, err := h.ownedConversation(c)
	if err != nil {
		return err
	}

	if err := op(c.Request().Context(), conv.ID, agentID); err != nil {
		switch {
		case errors.Is(err, conversation.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, conversation.ErrClosed):
			return echo.NewHTTPError(http.StatusGone, err.Error())
		case errors.Is(err, conversation.ErrAlreadyClaimed):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, conversation.ErrNotOwner):
			return echo.NewHTTPError(http.StatusForbidden, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	updated, err := h.store.Get(c.Request().Context(), conv.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":          updated.ID,
		"status":      string(updated.Status),
		"attended_by": updated.AttendedBy,
	})
}

// ownedConversation loads the path conversation and checks it belongs
// to the caller's tenant. Foreign ids read as not found so the API does
// not leak which ids exist.
func (h *ConversationHandler) ownedConversation(c echo.Context) (conversation.Conversation, error) {
	ownerID, err := auth.OwnerIDFromContext(c)
	if err != nil {
		return conversation.Conversation{}, err
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return conversation.Conversation{}, echo.NewHTTPError(http.StatusBadRequest, "invalid conversation id")
	}
	conv, err := h.store.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return conversation.Conversation{}, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return conversation.Conversation{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if conv.OwnerID != ownerID {
		return conversation.Conversation{}, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return conv, nil
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
