// Package router dispatches outbound messages to the right transport
// for a contact and records the sent copy through the ingestion
// pipeline so the later webhook echo deduplicates against it.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/channel"
	"github.com/omnidesk/omnidesk/internal/conversation"
	"github.com/omnidesk/omnidesk/internal/identity"
	"github.com/omnidesk/omnidesk/internal/ingest"
)

// Transport names reported in SendResult.TransportUsed.
const (
	TransportEvolution         = "evolution"
	TransportMeta              = "meta"
	TransportEvolutionFallback = "evolution_fallback"
)

// ChannelResolver is the slice of the conversation store used to pick
// a contact's channel from message history.
type ChannelResolver interface {
	LastContactChannel(ctx context.Context, ownerID, matchKey string) (channel.ChannelType, error)
}

// ConfigSource looks up owner channel credentials.
type ConfigSource interface {
	GetConfig(ctx context.Context, ownerID string, channelType channel.ChannelType) (channel.Config, error)
}

// Senders resolves a sending transport per channel type.
type Senders interface {
	GetSender(channelType channel.ChannelType) (channel.Sender, bool)
}

// Ingestor records the outbound copy.
type Ingestor interface {
	Ingest(ctx context.Context, event channel.InboundEvent) (ingest.Result, error)
}

// WhatsAppSenders holds the two transports that can back the whatsapp
// channel. Both read their own credential block from the owner config,
// so one config row can carry credentials for both and enable the
// meta-to-evolution fallback.
type WhatsAppSenders struct {
	Evolution channel.Sender
	Meta      channel.Sender
}

// Request is one outbound send.
type Request struct {
	OwnerID string
	Contact string
	Channel channel.ChannelType // optional; resolved from history when empty
	Text    string
	Media   *channel.MediaRef
}

// SendResult reports a delivered message.
type SendResult struct {
	Channel        channel.ChannelType
	TransportUsed  string
	MessageID      int64
	ConversationID int64
}

// Router routes outbound messages.
type Router struct {
	resolver           ChannelResolver
	configs            ConfigSource
	senders            Senders
	whatsapp           WhatsAppSenders
	ingestor           Ingestor
	defaultCountryCode string
	sendTimeout        time.Duration
	logger             *slog.Logger
}

// New creates a Router. sendTimeout bounds every transport call; a
// timeout counts as a transport failure and triggers fallback where
// one exists.
func New(resolver ChannelResolver, configs ConfigSource, senders Senders, whatsapp WhatsAppSenders, ingestor Ingestor, defaultCountryCode string, sendTimeout time.Duration, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	if sendTimeout <= 0 {
		sendTimeout = 15 * time.Second
	}
	return &Router{
		resolver:           resolver,
		configs:            configs,
		senders:            senders,
		whatsapp:           whatsapp,
		ingestor:           ingestor,
		defaultCountryCode: defaultCountryCode,
		sendTimeout:        sendTimeout,
		logger:             log.With(slog.String("service", "router")),
	}
}

// Send resolves the contact's channel, dispatches, and records the
// outbound message. Nothing is persisted unless a transport accepted
// the message.
func (r *Router) Send(ctx context.Context, req Request) (SendResult, error) {
	if req.Text == "" && req.Media == nil {
		return SendResult{}, fmt.Errorf("message is empty")
	}
	contact := strings.TrimSpace(req.Contact)
	if contact == "" {
		return SendResult{}, channel.ErrInvalidRecipient
	}

	// The channel must be known before the contact is shaped: only
	// whatsapp targets are phone numbers, and phone-normalizing a
	// telegram chat id or an email address would corrupt it.
	channelType := req.Channel
	if channelType == "" {
		matchKey := identity.MatchKeyOf(contact, r.defaultCountryCode)
		resolved, err := r.resolver.LastContactChannel(ctx, req.OwnerID, matchKey)
		if errors.Is(err, conversation.ErrNotFound) {
			channelType = channel.TypeWhatsApp
		} else if err != nil {
			return SendResult{}, err
		} else {
			channelType = resolved
		}
	}

	canonical := contact
	if channelType == channel.TypeWhatsApp {
		normalized, err := identity.Normalize(contact, r.defaultCountryCode)
		if err != nil {
			return SendResult{}, fmt.Errorf("contact %q: %w", contact, channel.ErrInvalidRecipient)
		}
		canonical = string(normalized)
	}

	cfg, err := r.configs.GetConfig(ctx, req.OwnerID, channelType)
	if err != nil {
		if errors.Is(err, channel.ErrConfigNotFound) {
			return SendResult{}, fmt.Errorf("%s for owner %s: %w", channelType, req.OwnerID, channel.ErrNotConfigured)
		}
		return SendResult{}, err
	}

	msg := channel.OutboundMessage{Target: canonical, Text: req.Text, Media: req.Media}

	var receipt channel.SendReceipt
	var transportUsed string
	if channelType == channel.TypeWhatsApp {
		receipt, transportUsed, err = r.sendWhatsApp(ctx, cfg, msg)
	} else {
		receipt, err = r.dispatch(ctx, channelType, cfg, msg)
		transportUsed = channelType.String()
	}
	if err != nil {
		return SendResult{}, err
	}

	providerID := receipt.ProviderMessageID
	if providerID == "" {
		// Transports without message ids still need a dedup key so a
		// replayed record cannot double-insert.
		providerID = "out-" + uuid.NewString()
	}
	res, err := r.ingestor.Ingest(ctx, channel.InboundEvent{
		OwnerID:           req.OwnerID,
		Channel:           channelType,
		RawIdentity:       canonical,
		ProviderMessageID: providerID,
		Direction:         channel.DirectionOut,
		Payload:           outboundPayload(req),
		Timestamp:         time.Now().UTC(),
	})
	if err != nil {
		// The transport accepted the message; losing the local record is
		// logged loudly but the send itself succeeded.
		r.logger.Error("outbound message sent but not recorded",
			slog.String("owner_id", req.OwnerID),
			slog.String("channel", channelType.String()),
			slog.Any("error", err))
	}

	return SendResult{
		Channel:        channelType,
		TransportUsed:  transportUsed,
		MessageID:      res.MessageID,
		ConversationID: res.ConversationID,
	}, nil
}

// sendWhatsApp picks the owner's configured provider. When the
// provider is meta and the transport fails transiently, and evolution
// credentials exist in the same config, evolution takes over and the
// result says so.
func (r *Router) sendWhatsApp(ctx context.Context, cfg channel.Config, msg channel.OutboundMessage) (channel.SendReceipt, string, error) {
	switch cfg.WhatsAppProvider {
	case channel.ProviderMeta:
		if r.whatsapp.Meta == nil {
			return channel.SendReceipt{}, "", fmt.Errorf("whatsapp meta transport unavailable: %w", channel.ErrNotConfigured)
		}
		receipt, err := r.sendWithTimeout(ctx, r.whatsapp.Meta, cfg, msg)
		if err == nil {
			return receipt, TransportMeta, nil
		}
		if !channel.IsTransportError(err) {
			return channel.SendReceipt{}, "", err
		}
		if r.whatsapp.Evolution == nil || !hasEvolutionCredentials(cfg) {
			return channel.SendReceipt{}, "", err
		}
		r.logger.Warn("meta transport failed, falling back to evolution",
			slog.String("owner_id", cfg.OwnerID), slog.Any("error", err))
		receipt, fallbackErr := r.sendWithTimeout(ctx, r.whatsapp.Evolution, cfg, msg)
		if fallbackErr != nil {
			return channel.SendReceipt{}, "", fmt.Errorf("meta failed (%v), evolution fallback failed: %w", err, fallbackErr)
		}
		return receipt, TransportEvolutionFallback, nil
	case channel.ProviderEvolution, "":
		if r.whatsapp.Evolution == nil {
			return channel.SendReceipt{}, "", fmt.Errorf("whatsapp evolution transport unavailable: %w", channel.ErrNotConfigured)
		}
		receipt, err := r.sendWithTimeout(ctx, r.whatsapp.Evolution, cfg, msg)
		if err != nil {
			return channel.SendReceipt{}, "", err
		}
		return receipt, TransportEvolution, nil
	default:
		return channel.SendReceipt{}, "", fmt.Errorf("whatsapp provider %q: %w", cfg.WhatsAppProvider, channel.ErrNotConfigured)
	}
}

// hasEvolutionCredentials reports whether the config carries an
// evolution block usable for fallback.
func hasEvolutionCredentials(cfg channel.Config) bool {
	block, ok := cfg.Credentials["evolution"].(map[string]any)
	if !ok {
		return false
	}
	instance, _ := block["instance"].(string)
	apiKey, _ := block["api_key"].(string)
	return instance != "" && apiKey != ""
}

func (r *Router) dispatch(ctx context.Context, channelType channel.ChannelType, cfg channel.Config, msg channel.OutboundMessage) (channel.SendReceipt, error) {
	sender, ok := r.senders.GetSender(channelType)
	if !ok {
		return channel.SendReceipt{}, fmt.Errorf("%s: no sending transport registered", channelType)
	}
	return r.sendWithTimeout(ctx, sender, cfg, msg)
}

func (r *Router) sendWithTimeout(ctx context.Context, sender channel.Sender, cfg channel.Config, msg channel.OutboundMessage) (channel.SendReceipt, error) {
	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	receipt, err := sender.Send(sendCtx, cfg, msg)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return channel.SendReceipt{}, channel.NewTransportError(cfg.Channel, err)
	}
	return receipt, err
}

func outboundPayload(req Request) channel.Payload {
	if req.Media != nil {
		return channel.Payload{
			Kind:     mediaKind(req.Media.Mime),
			Caption:  firstNonEmpty(req.Media.Caption, req.Text),
			Filename: req.Media.Filename,
			MediaURL: req.Media.URL,
			Mime:     req.Media.Mime,
		}
	}
	return channel.Payload{Kind: "text", Text: req.Text}
}

func mediaKind(mime string) string {
	switch {
	case len(mime) >= 6 && mime[:6] == "image/":
		return "image"
	case len(mime) >= 6 && mime[:6] == "video/":
		return "video"
	case len(mime) >= 6 && mime[:6] == "audio/":
		return "audio"
	}
	return "document"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
