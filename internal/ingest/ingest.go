// Package ingest turns normalized provider events into stored messages.
// Webhook push and polling pull both feed the same entrypoint, so the
// dedup outcome is identical regardless of which path saw the event
// first.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/omnidesk/omnidesk/internal/channel"
	"github.com/omnidesk/omnidesk/internal/conversation"
	"github.com/omnidesk/omnidesk/internal/identity"
)

// ConversationStore is the slice of the conversation store the
// pipeline writes through.
type ConversationStore interface {
	FindOrCreate(ctx context.Context, ownerID, canonicalIdentity, matchKey string, channelType channel.ChannelType, nameHint string) (conversation.Conversation, error)
	MessageSeen(ctx context.Context, channelType channel.ChannelType, providerMessageID string) (bool, error)
	AppendMessage(ctx context.Context, conversationID int64, msg conversation.Message) (int64, error)
}

// Outcome says what happened to one event.
type Outcome string

const (
	// OutcomeStored means a new message row exists.
	OutcomeStored Outcome = "stored"
	// OutcomeDuplicate means the provider message id was already
	// stored. Expected under the webhook/poll race; not an error.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSkipped means the event was dropped (malformed identity or
	// missing owner) and logged.
	OutcomeSkipped Outcome = "skipped"
)

// Result reports the outcome of one ingested event.
type Result struct {
	Outcome        Outcome
	ConversationID int64
	MessageID      int64
}

// BatchResult aggregates a batch run.
type BatchResult struct {
	Stored     int
	Duplicates int
	Skipped    int
	Failed     int
}

// Pipeline ingests inbound events.
type Pipeline struct {
	store              ConversationStore
	defaultCountryCode string
	logger             *slog.Logger
}

// NewPipeline creates a Pipeline writing through the given store.
func NewPipeline(store ConversationStore, defaultCountryCode string, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		store:              store,
		defaultCountryCode: defaultCountryCode,
		logger:             log.With(slog.String("service", "ingest")),
	}
}

// Ingest stores one event. The dedup check runs before any write:
// a previously seen provider message id returns OutcomeDuplicate
// untouched. The race where two paths pass the check simultaneously is
// settled by the unique index at insert time; the loser also gets
// OutcomeDuplicate.
func (p *Pipeline) Ingest(ctx context.Context, event channel.InboundEvent) (Result, error) {
	if event.OwnerID == "" {
		p.logger.Warn("event without owner dropped",
			slog.String("channel", event.Channel.String()),
			slog.String("account_ref", event.AccountRef))
		return Result{Outcome: OutcomeSkipped}, nil
	}

	if event.ProviderMessageID != "" {
		seen, err := p.store.MessageSeen(ctx, event.Channel, event.ProviderMessageID)
		if err != nil {
			return Result{}, fmt.Errorf("dedup check: %w", err)
		}
		if seen {
			return Result{Outcome: OutcomeDuplicate}, nil
		}
	}

	canonical, matchKey, err := p.resolveIdentity(event)
	if err != nil {
		p.logger.Warn("event with malformed identity dropped",
			slog.String("channel", event.Channel.String()),
			slog.String("raw_identity", event.RawIdentity),
			slog.Any("error", err))
		return Result{Outcome: OutcomeSkipped}, nil
	}

	msgType, body := Classify(event.Payload)

	conv, err := p.store.FindOrCreate(ctx, event.OwnerID, canonical, matchKey, event.Channel, event.SenderName)
	if err != nil {
		return Result{}, fmt.Errorf("resolve conversation: %w", err)
	}

	status := conversation.MessagePending
	if event.Direction == channel.DirectionOut {
		status = conversation.MessageSent
	}
	messageID, err := p.store.AppendMessage(ctx, conv.ID, conversation.Message{
		Channel:           event.Channel,
		ProviderMessageID: event.ProviderMessageID,
		FromMe:            event.Direction == channel.DirectionOut,
		Type:              msgType,
		Body:              body,
		MediaURL:          event.Payload.MediaURL,
		Status:            status,
		Timestamp:         event.Timestamp,
	})
	if err != nil {
		if errors.Is(err, conversation.ErrDuplicateMessage) {
			return Result{Outcome: OutcomeDuplicate, ConversationID: conv.ID}, nil
		}
		return Result{}, fmt.Errorf("append message: %w", err)
	}
	return Result{Outcome: OutcomeStored, ConversationID: conv.ID, MessageID: messageID}, nil
}

// IngestBatch processes events oldest first. A failing event is logged
// and skipped; the rest of the batch proceeds.
func (p *Pipeline) IngestBatch(ctx context.Context, events []channel.InboundEvent) BatchResult {
	// Providers deliver batches newest first. Reversing before the
	// stable sort keeps equal-timestamp events in their original
	// relative order once flipped to oldest first.
	ordered := make([]channel.InboundEvent, len(events))
	for i, event := range events {
		ordered[len(events)-1-i] = event
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	var result BatchResult
	for _, event := range ordered {
		res, err := p.Ingest(ctx, event)
		if err != nil {
			result.Failed++
			p.logger.Error("ingest failed",
				slog.String("channel", event.Channel.String()),
				slog.String("provider_message_id", event.ProviderMessageID),
				slog.Any("error", err))
			continue
		}
		switch res.Outcome {
		case OutcomeStored:
			result.Stored++
		case OutcomeDuplicate:
			result.Duplicates++
		case OutcomeSkipped:
			result.Skipped++
		}
	}
	return result
}

// resolveIdentity picks the canonical identity and match key for an
// event. Phone-based channels go through full normalization; identity
// on the other channels is an opaque external id.
func (p *Pipeline) resolveIdentity(event channel.InboundEvent) (string, string, error) {
	switch event.Channel {
	case channel.TypeWhatsApp:
		canonical, err := identity.Normalize(event.RawIdentity, p.defaultCountryCode)
		if err != nil {
			return "", "", err
		}
		return string(canonical), identity.MatchKey(canonical), nil
	default:
		raw := strings.TrimSpace(event.RawIdentity)
		if raw == "" {
			return "", "", identity.ErrEmpty
		}
		return raw, identity.MatchKeyOf(raw, p.defaultCountryCode), nil
	}
}

// Classify maps a provider payload onto the stored message type and
// its displayable text. It is total: unknown shapes degrade to a
// placeholder instead of failing the event.
func Classify(payload channel.Payload) (string, string) {
	switch payload.Kind {
	case "text":
		return "text", payload.Text
	case "image":
		return "image", labeled("[Image]", payload.Caption)
	case "video":
		return "video", labeled("[Video]", payload.Caption)
	case "audio":
		return "audio", "[Audio]"
	case "sticker":
		return "sticker", "[Sticker]"
	case "document":
		return "document", labeled("[Document]", firstNonEmpty(payload.Filename, payload.Caption))
	}
	return "text", "[Unsupported message]"
}

func labeled(label, detail string) string {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return label
	}
	return label + " " + detail
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
