// Package telegram implements the telegram channel with a bot account
// per owner. Inbound messages are pulled with getUpdates; the update id
// is the poll cursor.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/omnidesk/omnidesk/internal/channel"
)

const Type = channel.TypeTelegram

// Adapter drives one Telegram bot per owner token. Bot clients are
// cached by token because creating one performs a getMe round trip.
type Adapter struct {
	logger *slog.Logger
	mu     sync.RWMutex
	bots   map[string]*tgbotapi.BotAPI
}

// newBotForTest lets tests inject a bot without the getMe round trip.
var newBotForTest func(token string) (*tgbotapi.BotAPI, error)

// New creates a Telegram adapter.
func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "telegram")),
		bots:   make(map[string]*tgbotapi.BotAPI),
	}
}

// Type returns the telegram channel type.
func (a *Adapter) Type() channel.ChannelType {
	return Type
}

func (a *Adapter) getOrCreateBot(token string) (*tgbotapi.BotAPI, error) {
	a.mu.RLock()
	bot, ok := a.bots[token]
	a.mu.RUnlock()
	if ok {
		return bot, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[token]; ok {
		return bot, nil
	}
	create := tgbotapi.NewBotAPI
	if newBotForTest != nil {
		create = newBotForTest
	}
	bot, err := create(token)
	if err != nil {
		return nil, channel.NewTransportError(Type, fmt.Errorf("create bot: %w", err))
	}
	a.bots[token] = bot
	return bot, nil
}

func botToken(cfg channel.Config) (string, error) {
	token := cfg.Credential("bot_token")
	if token == "" {
		return "", fmt.Errorf("telegram bot_token is required: %w", channel.ErrNotConfigured)
	}
	return token, nil
}

// Send delivers a message to a chat id or @username target.
func (a *Adapter) Send(ctx context.Context, cfg channel.Config, msg channel.OutboundMessage) (channel.SendReceipt, error) {
	token, err := botToken(cfg)
	if err != nil {
		return channel.SendReceipt{}, err
	}
	bot, err := a.getOrCreateBot(token)
	if err != nil {
		return channel.SendReceipt{}, err
	}
	target := strings.TrimSpace(msg.Target)
	if target == "" {
		return channel.SendReceipt{}, channel.ErrInvalidRecipient
	}
	if err := ctx.Err(); err != nil {
		return channel.SendReceipt{}, err
	}

	chatID, username, err := parseTarget(target)
	if err != nil {
		return channel.SendReceipt{}, err
	}

	var chattable tgbotapi.Chattable
	if msg.Media != nil {
		file := tgbotapi.FileURL(msg.Media.URL)
		caption := firstNonEmpty(msg.Media.Caption, msg.Text)
		switch {
		case strings.HasPrefix(msg.Media.Mime, "image/"):
			photo := tgbotapi.NewPhoto(chatID, file)
			photo.ChannelUsername = username
			photo.Caption = caption
			chattable = photo
		case strings.HasPrefix(msg.Media.Mime, "video/"):
			video := tgbotapi.NewVideo(chatID, file)
			video.ChannelUsername = username
			video.Caption = caption
			chattable = video
		case strings.HasPrefix(msg.Media.Mime, "audio/"):
			audio := tgbotapi.NewAudio(chatID, file)
			audio.ChannelUsername = username
			chattable = audio
		default:
			doc := tgbotapi.NewDocument(chatID, file)
			doc.ChannelUsername = username
			doc.Caption = caption
			chattable = doc
		}
	} else {
		text := tgbotapi.NewMessage(chatID, msg.Text)
		text.ChannelUsername = username
		chattable = text
	}

	sent, err := bot.Send(chattable)
	if err != nil {
		return channel.SendReceipt{}, channel.NewTransportError(Type, err)
	}
	return channel.SendReceipt{ProviderMessageID: messageKey(sent.Chat, sent.MessageID)}, nil
}

// Pull drains pending updates newer than the cursor, an update id.
func (a *Adapter) Pull(ctx context.Context, cfg channel.Config, cursor string) ([]channel.InboundEvent, string, error) {
	token, err := botToken(cfg)
	if err != nil {
		return nil, cursor, err
	}
	bot, err := a.getOrCreateBot(token)
	if err != nil {
		return nil, cursor, err
	}
	if err := ctx.Err(); err != nil {
		return nil, cursor, err
	}

	offset := 0
	if cursor != "" {
		if last, err := strconv.Atoi(cursor); err == nil {
			offset = last + 1
		}
	}
	updates, err := bot.GetUpdates(tgbotapi.UpdateConfig{Offset: offset, Limit: 100})
	if err != nil {
		return nil, cursor, channel.NewTransportError(Type, err)
	}

	events := make([]channel.InboundEvent, 0, len(updates))
	lastID := offset - 1
	for _, update := range updates {
		if update.UpdateID > lastID {
			lastID = update.UpdateID
		}
		event, ok := toEvent(update)
		if !ok {
			continue
		}
		events = append(events, event)
	}
	next := cursor
	if lastID >= 0 {
		next = strconv.Itoa(lastID)
	}
	return events, next, nil
}

func toEvent(update tgbotapi.Update) (channel.InboundEvent, bool) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return channel.InboundEvent{}, false
	}
	// Group chats are not desk conversations.
	if !msg.Chat.IsPrivate() {
		return channel.InboundEvent{}, false
	}
	event := channel.InboundEvent{
		Channel:           Type,
		RawIdentity:       strconv.FormatInt(msg.Chat.ID, 10),
		ProviderMessageID: messageKey(msg.Chat, msg.MessageID),
		Direction:         channel.DirectionIn,
		Payload:           classifyMessage(msg),
		Timestamp:         time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.From != nil {
		event.SenderName = strings.TrimSpace(strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName))
		if event.SenderName == "" {
			event.SenderName = msg.From.UserName
		}
	}
	return event, true
}

// messageKey builds the dedup id. Telegram message ids are unique only
// within a chat, so the chat id is part of the key.
func messageKey(chat *tgbotapi.Chat, messageID int) string {
	chatID := int64(0)
	if chat != nil {
		chatID = chat.ID
	}
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

func classifyMessage(msg *tgbotapi.Message) channel.Payload {
	switch {
	case msg.Text != "":
		return channel.Payload{Kind: "text", Text: msg.Text}
	case len(msg.Photo) > 0:
		return channel.Payload{Kind: "image", Caption: msg.Caption}
	case msg.Video != nil:
		return channel.Payload{Kind: "video", Caption: msg.Caption, Mime: msg.Video.MimeType}
	case msg.Voice != nil:
		return channel.Payload{Kind: "audio", Mime: msg.Voice.MimeType}
	case msg.Audio != nil:
		return channel.Payload{Kind: "audio", Mime: msg.Audio.MimeType}
	case msg.Document != nil:
		return channel.Payload{Kind: "document", Filename: msg.Document.FileName,
			Caption: msg.Caption, Mime: msg.Document.MimeType}
	case msg.Sticker != nil:
		return channel.Payload{Kind: "sticker"}
	}
	return channel.Payload{Kind: "unknown"}
}

func parseTarget(target string) (int64, string, error) {
	if strings.HasPrefix(target, "@") {
		return 0, target, nil
	}
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("telegram target %q: %w", target, channel.ErrInvalidRecipient)
	}
	return chatID, "", nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
