// Package evolution implements the whatsapp channel over a self-hosted
// Evolution API instance. Inbound events arrive both by webhook push
// and by polling pull; the two paths deliver the same provider message
// ids and are deduplicated downstream.
package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/omnidesk/omnidesk/internal/channel"
)

// Type is the channel type this adapter serves. The whatsapp channel is
// shared with the Meta Cloud adapter; the router picks between them per
// owner configuration.
const Type = channel.TypeWhatsApp

// Adapter talks to an Evolution API server. One server hosts many
// instances; each owner config names its own instance and api key.
type Adapter struct {
	logger     *slog.Logger
	baseURL    string
	httpClient *http.Client
}

// New creates an Evolution adapter. baseURL is the default server
// address; a config may override it with a base_url credential.
func New(log *slog.Logger, baseURL string, client *http.Client) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{
		logger:     log.With(slog.String("adapter", "evolution")),
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

// Type returns the whatsapp channel type.
func (a *Adapter) Type() channel.ChannelType {
	return Type
}

type config struct {
	BaseURL  string
	Instance string
	APIKey   string
}

func (a *Adapter) parseConfig(cfg channel.Config) (config, error) {
	creds := cfg.Credentials
	if provider, ok := creds["evolution"].(map[string]any); ok {
		creds = provider
	}
	read := func(key string) string {
		value, _ := creds[key].(string)
		return strings.TrimSpace(value)
	}
	parsed := config{
		BaseURL:  strings.TrimRight(read("base_url"), "/"),
		Instance: read("instance"),
		APIKey:   read("api_key"),
	}
	if parsed.BaseURL == "" {
		parsed.BaseURL = a.baseURL
	}
	if parsed.BaseURL == "" || parsed.Instance == "" || parsed.APIKey == "" {
		return config{}, fmt.Errorf("evolution instance and api_key are required: %w", channel.ErrNotConfigured)
	}
	return parsed, nil
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
	FileName  string `json:"fileName,omitempty"`
}

type sendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

// Send delivers an outbound message through the owner's Evolution
// instance and returns the provider message id from the response key.
func (a *Adapter) Send(ctx context.Context, cfg channel.Config, msg channel.OutboundMessage) (channel.SendReceipt, error) {
	evo, err := a.parseConfig(cfg)
	if err != nil {
		return channel.SendReceipt{}, err
	}
	number := strings.TrimSpace(msg.Target)
	if number == "" {
		return channel.SendReceipt{}, channel.ErrInvalidRecipient
	}

	var endpoint string
	var payload any
	if msg.Media != nil {
		endpoint = fmt.Sprintf("%s/message/sendMedia/%s", evo.BaseURL, evo.Instance)
		payload = sendMediaRequest{
			Number:    number,
			MediaType: mediaType(msg.Media.Mime),
			Media:     msg.Media.URL,
			Caption:   firstNonEmpty(msg.Media.Caption, msg.Text),
			FileName:  msg.Media.Filename,
		}
	} else {
		endpoint = fmt.Sprintf("%s/message/sendText/%s", evo.BaseURL, evo.Instance)
		payload = sendTextRequest{Number: number, Text: msg.Text}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return channel.SendReceipt{}, fmt.Errorf("encode send request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return channel.SendReceipt{}, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", evo.APIKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return channel.SendReceipt{}, channel.NewTransportError(Type, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusInternalServerError {
		return channel.SendReceipt{}, channel.NewTransportError(Type,
			fmt.Errorf("evolution returned %d: %s", resp.StatusCode, truncate(respBody, 256)))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return channel.SendReceipt{}, fmt.Errorf("evolution rejected send (%d): %s", resp.StatusCode, truncate(respBody, 256))
	}

	var parsed sendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		a.logger.Warn("unparseable send response", slog.String("instance", evo.Instance), slog.Any("error", err))
	}
	return channel.SendReceipt{ProviderMessageID: parsed.Key.ID}, nil
}

type webhookEnvelope struct {
	Event    string       `json:"event"`
	Instance string       `json:"instance"`
	Data     *webhookData `json:"data"`
}

type webhookData struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	PushName         string         `json:"pushName"`
	Message          *evolutionBody `json:"message"`
	MessageTimestamp json.Number    `json:"messageTimestamp"`
}

type evolutionBody struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage *struct {
		Caption  string `json:"caption"`
		Mimetype string `json:"mimetype"`
		URL      string `json:"url"`
	} `json:"imageMessage"`
	AudioMessage *struct {
		Mimetype string `json:"mimetype"`
		URL      string `json:"url"`
	} `json:"audioMessage"`
	VideoMessage *struct {
		Caption  string `json:"caption"`
		Mimetype string `json:"mimetype"`
		URL      string `json:"url"`
	} `json:"videoMessage"`
	DocumentMessage *struct {
		FileName string `json:"fileName"`
		Mimetype string `json:"mimetype"`
		URL      string `json:"url"`
	} `json:"documentMessage"`
	StickerMessage *struct {
		Mimetype string `json:"mimetype"`
		URL      string `json:"url"`
	} `json:"stickerMessage"`
}

// ParseWebhook normalizes an Evolution messages.upsert webhook into
// inbound events. Other event kinds produce no events and no error.
func (a *Adapter) ParseWebhook(body []byte) ([]channel.InboundEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode evolution webhook: %w", err)
	}
	if envelope.Event != "messages.upsert" || envelope.Data == nil {
		return nil, nil
	}
	event, ok := a.toEvent(envelope.Instance, *envelope.Data)
	if !ok {
		return nil, nil
	}
	return []channel.InboundEvent{event}, nil
}

func (a *Adapter) toEvent(instance string, data webhookData) (channel.InboundEvent, bool) {
	if data.Key.ID == "" || data.Key.RemoteJID == "" {
		return channel.InboundEvent{}, false
	}
	// Group chats are out of scope for desk conversations.
	if strings.HasSuffix(data.Key.RemoteJID, "@g.us") {
		return channel.InboundEvent{}, false
	}
	direction := channel.DirectionIn
	if data.Key.FromMe {
		direction = channel.DirectionOut
	}
	ts := time.Now().UTC()
	if secs, err := data.MessageTimestamp.Int64(); err == nil && secs > 0 {
		ts = time.Unix(secs, 0).UTC()
	}
	return channel.InboundEvent{
		Channel:           Type,
		AccountRef:        instance,
		RawIdentity:       data.Key.RemoteJID,
		SenderName:        strings.TrimSpace(data.PushName),
		ProviderMessageID: data.Key.ID,
		Direction:         direction,
		Payload:           classifyBody(data.Message),
		Timestamp:         ts,
	}, true
}

func classifyBody(body *evolutionBody) channel.Payload {
	if body == nil {
		return channel.Payload{Kind: "unknown"}
	}
	switch {
	case body.Conversation != "":
		return channel.Payload{Kind: "text", Text: body.Conversation}
	case body.ExtendedTextMessage != nil:
		return channel.Payload{Kind: "text", Text: body.ExtendedTextMessage.Text}
	case body.ImageMessage != nil:
		return channel.Payload{Kind: "image", Caption: body.ImageMessage.Caption,
			MediaURL: body.ImageMessage.URL, Mime: body.ImageMessage.Mimetype}
	case body.AudioMessage != nil:
		return channel.Payload{Kind: "audio", MediaURL: body.AudioMessage.URL, Mime: body.AudioMessage.Mimetype}
	case body.VideoMessage != nil:
		return channel.Payload{Kind: "video", Caption: body.VideoMessage.Caption,
			MediaURL: body.VideoMessage.URL, Mime: body.VideoMessage.Mimetype}
	case body.DocumentMessage != nil:
		return channel.Payload{Kind: "document", Filename: body.DocumentMessage.FileName,
			MediaURL: body.DocumentMessage.URL, Mime: body.DocumentMessage.Mimetype}
	case body.StickerMessage != nil:
		return channel.Payload{Kind: "sticker", MediaURL: body.StickerMessage.URL, Mime: body.StickerMessage.Mimetype}
	}
	return channel.Payload{Kind: "unknown"}
}

type findMessagesRequest struct {
	Where struct {
		MessageTimestamp struct {
			GTE int64 `json:"gte"`
		} `json:"messageTimestamp"`
	} `json:"where"`
}

type findMessagesResponse struct {
	Messages struct {
		Records []webhookData `json:"records"`
	} `json:"messages"`
}

// Pull fetches messages newer than the cursor, a unix-seconds
// timestamp. Replays across a lost cursor are harmless; dedup absorbs
// them.
func (a *Adapter) Pull(ctx context.Context, cfg channel.Config, cursor string) ([]channel.InboundEvent, string, error) {
	evo, err := a.parseConfig(cfg)
	if err != nil {
		return nil, cursor, err
	}
	since := int64(0)
	if cursor != "" {
		since, _ = strconv.ParseInt(cursor, 10, 64)
	}
	if since == 0 {
		since = time.Now().Add(-24 * time.Hour).Unix()
	}

	var reqBody findMessagesRequest
	reqBody.Where.MessageTimestamp.GTE = since
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, cursor, fmt.Errorf("encode find request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/chat/findMessages/%s", evo.BaseURL, evo.Instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, cursor, fmt.Errorf("build find request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", evo.APIKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, cursor, channel.NewTransportError(Type, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, cursor, channel.NewTransportError(Type,
			fmt.Errorf("evolution findMessages returned %d: %s", resp.StatusCode, truncate(respBody, 256)))
	}

	var parsed findMessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, cursor, fmt.Errorf("decode find response: %w", err)
	}

	events := make([]channel.InboundEvent, 0, len(parsed.Messages.Records))
	next := since
	for _, record := range parsed.Messages.Records {
		event, ok := a.toEvent(evo.Instance, record)
		if !ok {
			continue
		}
		events = append(events, event)
		if ts := event.Timestamp.Unix(); ts > next {
			next = ts
		}
	}
	return events, strconv.FormatInt(next, 10), nil
}

func mediaType(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	}
	return "document"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
