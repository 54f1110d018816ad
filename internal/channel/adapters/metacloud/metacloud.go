// Package metacloud implements the whatsapp channel over the Meta
// WhatsApp Cloud API (Graph API). It shares the whatsapp channel type
// with the evolution adapter; the router selects the provider per
// owner and may fall back from this adapter to evolution on transport
// failure.
package metacloud

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/omnidesk/omnidesk/internal/channel"
)

const Type = channel.TypeWhatsApp

const signaturePrefix = "sha256="

// Adapter talks to the Meta Graph API. Webhook verification and
// signature checking use platform-level settings (verify token, app
// secret); send credentials are per owner.
type Adapter struct {
	logger      *slog.Logger
	baseURL     string
	apiVersion  string
	verifyToken string
	appSecret   string
	httpClient  *http.Client
}

// New creates a Meta Cloud adapter.
func New(log *slog.Logger, baseURL, apiVersion, verifyToken, appSecret string, client *http.Client) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{
		logger:      log.With(slog.String("adapter", "metacloud")),
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiVersion:  apiVersion,
		verifyToken: verifyToken,
		appSecret:   appSecret,
		httpClient:  client,
	}
}

// Type returns the whatsapp channel type.
func (a *Adapter) Type() channel.ChannelType {
	return Type
}

type config struct {
	AccessToken   string
	PhoneNumberID string
}

func parseConfig(cfg channel.Config) (config, error) {
	creds := cfg.Credentials
	if provider, ok := creds["meta"].(map[string]any); ok {
		creds = provider
	}
	read := func(key string) string {
		value, _ := creds[key].(string)
		return strings.TrimSpace(value)
	}
	parsed := config{
		AccessToken:   read("access_token"),
		PhoneNumberID: read("phone_number_id"),
	}
	if parsed.AccessToken == "" || parsed.PhoneNumberID == "" {
		return config{}, fmt.Errorf("meta access_token and phone_number_id are required: %w", channel.ErrNotConfigured)
	}
	return parsed, nil
}

type graphText struct {
	Body string `json:"body"`
}

type graphLink struct {
	Link     string `json:"link"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type graphMessage struct {
	MessagingProduct string     `json:"messaging_product"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Text             *graphText `json:"text,omitempty"`
	Image            *graphLink `json:"image,omitempty"`
	Video            *graphLink `json:"video,omitempty"`
	Audio            *graphLink `json:"audio,omitempty"`
	Document         *graphLink `json:"document,omitempty"`
}

type graphSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send delivers a message through the Graph API messages endpoint.
func (a *Adapter) Send(ctx context.Context, cfg channel.Config, msg channel.OutboundMessage) (channel.SendReceipt, error) {
	meta, err := parseConfig(cfg)
	if err != nil {
		return channel.SendReceipt{}, err
	}
	to := strings.TrimSpace(msg.Target)
	if to == "" {
		return channel.SendReceipt{}, channel.ErrInvalidRecipient
	}

	payload := graphMessage{MessagingProduct: "whatsapp", To: to}
	if msg.Media != nil {
		link := &graphLink{
			Link:    msg.Media.URL,
			Caption: msg.Media.Caption,
		}
		switch {
		case strings.HasPrefix(msg.Media.Mime, "image/"):
			payload.Type, payload.Image = "image", link
		case strings.HasPrefix(msg.Media.Mime, "video/"):
			payload.Type, payload.Video = "video", link
		case strings.HasPrefix(msg.Media.Mime, "audio/"):
			link.Caption = ""
			payload.Type, payload.Audio = "audio", link
		default:
			link.Filename = msg.Media.Filename
			payload.Type, payload.Document = "document", link
		}
	} else {
		payload.Type = "text"
		payload.Text = &graphText{Body: msg.Text}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return channel.SendReceipt{}, fmt.Errorf("encode graph message: %w", err)
	}
	endpoint := fmt.Sprintf("%s/%s/%s/messages", a.baseURL, a.apiVersion, meta.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return channel.SendReceipt{}, fmt.Errorf("build graph request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+meta.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return channel.SendReceipt{}, channel.NewTransportError(Type, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusInternalServerError {
		return channel.SendReceipt{}, channel.NewTransportError(Type,
			fmt.Errorf("graph api returned %d", resp.StatusCode))
	}

	var parsed graphSendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil && resp.StatusCode == http.StatusOK {
		a.logger.Warn("unparseable graph response", slog.Any("error", err))
	}
	if resp.StatusCode != http.StatusOK {
		reason := strconv.Itoa(resp.StatusCode)
		if parsed.Error != nil {
			reason = fmt.Sprintf("%d %s", parsed.Error.Code, parsed.Error.Message)
		}
		return channel.SendReceipt{}, fmt.Errorf("graph api rejected send: %s", reason)
	}
	receipt := channel.SendReceipt{}
	if len(parsed.Messages) > 0 {
		receipt.ProviderMessageID = parsed.Messages[0].ID
	}
	return receipt, nil
}

// VerifyWebhook answers Meta's GET subscription handshake. The
// challenge is echoed only when the verify token matches.
func (a *Adapter) VerifyWebhook(query url.Values) (string, bool) {
	if query.Get("hub.mode") != "subscribe" {
		return "", false
	}
	if a.verifyToken == "" || query.Get("hub.verify_token") != a.verifyToken {
		return "", false
	}
	return query.Get("hub.challenge"), true
}

// CheckSignature validates the X-Hub-Signature-256 header against the
// app secret. An empty configured secret rejects everything.
func (a *Adapter) CheckSignature(body []byte, signatureHeader string) bool {
	if a.appSecret == "" {
		return false
	}
	signature := strings.TrimPrefix(strings.TrimSpace(signatureHeader), signaturePrefix)
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

type webhookEnvelope struct {
	Entry []struct {
		Changes []struct {
			Field string       `json:"field"`
			Value webhookValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []webhookMessage `json:"messages"`
}

type webhookMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *mediaObject `json:"image"`
	Video    *mediaObject `json:"video"`
	Audio    *mediaObject `json:"audio"`
	Document *mediaObject `json:"document"`
	Sticker  *mediaObject `json:"sticker"`
}

type mediaObject struct {
	ID       string `json:"id"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
}

// ParseWebhook normalizes a Cloud API webhook into inbound events.
// Status-only notifications produce no events.
func (a *Adapter) ParseWebhook(body []byte) ([]channel.InboundEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode meta webhook: %w", err)
	}

	var events []channel.InboundEvent
	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			names := map[string]string{}
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = strings.TrimSpace(contact.Profile.Name)
			}
			for _, msg := range change.Value.Messages {
				if msg.ID == "" || msg.From == "" {
					continue
				}
				ts := time.Now().UTC()
				if secs, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil && secs > 0 {
					ts = time.Unix(secs, 0).UTC()
				}
				events = append(events, channel.InboundEvent{
					Channel:           Type,
					AccountRef:        change.Value.Metadata.PhoneNumberID,
					RawIdentity:       msg.From,
					SenderName:        names[msg.From],
					ProviderMessageID: msg.ID,
					Direction:         channel.DirectionIn,
					Payload:           classifyMessage(msg),
					Timestamp:         ts,
				})
			}
		}
	}
	return events, nil
}

func classifyMessage(msg webhookMessage) channel.Payload {
	switch msg.Type {
	case "text":
		if msg.Text != nil {
			return channel.Payload{Kind: "text", Text: msg.Text.Body}
		}
	case "image":
		if msg.Image != nil {
			return channel.Payload{Kind: "image", Caption: msg.Image.Caption, Mime: msg.Image.MimeType}
		}
	case "video":
		if msg.Video != nil {
			return channel.Payload{Kind: "video", Caption: msg.Video.Caption, Mime: msg.Video.MimeType}
		}
	case "audio":
		if msg.Audio != nil {
			return channel.Payload{Kind: "audio", Mime: msg.Audio.MimeType}
		}
	case "document":
		if msg.Document != nil {
			return channel.Payload{Kind: "document", Filename: msg.Document.Filename,
				Caption: msg.Document.Caption, Mime: msg.Document.MimeType}
		}
	case "sticker":
		if msg.Sticker != nil {
			return channel.Payload{Kind: "sticker", Mime: msg.Sticker.MimeType}
		}
	}
	return channel.Payload{Kind: firstNonEmpty(msg.Type, "unknown")}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
