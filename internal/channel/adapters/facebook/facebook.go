// Package facebook implements the facebook channel over the Messenger
// Platform Send API. Contacts are addressed by page-scoped sender id
// (PSID); the page id resolves webhooks back to an owner.
package facebook

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
	"strings"
	"time"

	"github.com/omnidesk/omnidesk/internal/channel"
)

const Type = channel.TypeFacebook

const signaturePrefix = "sha256="

// Adapter talks to the Messenger Platform. The verify token and app
// secret are platform-level; page access tokens are per owner.
type Adapter struct {
	logger      *slog.Logger
	baseURL     string
	apiVersion  string
	verifyToken string
	appSecret   string
	httpClient  *http.Client
}

// New creates a Messenger adapter.
func New(log *slog.Logger, baseURL, apiVersion, verifyToken, appSecret string, client *http.Client) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{
		logger:      log.With(slog.String("adapter", "facebook")),
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiVersion:  apiVersion,
		verifyToken: verifyToken,
		appSecret:   appSecret,
		httpClient:  client,
	}
}

// Type returns the facebook channel type.
func (a *Adapter) Type() channel.ChannelType {
	return Type
}

type config struct {
	PageAccessToken string
}

func parseConfig(cfg channel.Config) (config, error) {
	token := cfg.Credential("page_access_token")
	if token == "" {
		return config{}, fmt.Errorf("facebook page_access_token is required: %w", channel.ErrNotConfigured)
	}
	return config{PageAccessToken: token}, nil
}

type sendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text       string          `json:"text,omitempty"`
		Attachment *sendAttachment `json:"attachment,omitempty"`
	} `json:"message"`
	MessagingType string `json:"messaging_type"`
}

type sendAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL        string `json:"url"`
		IsReusable bool   `json:"is_reusable"`
	} `json:"payload"`
}

type sendResponse struct {
	MessageID   string `json:"message_id"`
	RecipientID string `json:"recipient_id"`
	Error       *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send delivers a message to a PSID through the Send API.
func (a *Adapter) Send(ctx context.Context, cfg channel.Config, msg channel.OutboundMessage) (channel.SendReceipt, error) {
	fb, err := parseConfig(cfg)
	if err != nil {
		return channel.SendReceipt{}, err
	}
	psid := strings.TrimSpace(msg.Target)
	if psid == "" {
		return channel.SendReceipt{}, channel.ErrInvalidRecipient
	}

	var payload sendRequest
	payload.Recipient.ID = psid
	payload.MessagingType = "RESPONSE"
	if msg.Media != nil {
		att := &sendAttachment{Type: attachmentType(msg.Media.Mime)}
		att.Payload.URL = msg.Media.URL
		payload.Message.Attachment = att
	} else {
		payload.Message.Text = msg.Text
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return channel.SendReceipt{}, fmt.Errorf("encode send request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/%s/me/messages?access_token=%s",
		a.baseURL, a.apiVersion, url.QueryEscape(fb.PageAccessToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return channel.SendReceipt{}, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return channel.SendReceipt{}, channel.NewTransportError(Type, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusInternalServerError {
		return channel.SendReceipt{}, channel.NewTransportError(Type,
			fmt.Errorf("send api returned %d", resp.StatusCode))
	}

	var parsed sendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil && resp.StatusCode == http.StatusOK {
		a.logger.Warn("unparseable send response", slog.Any("error", err))
	}
	if resp.StatusCode != http.StatusOK {
		reason := fmt.Sprintf("%d", resp.StatusCode)
		if parsed.Error != nil {
			reason = fmt.Sprintf("%d %s", parsed.Error.Code, parsed.Error.Message)
		}
		return channel.SendReceipt{}, fmt.Errorf("send api rejected send: %s", reason)
	}
	return channel.SendReceipt{ProviderMessageID: parsed.MessageID}, nil
}

// VerifyWebhook answers the Messenger GET subscription handshake.
func (a *Adapter) VerifyWebhook(query url.Values) (string, bool) {
	if query.Get("hub.mode") != "subscribe" {
		return "", false
	}
	if a.verifyToken == "" || query.Get("hub.verify_token") != a.verifyToken {
		return "", false
	}
	return query.Get("hub.challenge"), true
}

// CheckSignature validates the X-Hub-Signature-256 header.
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
	Object string `json:"object"`
	Entry  []struct {
		ID        string `json:"id"`
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Recipient struct {
				ID string `json:"id"`
			} `json:"recipient"`
			Timestamp int64 `json:"timestamp"`
			Message   *struct {
				MID         string `json:"mid"`
				Text        string `json:"text"`
				IsEcho      bool   `json:"is_echo"`
				Attachments []struct {
					Type    string `json:"type"`
					Payload struct {
						URL string `json:"url"`
					} `json:"payload"`
				} `json:"attachments"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

// ParseWebhook normalizes a page webhook into inbound events. Delivery
// and read receipts produce no events. Echoes of the page's own sends
// become outbound events so the conversation records them.
func (a *Adapter) ParseWebhook(body []byte) ([]channel.InboundEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode facebook webhook: %w", err)
	}
	if envelope.Object != "page" {
		return nil, nil
	}

	var events []channel.InboundEvent
	for _, entry := range envelope.Entry {
		for _, item := range entry.Messaging {
			if item.Message == nil || item.Message.MID == "" {
				continue
			}
			direction := channel.DirectionIn
			contact := item.Sender.ID
			if item.Message.IsEcho {
				direction = channel.DirectionOut
				contact = item.Recipient.ID
			}
			if contact == "" {
				continue
			}
			ts := time.Now().UTC()
			if item.Timestamp > 0 {
				ts = time.UnixMilli(item.Timestamp).UTC()
			}
			payload := channel.Payload{Kind: "text", Text: item.Message.Text}
			if len(item.Message.Attachments) > 0 {
				first := item.Message.Attachments[0]
				payload = channel.Payload{
					Kind:     attachmentKind(first.Type),
					Caption:  item.Message.Text,
					MediaURL: first.Payload.URL,
				}
			} else if item.Message.Text == "" {
				payload = channel.Payload{Kind: "unknown"}
			}
			events = append(events, channel.InboundEvent{
				Channel:           Type,
				AccountRef:        entry.ID,
				RawIdentity:       contact,
				ProviderMessageID: item.Message.MID,
				Direction:         direction,
				Payload:           payload,
				Timestamp:         ts,
			})
		}
	}
	return events, nil
}

func attachmentType(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	}
	return "file"
}

func attachmentKind(fbType string) string {
	switch fbType {
	case "image", "audio", "video":
		return fbType
	case "file":
		return "document"
	}
	return "unknown"
}
