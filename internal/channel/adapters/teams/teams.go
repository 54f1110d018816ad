// Package teams implements the teams channel over an incoming webhook
// connector. The channel is send-only; there is no inbound path.
package teams

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/omnidesk/omnidesk/internal/channel"
)

const Type = channel.TypeTeams

// Adapter posts messages to a Teams incoming webhook.
type Adapter struct {
	logger     *slog.Logger
	httpClient *http.Client
}

// New creates a Teams adapter.
func New(log *slog.Logger, client *http.Client) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{
		logger:     log.With(slog.String("adapter", "teams")),
		httpClient: client,
	}
}

// Type returns the teams channel type.
func (a *Adapter) Type() channel.ChannelType {
	return Type
}

type card struct {
	Type     string        `json:"@type"`
	Context  string        `json:"@context"`
	Text     string        `json:"text"`
	Title    string        `json:"title,omitempty"`
	Sections []cardSection `json:"sections,omitempty"`
}

type cardSection struct {
	Images []cardImage `json:"images,omitempty"`
}

type cardImage struct {
	Image string `json:"image"`
}

// Send posts a MessageCard to the owner's webhook. Target is ignored;
// the webhook URL already addresses a specific Teams channel.
func (a *Adapter) Send(ctx context.Context, cfg channel.Config, msg channel.OutboundMessage) (channel.SendReceipt, error) {
	webhookURL := cfg.Credential("webhook_url")
	if webhookURL == "" {
		return channel.SendReceipt{}, fmt.Errorf("teams webhook_url is required: %w", channel.ErrNotConfigured)
	}

	payload := card{
		Type:    "MessageCard",
		Context: "http://schema.org/extensions",
		Text:    msg.Text,
	}
	if msg.Media != nil {
		if strings.HasPrefix(msg.Media.Mime, "image/") {
			payload.Sections = []cardSection{{Images: []cardImage{{Image: msg.Media.URL}}}}
			if payload.Text == "" {
				payload.Text = msg.Media.Caption
			}
		} else {
			link := fmt.Sprintf("[%s](%s)", firstNonEmpty(msg.Media.Filename, "attachment"), msg.Media.URL)
			payload.Text = strings.TrimSpace(payload.Text + "\n\n" + link)
		}
	}
	if payload.Text == "" {
		return channel.SendReceipt{}, fmt.Errorf("teams message is empty")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return channel.SendReceipt{}, fmt.Errorf("encode card: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return channel.SendReceipt{}, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return channel.SendReceipt{}, channel.NewTransportError(Type, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return channel.SendReceipt{}, channel.NewTransportError(Type,
			fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return channel.SendReceipt{}, fmt.Errorf("webhook rejected post (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	// The connector has no message id; the outbound record is keyed by
	// a generated id upstream.
	return channel.SendReceipt{}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
