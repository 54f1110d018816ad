package evolution

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/omnidesk/omnidesk/internal/channel"
)

func testConfig(baseURL string) channel.Config {
	return channel.Config{
		OwnerID: "owner-1",
		Channel: channel.TypeWhatsApp,
		Credentials: map[string]any{
			"evolution": map[string]any{
				"base_url": baseURL,
				"instance": "desk-main",
				"api_key":  "secret-key",
			},
		},
	}
}

func TestSendText(t *testing.T) {
	t.Parallel()

	var gotPath, gotAPIKey string
	var gotBody sendTextRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("apikey")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"key":{"id":"BAE5F1A2"}}`))
	}))
	defer server.Close()

	a := New(nil, "", server.Client())
	receipt, err := a.Send(context.Background(), testConfig(server.URL), channel.OutboundMessage{
		Target: "5511988887777",
		Text:   "hello there",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if receipt.ProviderMessageID != "BAE5F1A2" {
		t.Fatalf("ProviderMessageID = %q, want %q", receipt.ProviderMessageID, "BAE5F1A2")
	}
	if gotPath != "/message/sendText/desk-main" {
		t.Fatalf("path = %q, want %q", gotPath, "/message/sendText/desk-main")
	}
	if gotAPIKey != "secret-key" {
		t.Fatalf("apikey = %q, want %q", gotAPIKey, "secret-key")
	}
	if gotBody.Number != "5511988887777" || gotBody.Text != "hello there" {
		t.Fatalf("body = %+v", gotBody)
	}
}

func TestSendMedia(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotBody sendMediaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"key":{"id":"BAE9"}}`))
	}))
	defer server.Close()

	a := New(nil, "", server.Client())
	_, err := a.Send(context.Background(), testConfig(server.URL), channel.OutboundMessage{
		Target: "5511988887777",
		Media: &channel.MediaRef{
			URL:      "https://files.example.com/report.pdf",
			Mime:     "application/pdf",
			Filename: "report.pdf",
			Caption:  "monthly report",
		},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotPath != "/message/sendMedia/desk-main" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody.MediaType != "document" || gotBody.FileName != "report.pdf" || gotBody.Caption != "monthly report" {
		t.Fatalf("body = %+v", gotBody)
	}
}

func TestSendNotConfigured(t *testing.T) {
	t.Parallel()

	a := New(nil, "", nil)
	_, err := a.Send(context.Background(), channel.Config{Credentials: map[string]any{}}, channel.OutboundMessage{
		Target: "5511988887777",
		Text:   "hi",
	})
	if !errors.Is(err, channel.ErrNotConfigured) {
		t.Fatalf("Send() error = %v, want ErrNotConfigured", err)
	}
}

func TestSendServerErrorIsTransport(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	a := New(nil, "", server.Client())
	_, err := a.Send(context.Background(), testConfig(server.URL), channel.OutboundMessage{
		Target: "5511988887777",
		Text:   "hi",
	})
	if !channel.IsTransportError(err) {
		t.Fatalf("Send() error = %v, want transport error", err)
	}
}

func TestSendClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad number", http.StatusBadRequest)
	}))
	defer server.Close()

	a := New(nil, "", server.Client())
	_, err := a.Send(context.Background(), testConfig(server.URL), channel.OutboundMessage{
		Target: "not-a-number",
		Text:   "hi",
	})
	if err == nil || channel.IsTransportError(err) {
		t.Fatalf("Send() error = %v, want permanent non-transport error", err)
	}
}

func TestParseWebhookTextMessage(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"event": "messages.upsert",
		"instance": "desk-main",
		"data": {
			"key": {"remoteJid": "5511988887777@s.whatsapp.net", "fromMe": false, "id": "BAE5ABCD"},
			"pushName": "Maria",
			"message": {"conversation": "oi, tudo bem?"},
			"messageTimestamp": 1735689600
		}
	}`)

	a := New(nil, "", nil)
	events, err := a.ParseWebhook(body)
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	got := events[0]
	if got.AccountRef != "desk-main" {
		t.Fatalf("AccountRef = %q", got.AccountRef)
	}
	if got.RawIdentity != "5511988887777@s.whatsapp.net" {
		t.Fatalf("RawIdentity = %q", got.RawIdentity)
	}
	if got.ProviderMessageID != "BAE5ABCD" {
		t.Fatalf("ProviderMessageID = %q", got.ProviderMessageID)
	}
	if got.Direction != channel.DirectionIn {
		t.Fatalf("Direction = %q", got.Direction)
	}
	if got.Payload.Kind != "text" || got.Payload.Text != "oi, tudo bem?" {
		t.Fatalf("Payload = %+v", got.Payload)
	}
	if got.SenderName != "Maria" {
		t.Fatalf("SenderName = %q", got.SenderName)
	}
	if got.Timestamp.Unix() != 1735689600 {
		t.Fatalf("Timestamp = %v", got.Timestamp)
	}
}

func TestParseWebhookFromMe(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"event": "messages.upsert",
		"instance": "desk-main",
		"data": {
			"key": {"remoteJid": "5511988887777@s.whatsapp.net", "fromMe": true, "id": "BAE5EF"},
			"message": {"conversation": "answered from the phone"},
			"messageTimestamp": 1735689700
		}
	}`)

	a := New(nil, "", nil)
	events, err := a.ParseWebhook(body)
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}
	if len(events) != 1 || events[0].Direction != channel.DirectionOut {
		t.Fatalf("events = %+v, want one outbound event", events)
	}
}

func TestParseWebhookIgnoresOtherEvents(t *testing.T) {
	t.Parallel()

	a := New(nil, "", nil)
	events, err := a.ParseWebhook([]byte(`{"event": "connection.update", "instance": "desk-main"}`))
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0", len(events))
	}
}

func TestParseWebhookIgnoresGroups(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"event": "messages.upsert",
		"instance": "desk-main",
		"data": {
			"key": {"remoteJid": "123456-789@g.us", "fromMe": false, "id": "BAE5GRP"},
			"message": {"conversation": "group chatter"}
		}
	}`)

	a := New(nil, "", nil)
	events, err := a.ParseWebhook(body)
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0", len(events))
	}
}

func TestParseWebhookMalformed(t *testing.T) {
	t.Parallel()

	a := New(nil, "", nil)
	if _, err := a.ParseWebhook([]byte(`{not json`)); err == nil {
		t.Fatal("ParseWebhook() should fail on malformed body")
	}
}

func TestPullAdvancesCursor(t *testing.T) {
	t.Parallel()

	var gotReq findMessagesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/findMessages/desk-main" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = w.Write([]byte(`{"messages":{"records":[
			{"key":{"remoteJid":"5511988887777@s.whatsapp.net","id":"BAE1"},"message":{"conversation":"first"},"messageTimestamp":1735689600},
			{"key":{"remoteJid":"5511988887777@s.whatsapp.net","id":"BAE2"},"message":{"conversation":"second"},"messageTimestamp":1735689650}
		]}}`))
	}))
	defer server.Close()

	a := New(nil, "", server.Client())
	events, next, err := a.Pull(context.Background(), testConfig(server.URL), "1735689000")
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if gotReq.Where.MessageTimestamp.GTE != 1735689000 {
		t.Fatalf("request since = %d", gotReq.Where.MessageTimestamp.GTE)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if next != "1735689650" {
		t.Fatalf("next cursor = %q, want %q", next, "1735689650")
	}
}

func TestClassifyBody(t *testing.T) {
	t.Parallel()

	var doc evolutionBody
	doc.DocumentMessage = &struct {
		FileName string `json:"fileName"`
		Mimetype string `json:"mimetype"`
		URL      string `json:"url"`
	}{FileName: "invoice.pdf", Mimetype: "application/pdf", URL: "https://x/y"}

	got := classifyBody(&doc)
	if got.Kind != "document" || got.Filename != "invoice.pdf" {
		t.Fatalf("classifyBody(document) = %+v", got)
	}
	if got := classifyBody(nil); got.Kind != "unknown" {
		t.Fatalf("classifyBody(nil) = %+v", got)
	}
	if got := classifyBody(&evolutionBody{}); got.Kind != "unknown" {
		t.Fatalf("classifyBody(empty) = %+v", got)
	}
}
