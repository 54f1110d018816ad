package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/omnidesk/omnidesk/internal/channel"
	"github.com/omnidesk/omnidesk/internal/router"
)

type testValidator struct {
	validate *validator.Validate
}

func (v *testValidator) Validate(i any) error {
	return v.validate.Struct(i)
}

type fakeDispatcher struct {
	requests []router.Request
	result   router.SendResult
	err      error
}

func (f *fakeDispatcher) Send(_ context.Context, req router.Request) (router.SendResult, error) {
	f.requests = append(f.requests, req)
	return f.result, f.err
}

// authedEcho builds an echo instance whose middleware injects the JWT
// claims the handlers read, the way the auth middleware would after
// verifying a real token.
func authedEcho(agentID, ownerID string) *echo.Echo {
	e := echo.New()
	e.Validator = &testValidator{validate: validator.New()}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("user", &jwt.Token{
				Claims: jwt.MapClaims{"sub": agentID, "agent_id": agentID, "owner_id": ownerID},
				Valid:  true,
			})
			return next(c)
		}
	})
	return e
}

func postJSON(e *echo.Echo, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSendOK(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{result: router.SendResult{
		Channel:        channel.TypeWhatsApp,
		TransportUsed:  router.TransportEvolution,
		MessageID:      42,
		ConversationID: 7,
	}}
	e := authedEcho("agent-1", "owner-1")
	NewSendHandler(dispatcher).Register(e)

	rec := postJSON(e, "/send", `{"contact":"+55 (11) 99999-0000","text":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp SendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.TransportUsed != router.TransportEvolution || resp.ConversationID != 7 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if len(dispatcher.requests) != 1 {
		t.Fatalf("dispatched = %d, want 1", len(dispatcher.requests))
	}
	got := dispatcher.requests[0]
	if got.OwnerID != "owner-1" {
		t.Fatalf("owner = %q, want owner-1", got.OwnerID)
	}
	if got.Contact != "+55 (11) 99999-0000" {
		t.Fatalf("contact = %q", got.Contact)
	}
	if got.Channel != "" {
		t.Fatalf("channel = %q, want empty (history decides)", got.Channel)
	}
}

func TestSendExplicitChannelAndMedia(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{result: router.SendResult{Channel: channel.TypeTelegram, TransportUsed: "telegram"}}
	e := authedEcho("agent-1", "owner-1")
	NewSendHandler(dispatcher).Register(e)

	body := `{"contact":"123456789","channel":"telegram","media":{"url":"https://cdn.example.com/cat.png","mime":"image/png","caption":"cat"}}`
	rec := postJSON(e, "/send", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := dispatcher.requests[0]
	if got.Channel != channel.TypeTelegram {
		t.Fatalf("channel = %q, want telegram", got.Channel)
	}
	if got.Media == nil || got.Media.URL != "https://cdn.example.com/cat.png" {
		t.Fatalf("media = %+v", got.Media)
	}
}

func TestSendValidationFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{name: "missing contact", body: `{"text":"hi"}`},
		{name: "no text no media", body: `{"contact":"+5511999990000"}`},
		{name: "unknown channel", body: `{"contact":"+5511999990000","channel":"pigeon","text":"hi"}`},
		{name: "bad media url", body: `{"contact":"+5511999990000","media":{"url":"not a url"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dispatcher := &fakeDispatcher{}
			e := authedEcho("agent-1", "owner-1")
			NewSendHandler(dispatcher).Register(e)

			rec := postJSON(e, "/send", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d; body %s", rec.Code, http.StatusBadRequest, rec.Body.String())
			}
			if len(dispatcher.requests) != 0 {
				t.Fatalf("nothing should be dispatched on validation failure")
			}
		})
	}
}

func TestSendErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid recipient", err: channel.ErrInvalidRecipient, want: http.StatusBadRequest},
		{name: "not configured", err: channel.ErrNotConfigured, want: http.StatusUnprocessableEntity},
		{name: "transport", err: &channel.TransportError{Err: errors.New("gateway timeout")}, want: http.StatusBadGateway},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := authedEcho("agent-1", "owner-1")
			NewSendHandler(&fakeDispatcher{err: tc.err}).Register(e)

			rec := postJSON(e, "/send", `{"contact":"+5511999990000","text":"hi"}`)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d; body %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestSendWithoutToken(t *testing.T) {
	t.Parallel()

	e := echo.New()
	e.Validator = &testValidator{validate: validator.New()}
	NewSendHandler(&fakeDispatcher{}).Register(e)

	rec := postJSON(e, "/send", `{"contact":"+5511999990000","text":"hi"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}
