package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/omnidesk/omnidesk/internal/channel"
	"github.com/omnidesk/omnidesk/internal/ingest"
)

const signatureHeader = "X-Hub-Signature-256"

// BatchIngestor is the pipeline slice the webhook handler feeds.
type BatchIngestor interface {
	IngestBatch(ctx context.Context, events []channel.InboundEvent) ingest.BatchResult
}

// OwnerResolver maps a provider-side account reference to the owner
// config that registered it.
type OwnerResolver interface {
	ResolveOwner(ctx context.Context, channelType channel.ChannelType, accountRef string) (channel.Config, error)
}

// WebhookProvider bundles what one provider slug needs. Parser is
// required; Verifier and Signature are optional capabilities.
type WebhookProvider struct {
	Channel   channel.ChannelType
	Parser    channel.WebhookParser
	Verifier  channel.WebhookVerifier
	Signature channel.SignatureChecker
}

// WebhookHandler receives provider callbacks. Providers retry
// aggressively on non-200 answers, so once a POST is attributed it
// always gets 200; processing failures are logged, not bounced.
type WebhookHandler struct {
	providers map[string]WebhookProvider
	pipeline  BatchIngestor
	configs   OwnerResolver
	logger    *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler for the given provider
// slugs ("evolution", "meta", "telegram", "facebook").
func NewWebhookHandler(providers map[string]WebhookProvider, pipeline BatchIngestor, configs OwnerResolver, log *slog.Logger) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		providers: providers,
		pipeline:  pipeline,
		configs:   configs,
		logger:    log.With(slog.String("service", "webhook")),
	}
}

// Register mounts the webhook routes. Unknown methods answer 200 with
// a no-op body so misconfigured providers do not retry-storm.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.Any("/webhooks/:provider", h.Handle)
}

// Handle dispatches one webhook request by method.
func (h *WebhookHandler) Handle(c echo.Context) error {
	slug := c.Param("provider")
	provider, ok := h.providers[slug]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown webhook provider")
	}
	switch c.Request().Method {
	case http.MethodGet:
		return h.verify(c, provider)
	case http.MethodPost:
		return h.receive(c, slug, provider)
	default:
		return c.String(http.StatusOK, "ok")
	}
}

// verify answers the provider's GET handshake. Providers without a
// challenge protocol get a plain 200.
func (h *WebhookHandler) verify(c echo.Context, provider WebhookProvider) error {
	if provider.Verifier == nil {
		return c.String(http.StatusOK, "ok")
	}
	challenge, ok := provider.Verifier.VerifyWebhook(c.QueryParams())
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, challenge)
}

func (h *WebhookHandler) receive(c echo.Context, slug string, provider WebhookProvider) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 4<<20))
	if err != nil {
		h.logger.Warn("webhook body read failed", slog.String("provider", slug), slog.Any("error", err))
		return c.String(http.StatusOK, "ok")
	}

	if provider.Signature != nil {
		if !provider.Signature.CheckSignature(body, c.Request().Header.Get(signatureHeader)) {
			h.logger.Warn("webhook signature rejected", slog.String("provider", slug))
			return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
		}
	}

	events, err := provider.Parser.ParseWebhook(body)
	if err != nil {
		// Malformed bodies are logged, never bounced; a 4xx only makes
		// the provider redeliver the same junk.
		h.logger.Warn("webhook parse failed", slog.String("provider", slug), slog.Any("error", err))
		return c.String(http.StatusOK, "ok")
	}
	if len(events) == 0 {
		return c.String(http.StatusOK, "ok")
	}

	h.attributeOwners(ctx, events)

	result := h.pipeline.IngestBatch(ctx, events)
	h.logger.Info("webhook processed",
		slog.String("provider", slug),
		slog.Int("events", len(events)),
		slog.Int("stored", result.Stored),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed))
	return c.String(http.StatusOK, "ok")
}

// attributeOwners fills each event's owner from its account reference.
// Events that cannot be attributed keep an empty owner and are dropped
// by the pipeline with a log line.
func (h *WebhookHandler) attributeOwners(ctx context.Context, events []channel.InboundEvent) {
	cache := map[string]string{}
	for i := range events {
		if events[i].OwnerID != "" || events[i].AccountRef == "" {
			continue
		}
		key := events[i].Channel.String() + "|" + events[i].AccountRef
		if owner, ok := cache[key]; ok {
			events[i].OwnerID = owner
			continue
		}
		cfg, err := h.configs.ResolveOwner(ctx, events[i].Channel, events[i].AccountRef)
		if err != nil {
			h.logger.Warn("webhook account not attributed",
				slog.String("channel", events[i].Channel.String()),
				slog.String("account_ref", events[i].AccountRef),
				slog.Any("error", err))
			cache[key] = ""
			continue
		}
		cache[key] = cfg.OwnerID
		events[i].OwnerID = cfg.OwnerID
	}
}
