package channel

import (
	"context"
	"net/url"
)

// Adapter is the base interface every channel adapter must implement.
type Adapter interface {
	Type() ChannelType
}

// Sender is an adapter capable of delivering outbound messages.
type Sender interface {
	Send(ctx context.Context, cfg Config, msg OutboundMessage) (SendReceipt, error)
}

// WebhookParser normalizes a provider webhook body into inbound events.
// Malformed bodies return an error; the caller logs and answers 200 so
// the provider does not retry-storm.
type WebhookParser interface {
	ParseWebhook(body []byte) ([]InboundEvent, error)
}

// WebhookVerifier answers a provider's GET verification handshake.
// It returns the challenge body to echo and whether the request is valid.
type WebhookVerifier interface {
	VerifyWebhook(query url.Values) (string, bool)
}

// SignatureChecker validates a webhook body signature header.
type SignatureChecker interface {
	CheckSignature(body []byte, signatureHeader string) bool
}

// Puller fetches messages not yet seen from the provider, for channels
// whose events are pulled on a timer instead of (or in addition to)
// being pushed. The returned cursor is opaque to the caller; losing it
// is safe because the ingestion dedup absorbs replays.
type Puller interface {
	Pull(ctx context.Context, cfg Config, cursor string) ([]InboundEvent, string, error)
}
