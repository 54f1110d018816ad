// Package channel provides a unified abstraction for the messaging
// transports this platform routes over. It defines types, interfaces,
// and a registry for channel adapters such as Evolution and Meta Cloud.
package channel

import (
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g., "whatsapp", "telegram").
type ChannelType string

const (
	TypeWhatsApp ChannelType = "whatsapp"
	TypeTelegram ChannelType = "telegram"
	TypeFacebook ChannelType = "facebook"
	TypeTeams    ChannelType = "teams"
	TypeEmail    ChannelType = "email"
)

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// ParseChannelType normalizes a raw string into a known ChannelType.
// Unknown values return false.
func ParseChannelType(raw string) (ChannelType, bool) {
	switch ChannelType(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeWhatsApp:
		return TypeWhatsApp, true
	case TypeTelegram:
		return TypeTelegram, true
	case TypeFacebook:
		return TypeFacebook, true
	case TypeTeams:
		return TypeTeams, true
	case TypeEmail:
		return TypeEmail, true
	}
	return "", false
}

// WhatsAppProvider selects which transport backs the whatsapp channel
// for a given owner.
type WhatsAppProvider string

const (
	ProviderEvolution WhatsAppProvider = "evolution"
	ProviderMeta      WhatsAppProvider = "meta"
)

// Direction distinguishes inbound contact messages from outbound copies.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Payload is the provider-shaped message content carried by an inbound
// event before classification. Kind is the provider's own type label;
// the ingestion pipeline maps it onto the internal message types and
// must never fail on unknown shapes.
type Payload struct {
	Kind     string
	Text     string
	Caption  string
	Filename string
	MediaURL string
	Mime     string
}

// InboundEvent is a provider event normalized into the internal shape,
// regardless of whether it arrived by webhook push or polling pull.
type InboundEvent struct {
	OwnerID           string
	Channel           ChannelType
	AccountRef        string // provider-side account id (instance, phone_number_id) for owner resolution
	RawIdentity       string
	SenderName        string
	ProviderMessageID string
	Direction         Direction
	Payload           Payload
	Timestamp         time.Time
}

// MediaRef points at an outbound attachment.
type MediaRef struct {
	URL      string `json:"url"`
	Mime     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// OutboundMessage pairs a delivery target with the message content.
// Target is the canonical identity (or channel-specific external id)
// of the recipient.
type OutboundMessage struct {
	Target string
	Text   string
	Media  *MediaRef
}

// SendReceipt is returned by a transport after a successful delivery.
// ProviderMessageID, when present, pre-registers the dedup key so the
// echo of this send arriving later via webhook is absorbed.
type SendReceipt struct {
	ProviderMessageID string
}

// Config holds one owner's credentials and routing metadata for one
// channel. Credentials are adapter-shaped maps; each adapter parses its
// own typed view and reports ErrNotConfigured when required fields are
// missing rather than defaulting.
type Config struct {
	ID               int64
	OwnerID          string
	Channel          ChannelType
	WhatsAppProvider WhatsAppProvider
	AccountRef       string
	Credentials      map[string]any
	Disabled         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Credential returns the trimmed string value for the given key, or
// empty string if absent.
func (c Config) Credential(key string) string {
	if c.Credentials == nil {
		return ""
	}
	value, _ := c.Credentials[key].(string)
	return strings.TrimSpace(value)
}
