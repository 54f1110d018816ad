package channel

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds all registered channel adapters and provides typed
// accessors for their optional capabilities. It must be created via
// NewRegistry and passed explicitly to components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ChannelType]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[ChannelType]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	ct := ChannelType(strings.ToLower(strings.TrimSpace(adapter.Type().String())))
	if ct == "" {
		return fmt.Errorf("channel type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.adapters[ct] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given channel type.
func (r *Registry) Get(channelType ChannelType) (Adapter, bool) {
	ct := ChannelType(strings.ToLower(strings.TrimSpace(channelType.String())))
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[ct]
	return adapter, ok
}

// Types returns all registered channel types.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ChannelType, 0, len(r.adapters))
	for ct := range r.adapters {
		items = append(items, ct)
	}
	return items
}

// GetSender returns the Sender for the given channel type, or false if
// the channel does not support sending.
func (r *Registry) GetSender(channelType ChannelType) (Sender, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	sender, ok := adapter.(Sender)
	return sender, ok
}

// GetWebhookParser returns the WebhookParser for the given channel type.
func (r *Registry) GetWebhookParser(channelType ChannelType) (WebhookParser, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	parser, ok := adapter.(WebhookParser)
	return parser, ok
}

// GetWebhookVerifier returns the WebhookVerifier for the given channel type.
func (r *Registry) GetWebhookVerifier(channelType ChannelType) (WebhookVerifier, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	verifier, ok := adapter.(WebhookVerifier)
	return verifier, ok
}

// GetSignatureChecker returns the SignatureChecker for the given channel type.
func (r *Registry) GetSignatureChecker(channelType ChannelType) (SignatureChecker, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	checker, ok := adapter.(SignatureChecker)
	return checker, ok
}

// GetPuller returns the Puller for the given channel type.
func (r *Registry) GetPuller(channelType ChannelType) (Puller, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	puller, ok := adapter.(Puller)
	return puller, ok
}

// Pullers returns every registered adapter that supports pulling.
func (r *Registry) Pullers() map[ChannelType]Puller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make(map[ChannelType]Puller, len(r.adapters))
	for ct, adapter := range r.adapters {
		if puller, ok := adapter.(Puller); ok {
			items[ct] = puller
		}
	}
	return items
}
