package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned when an owner has no usable credentials
	// for a channel. Permanent until an admin fixes the configuration;
	// never silently defaulted around.
	ErrNotConfigured = errors.New("channel not configured")

	// ErrInvalidRecipient is returned when the delivery target cannot be
	// expressed in the transport's address format.
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// TransportError wraps a transient provider failure (timeout, 5xx,
// connection refused). The router treats it as retriable and may fall
// back to another transport.
type TransportError struct {
	Channel ChannelType
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err as a TransportError for the given channel.
func NewTransportError(channelType ChannelType, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Channel: channelType, Err: err}
}

// IsTransportError reports whether err is (or wraps) a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
