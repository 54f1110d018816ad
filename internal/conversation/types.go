// Package conversation owns the dialogue and message records and the
// agent workflow around them. A conversation binds one owner, one
// contact identity, and one channel; messages belong to exactly one
// conversation and only the merge operation may move them.
package conversation

import (
	"errors"
	"time"

	"github.com/omnidesk/omnidesk/internal/channel"
)

// Status is the conversation workflow state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

var (
	// ErrNotFound is returned when a conversation id does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrAlreadyClaimed is returned when another agent holds the
	// conversation.
	ErrAlreadyClaimed = errors.New("conversation already claimed")

	// ErrNotOwner is returned when an agent operates on a conversation
	// claimed by someone else.
	ErrNotOwner = errors.New("conversation claimed by another agent")

	// ErrClosed is returned when an operation targets a closed
	// conversation. Closed is terminal.
	ErrClosed = errors.New("conversation is closed")

	// ErrDuplicateMessage is returned when a message with the same
	// (channel, provider message id) already exists. Not a failure; the
	// ingestion pipeline absorbs it as the expected dedup outcome.
	ErrDuplicateMessage = errors.New("duplicate provider message")
)

// Conversation is one running dialogue.
type Conversation struct {
	ID                int64
	OwnerID           string
	Channel           channel.ChannelType
	CanonicalIdentity string
	MatchKey          string
	ContactName       string
	Status            Status
	AttendedBy        string
	CloseReason       string
	NeedsMerge        bool
	UnreadCount       int
	LastMessageText   string
	LastMessageTime   time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Message is one entry in a conversation.
type Message struct {
	ID                int64
	ConversationID    int64
	Channel           channel.ChannelType
	ProviderMessageID string
	FromMe            bool
	Type              string
	Body              string
	MediaURL          string
	Status            MessageStatus
	Timestamp         time.Time
	CreatedAt         time.Time
}

// DuplicateGroup is a set of conversations sharing one match key. The
// first id is the canonical target, always the lowest.
type DuplicateGroup struct {
	OwnerID  string
	Channel  channel.ChannelType
	MatchKey string
	IDs      []int64
}

// Canonical returns the merge target id.
func (g DuplicateGroup) Canonical() int64 {
	if len(g.IDs) == 0 {
		return 0
	}
	return g.IDs[0]
}

// Duplicates returns the ids to be merged into the canonical one.
func (g DuplicateGroup) Duplicates() []int64 {
	if len(g.IDs) < 2 {
		return nil
	}
	return g.IDs[1:]
}
