package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omnidesk/omnidesk/internal/channel"
	"github.com/omnidesk/omnidesk/internal/db"
)

// Store persists conversations and messages in Postgres. All
// concurrency control lives in the database: the message dedup key is
// a unique index, claim is a conditional update, and merge runs under
// an advisory lock on the canonical conversation id.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("service", "conversation")),
	}
}

const conversationColumns = `id, owner_user_id, channel_type, canonical_identity, match_key,
	contact_name, status, COALESCE(attended_by, ''), COALESCE(close_reason, ''), needs_merge,
	unread_count, last_message_text, COALESCE(last_message_time, 'epoch'::timestamptz),
	created_at, updated_at`

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	var channelType, status string
	err := row.Scan(&c.ID, &c.OwnerID, &channelType, &c.CanonicalIdentity, &c.MatchKey,
		&c.ContactName, &status, &c.AttendedBy, &c.CloseReason, &c.NeedsMerge,
		&c.UnreadCount, &c.LastMessageText, &c.LastMessageTime,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	c.Channel = channel.ChannelType(channelType)
	c.Status = Status(status)
	return c, nil
}

// FindOrCreate resolves the conversation for a contact on a channel,
// creating it on first touch. Lookup is by match key so the same
// contact with and without a country code prefix lands in one
// conversation. When duplicates already exist the lowest id wins and
// the rest are flagged for the reconciliation job.
func (s *Store) FindOrCreate(ctx context.Context, ownerID, canonicalIdentity, matchKey string, channelType channel.ChannelType, nameHint string) (Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE owner_user_id = $1 AND match_key = $2 AND channel_type = $3
		ORDER BY id`,
		ownerID, matchKey, channelType.String())
	if err != nil {
		return Conversation{}, fmt.Errorf("find conversation: %w", err)
	}
	matches, err := collectConversations(rows)
	if err != nil {
		return Conversation{}, err
	}

	if len(matches) == 0 {
		return s.create(ctx, ownerID, canonicalIdentity, matchKey, channelType, nameHint)
	}

	winner := matches[0]
	if len(matches) > 1 {
		ids := make([]int64, 0, len(matches)-1)
		for _, m := range matches[1:] {
			ids = append(ids, m.ID)
		}
		if _, err := s.pool.Exec(ctx, `
			UPDATE conversations SET needs_merge = TRUE, updated_at = now()
			WHERE id = ANY($1)`, ids); err != nil {
			return Conversation{}, fmt.Errorf("flag duplicates: %w", err)
		}
		s.logger.Warn("duplicate conversations detected",
			slog.String("owner_id", ownerID),
			slog.String("match_key", matchKey),
			slog.Int64("canonical_id", winner.ID),
			slog.Int("duplicates", len(ids)))
	}

	if nameHint != "" && winner.ContactName == "" {
		if _, err := s.pool.Exec(ctx, `
			UPDATE conversations SET contact_name = $2, updated_at = now()
			WHERE id = $1 AND contact_name = ''`, winner.ID, nameHint); err == nil {
			winner.ContactName = nameHint
		}
	}
	return winner, nil
}

func (s *Store) create(ctx context.Context, ownerID, canonicalIdentity, matchKey string, channelType channel.ChannelType, nameHint string) (Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (owner_user_id, channel_type, canonical_identity, match_key, contact_name)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+conversationColumns,
		ownerID, channelType.String(), canonicalIdentity, matchKey, nameHint)
	created, err := scanConversation(row)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	s.logger.Info("conversation created",
		slog.Int64("id", created.ID),
		slog.String("owner_id", ownerID),
		slog.String("channel", channelType.String()))
	return created, nil
}

// MessageSeen reports whether a provider message id was already stored.
// This is the fast path only; the unique index on the insert is the
// authoritative dedup check.
func (s *Store) MessageSeen(ctx context.Context, channelType channel.ChannelType, providerMessageID string) (bool, error) {
	if providerMessageID == "" {
		return false, nil
	}
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM messages WHERE channel_type = $1 AND provider_message_id = $2
		)`, channelType.String(), providerMessageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check provider message: %w", err)
	}
	return exists, nil
}

// AppendMessage inserts a message and refreshes the conversation
// summary in one transaction. A unique-index violation on the provider
// message id returns ErrDuplicateMessage with nothing written.
func (s *Store) AppendMessage(ctx context.Context, conversationID int64, msg Message) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	var providerID any
	if msg.ProviderMessageID != "" {
		providerID = msg.ProviderMessageID
	}
	status := msg.Status
	if status == "" {
		status = MessagePending
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var messageID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, channel_type, provider_message_id, from_me, msg_type, body, media_url, status, msg_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		conversationID, msg.Channel.String(), providerID, msg.FromMe,
		msg.Type, msg.Body, msg.MediaURL, string(status), ts).Scan(&messageID)
	if err != nil {
		if db.IsUniqueViolation(err, "uq_messages_provider") {
			return 0, ErrDuplicateMessage
		}
		return 0, fmt.Errorf("insert message: %w", err)
	}

	unreadDelta := 1
	if msg.FromMe {
		unreadDelta = 0
	}
	tag, err := tx.Exec(ctx, `
		UPDATE conversations SET
			last_message_text = $2,
			last_message_time = $3,
			unread_count      = unread_count + $4,
			updated_at        = now()
		WHERE id = $1`,
		conversationID, msg.Body, ts, unreadDelta)
	if err != nil {
		return 0, fmt.Errorf("update conversation summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return messageID, nil
}

// Claim assigns the conversation to an agent. The update is
// conditional so two agents racing on the same conversation cannot
// both win; re-claiming by the holder is a no-op success.
func (s *Store) Claim(ctx context.Context, conversationID int64, agentID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET
			attended_by = $2,
			status      = $3,
			updated_at  = now()
		WHERE id = $1
		  AND status <> $4
		  AND (attended_by IS NULL OR attended_by = $2)`,
		conversationID, agentID, string(StatusInProgress), string(StatusClosed))
	if err != nil {
		return fmt.Errorf("claim conversation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.conflictReason(ctx, conversationID, ErrAlreadyClaimed)
}

// Release returns a claimed conversation to the open pool. Only the
// holding agent may release.
func (s *Store) Release(ctx context.Context, conversationID int64, agentID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET
			attended_by = NULL,
			status      = $3,
			updated_at  = now()
		WHERE id = $1 AND attended_by = $2 AND status = $4`,
		conversationID, agentID, string(StatusOpen), string(StatusInProgress))
	if err != nil {
		return fmt.Errorf("release conversation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.conflictReason(ctx, conversationID, ErrNotOwner)
}

// Close ends a conversation. Closed is terminal; the claim, if any,
// must belong to the closing agent.
func (s *Store) Close(ctx context.Context, conversationID int64, agentID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET
			status       = $3,
			close_reason = $4,
			updated_at   = now()
		WHERE id = $1
		  AND status <> $3
		  AND (attended_by IS NULL OR attended_by = $2)`,
		conversationID, agentID, string(StatusClosed), reason)
	if err != nil {
		return fmt.Errorf("close conversation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.conflictReason(ctx, conversationID, ErrNotOwner)
}

// conflictReason turns a zero-row conditional update into the precise
// business error: closed wins over a holder conflict.
func (s *Store) conflictReason(ctx context.Context, conversationID int64, claimConflict error) error {
	current, err := s.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if current.Status == StatusClosed {
		return ErrClosed
	}
	return claimConflict
}

// Get returns one conversation by id.
func (s *Store) Get(ctx context.Context, conversationID int64) (Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations WHERE id = $1`, conversationID)
	return scanConversation(row)
}

// ListByOwner returns an owner's conversations, newest activity first.
// An empty status lists all of them.
func (s *Store) ListByOwner(ctx context.Context, ownerID string, status Status, limit, offset int) ([]Conversation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE owner_user_id = $1`
	args := []any{ownerID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY last_message_time DESC NULLS LAST, id DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return collectConversations(rows)
}

// ListMessages returns a conversation's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, channel_type, COALESCE(provider_message_id, ''), from_me,
			msg_type, body, media_url, status, msg_timestamp, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY msg_timestamp, id
		LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var items []Message
	for rows.Next() {
		var m Message
		var channelType, status string
		if err := rows.Scan(&m.ID, &m.ConversationID, &channelType, &m.ProviderMessageID, &m.FromMe,
			&m.Type, &m.Body, &m.MediaURL, &status, &m.Timestamp, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Channel = channel.ChannelType(channelType)
		m.Status = MessageStatus(status)
		items = append(items, m)
	}
	return items, rows.Err()
}

// MarkRead zeroes the unread counter.
func (s *Store) MarkRead(ctx context.Context, conversationID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET unread_count = 0, updated_at = now() WHERE id = $1`,
		conversationID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LastContactChannel returns the channel of the most recent message the
// owner exchanged with the contact, across all of the contact's
// conversations. ErrNotFound means no history.
func (s *Store) LastContactChannel(ctx context.Context, ownerID, matchKey string) (channel.ChannelType, error) {
	var channelType string
	err := s.pool.QueryRow(ctx, `
		SELECT m.channel_type
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.owner_user_id = $1 AND c.match_key = $2
		ORDER BY m.msg_timestamp DESC, m.id DESC
		LIMIT 1`, ownerID, matchKey).Scan(&channelType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("resolve contact channel: %w", err)
	}
	return channel.ChannelType(channelType), nil
}

// OwnersWithDuplicates returns the owners that currently have more
// than one conversation for the same contact and channel.
func (s *Store) OwnersWithDuplicates(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT owner_user_id FROM (
			SELECT owner_user_id
			FROM conversations
			GROUP BY owner_user_id, channel_type, match_key
			HAVING count(*) > 1
		) dup
		ORDER BY owner_user_id`)
	if err != nil {
		return nil, fmt.Errorf("find owners with duplicates: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

// FindDuplicateGroups returns every match key of the owner that maps to
// more than one conversation on the same channel. Ids are ordered so
// the canonical target comes first.
func (s *Store) FindDuplicateGroups(ctx context.Context, ownerID string) ([]DuplicateGroup, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT channel_type, match_key, array_agg(id ORDER BY id)
		FROM conversations
		WHERE owner_user_id = $1
		GROUP BY channel_type, match_key
		HAVING count(*) > 1
		ORDER BY channel_type, match_key`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("find duplicate groups: %w", err)
	}
	defer rows.Close()

	var groups []DuplicateGroup
	for rows.Next() {
		var g DuplicateGroup
		var channelType string
		if err := rows.Scan(&channelType, &g.MatchKey, &g.IDs); err != nil {
			return nil, fmt.Errorf("scan duplicate group: %w", err)
		}
		g.OwnerID = ownerID
		g.Channel = channel.ChannelType(channelType)
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Merge folds the group's duplicate conversations into the canonical
// one: messages move, empty rows go away, and the summary is
// recomputed from the merged message set. The whole sequence holds an
// advisory lock keyed by the canonical id so a concurrent ingestion
// either lands before the move (and is moved along) or after (and
// lands on the canonical row directly).
func (s *Store) Merge(ctx context.Context, group DuplicateGroup) error {
	canonical := group.Canonical()
	duplicates := group.Duplicates()
	if canonical == 0 || len(duplicates) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, canonical); err != nil {
		return fmt.Errorf("acquire merge lock: %w", err)
	}

	// Re-check under the lock; a concurrent merge may have already
	// consumed part of the group.
	var live []int64
	rows, err := tx.Query(ctx, `
		SELECT id FROM conversations WHERE id = ANY($1) ORDER BY id`, duplicates)
	if err != nil {
		return fmt.Errorf("recheck duplicates: %w", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan duplicate id: %w", err)
		}
		live = append(live, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("recheck duplicates: %w", err)
	}
	if len(live) == 0 {
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE messages SET conversation_id = $1 WHERE conversation_id = ANY($2)`,
		canonical, live); err != nil {
		return fmt.Errorf("move messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM conversations WHERE id = ANY($1)`, live); err != nil {
		return fmt.Errorf("delete merged conversations: %w", err)
	}

	// The pre-merge cached summaries on either side are not trusted.
	// Scalar subqueries keep the update firing even when the canonical
	// conversation ended up with no messages, so needs_merge always
	// clears.
	if _, err := tx.Exec(ctx, `
		UPDATE conversations SET
			last_message_text = COALESCE((
				SELECT body FROM messages WHERE conversation_id = $1
				ORDER BY msg_timestamp DESC, id DESC LIMIT 1
			), ''),
			last_message_time = COALESCE((
				SELECT msg_timestamp FROM messages WHERE conversation_id = $1
				ORDER BY msg_timestamp DESC, id DESC LIMIT 1
			), created_at),
			unread_count = (
				SELECT count(*)
				FROM messages WHERE conversation_id = $1 AND NOT from_me AND status <> 'read'
			),
			needs_merge = FALSE,
			updated_at  = now()
		WHERE id = $1`, canonical); err != nil {
		return fmt.Errorf("recompute summary: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	s.logger.Info("conversations merged",
		slog.String("owner_id", group.OwnerID),
		slog.String("match_key", group.MatchKey),
		slog.Int64("canonical_id", canonical),
		slog.Int("merged", len(live)))
	return nil
}

func collectConversations(rows pgx.Rows) ([]Conversation, error) {
	defer rows.Close()
	var items []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// Summary is a compact listing row for API responses.
type Summary struct {
	ID              int64     `json:"id"`
	Channel         string    `json:"channel"`
	Identity        string    `json:"identity"`
	ContactName     string    `json:"contact_name"`
	Status          string    `json:"status"`
	AttendedBy      string    `json:"attended_by,omitempty"`
	UnreadCount     int       `json:"unread_count"`
	LastMessageText string    `json:"last_message_text"`
	LastMessageTime time.Time `json:"last_message_time"`
}

// ToSummary converts a Conversation for API output.
func ToSummary(c Conversation) Summary {
	return Summary{
		ID:              c.ID,
		Channel:         c.Channel.String(),
		Identity:        c.CanonicalIdentity,
		ContactName:     strings.TrimSpace(c.ContactName),
		Status:          string(c.Status),
		AttendedBy:      c.AttendedBy,
		UnreadCount:     c.UnreadCount,
		LastMessageText: c.LastMessageText,
		LastMessageTime: c.LastMessageTime,
	}
}
