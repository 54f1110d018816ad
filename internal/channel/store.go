package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrConfigNotFound is returned when no channel configuration row
// matches the lookup.
var ErrConfigNotFound = errors.New("channel config not found")

// Store persists per-owner channel configurations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const configColumns = `id, owner_user_id, channel_type, whatsapp_provider, account_ref, credentials, disabled, created_at, updated_at`

func scanConfig(row pgx.Row) (Config, error) {
	var (
		cfg      Config
		channel  string
		provider string
		rawCreds []byte
	)
	err := row.Scan(&cfg.ID, &cfg.OwnerID, &channel, &provider, &cfg.AccountRef,
		&rawCreds, &cfg.Disabled, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrConfigNotFound
		}
		return Config{}, fmt.Errorf("scan channel config: %w", err)
	}
	cfg.Channel = ChannelType(channel)
	cfg.WhatsAppProvider = WhatsAppProvider(provider)
	if len(rawCreds) > 0 {
		if err := json.Unmarshal(rawCreds, &cfg.Credentials); err != nil {
			return Config{}, fmt.Errorf("decode channel credentials: %w", err)
		}
	}
	return cfg, nil
}

// GetConfig returns the configuration an owner has for a channel.
// Disabled configurations are treated as absent.
func (s *Store) GetConfig(ctx context.Context, ownerID string, channelType ChannelType) (Config, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+configColumns+`
		FROM channel_configs
		WHERE owner_user_id = $1 AND channel_type = $2 AND NOT disabled`,
		ownerID, channelType.String())
	return scanConfig(row)
}

// ResolveOwner looks up a configuration by the provider-side account id
// carried in a webhook (Evolution instance name, Meta phone_number_id).
func (s *Store) ResolveOwner(ctx context.Context, channelType ChannelType, accountRef string) (Config, error) {
	if accountRef == "" {
		return Config{}, ErrConfigNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+configColumns+`
		FROM channel_configs
		WHERE channel_type = $1 AND account_ref = $2 AND NOT disabled`,
		channelType.String(), accountRef)
	return scanConfig(row)
}

// ListByChannel returns every enabled configuration for a channel,
// across all owners. The poll service iterates these.
func (s *Store) ListByChannel(ctx context.Context, channelType ChannelType) ([]Config, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+configColumns+`
		FROM channel_configs
		WHERE channel_type = $1 AND NOT disabled
		ORDER BY id`,
		channelType.String())
	if err != nil {
		return nil, fmt.Errorf("list channel configs: %w", err)
	}
	defer rows.Close()

	var items []Config
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, cfg)
	}
	return items, rows.Err()
}

// Upsert creates or replaces an owner's configuration for a channel.
func (s *Store) Upsert(ctx context.Context, cfg Config) (Config, error) {
	creds := cfg.Credentials
	if creds == nil {
		creds = map[string]any{}
	}
	rawCreds, err := json.Marshal(creds)
	if err != nil {
		return Config{}, fmt.Errorf("encode channel credentials: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO channel_configs (owner_user_id, channel_type, whatsapp_provider, account_ref, credentials, disabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_user_id, channel_type) DO UPDATE SET
			whatsapp_provider = EXCLUDED.whatsapp_provider,
			account_ref       = EXCLUDED.account_ref,
			credentials       = EXCLUDED.credentials,
			disabled          = EXCLUDED.disabled,
			updated_at        = now()
		RETURNING `+configColumns,
		cfg.OwnerID, cfg.Channel.String(), string(cfg.WhatsAppProvider),
		cfg.AccountRef, rawCreds, cfg.Disabled)
	return scanConfig(row)
}
