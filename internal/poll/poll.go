// Package poll drives the pull-based half of ingestion. A cron timer
// triggers a tick; each tick asks every pull-capable transport for
// messages newer than its cursor and feeds them through the same
// pipeline the webhooks use.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omnidesk/omnidesk/internal/channel"
	"github.com/omnidesk/omnidesk/internal/ingest"
)

// ConfigLister lists the per-owner configs a channel polls for.
type ConfigLister interface {
	ListByChannel(ctx context.Context, channelType channel.ChannelType) ([]channel.Config, error)
}

// PullerSource resolves the pull-capable transports.
type PullerSource interface {
	Pullers() map[channel.ChannelType]channel.Puller
}

// BatchIngestor stores a pulled batch.
type BatchIngestor interface {
	IngestBatch(ctx context.Context, events []channel.InboundEvent) ingest.BatchResult
}

// CursorStore persists per-config poll cursors. Losing a cursor is
// safe; the dedup key absorbs the replay.
type CursorStore interface {
	Get(ctx context.Context, channelType channel.ChannelType, configID int64) (string, error)
	Set(ctx context.Context, channelType channel.ChannelType, configID int64, cursor string) error
}

const cursorTTL = 7 * 24 * time.Hour

// RedisCursorStore keeps cursors in Redis so restarts and multiple
// instances share them.
type RedisCursorStore struct {
	client *redis.Client
}

// NewRedisCursorStore creates a CursorStore on the given client.
func NewRedisCursorStore(client *redis.Client) *RedisCursorStore {
	return &RedisCursorStore{client: client}
}

func cursorKey(channelType channel.ChannelType, configID int64) string {
	return fmt.Sprintf("poll:cursor:%s:%d", channelType, configID)
}

func (s *RedisCursorStore) Get(ctx context.Context, channelType channel.ChannelType, configID int64) (string, error) {
	value, err := s.client.Get(ctx, cursorKey(channelType, configID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get poll cursor: %w", err)
	}
	return value, nil
}

func (s *RedisCursorStore) Set(ctx context.Context, channelType channel.ChannelType, configID int64, cursor string) error {
	if err := s.client.Set(ctx, cursorKey(channelType, configID), cursor, cursorTTL).Err(); err != nil {
		return fmt.Errorf("set poll cursor: %w", err)
	}
	return nil
}

// MemoryCursorStore is the in-process fallback when Redis is not
// configured. Cursors reset on restart, which only costs a replay.
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]string
}

// NewMemoryCursorStore creates an empty MemoryCursorStore.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: map[string]string{}}
}

func (s *MemoryCursorStore) Get(_ context.Context, channelType channel.ChannelType, configID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[cursorKey(channelType, configID)], nil
}

func (s *MemoryCursorStore) Set(_ context.Context, channelType channel.ChannelType, configID int64, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursorKey(channelType, configID)] = cursor
	return nil
}

// TickReport summarizes one poll tick.
type TickReport struct {
	Configs int
	Events  int
	Stored  int
	Failed  int
}

// Service polls all pull-capable channels.
type Service struct {
	configs  ConfigLister
	pullers  PullerSource
	ingestor BatchIngestor
	cursors  CursorStore
	logger   *slog.Logger
}

// NewService creates a poll Service.
func NewService(configs ConfigLister, pullers PullerSource, ingestor BatchIngestor, cursors CursorStore, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cursors == nil {
		cursors = NewMemoryCursorStore()
	}
	return &Service{
		configs:  configs,
		pullers:  pullers,
		ingestor: ingestor,
		cursors:  cursors,
		logger:   log.With(slog.String("service", "poll")),
	}
}

// Tick runs one poll pass over every configured account of every
// pull-capable channel. One failing account never blocks the others;
// its cursor stays put and the next tick retries.
func (s *Service) Tick(ctx context.Context) TickReport {
	var report TickReport
	for channelType, puller := range s.pullers.Pullers() {
		configs, err := s.configs.ListByChannel(ctx, channelType)
		if err != nil {
			s.logger.Error("list configs failed",
				slog.String("channel", channelType.String()), slog.Any("error", err))
			report.Failed++
			continue
		}
		for _, cfg := range configs {
			if err := ctx.Err(); err != nil {
				return report
			}
			report.Configs++
			events, stored, err := s.pullOne(ctx, channelType, puller, cfg)
			if err != nil {
				report.Failed++
				s.logger.Warn("pull failed",
					slog.String("channel", channelType.String()),
					slog.String("owner_id", cfg.OwnerID),
					slog.Any("error", err))
				continue
			}
			report.Events += events
			report.Stored += stored
		}
	}
	return report
}

func (s *Service) pullOne(ctx context.Context, channelType channel.ChannelType, puller channel.Puller, cfg channel.Config) (int, int, error) {
	cursor, err := s.cursors.Get(ctx, channelType, cfg.ID)
	if err != nil {
		s.logger.Warn("cursor read failed, pulling from scratch", slog.Any("error", err))
		cursor = ""
	}

	events, next, err := puller.Pull(ctx, cfg, cursor)
	if err != nil {
		return 0, 0, err
	}

	for i := range events {
		if events[i].OwnerID == "" {
			events[i].OwnerID = cfg.OwnerID
		}
	}
	result := s.ingestor.IngestBatch(ctx, events)

	// The cursor only advances when the batch went through, so events
	// lost to a transient failure are refetched next tick.
	if result.Failed == 0 && next != cursor {
		if err := s.cursors.Set(ctx, channelType, cfg.ID, next); err != nil {
			s.logger.Warn("cursor write failed", slog.Any("error", err))
		}
	}
	return len(events), result.Stored, nil
}
