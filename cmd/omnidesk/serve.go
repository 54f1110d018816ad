package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/omnidesk/omnidesk/internal/channel"
	"github.com/omnidesk/omnidesk/internal/channel/adapters/evolution"
	"github.com/omnidesk/omnidesk/internal/channel/adapters/facebook"
	"github.com/omnidesk/omnidesk/internal/channel/adapters/mailbox"
	"github.com/omnidesk/omnidesk/internal/channel/adapters/metacloud"
	"github.com/omnidesk/omnidesk/internal/channel/adapters/teams"
	"github.com/omnidesk/omnidesk/internal/channel/adapters/telegram"
	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/conversation"
	"github.com/omnidesk/omnidesk/internal/db"
	"github.com/omnidesk/omnidesk/internal/handlers"
	"github.com/omnidesk/omnidesk/internal/ingest"
	"github.com/omnidesk/omnidesk/internal/logger"
	"github.com/omnidesk/omnidesk/internal/poll"
	"github.com/omnidesk/omnidesk/internal/reconcile"
	"github.com/omnidesk/omnidesk/internal/router"
	"github.com/omnidesk/omnidesk/internal/server"
)

func runServe(cfgPath string) {
	fx.New(
		fx.Supply(configPath(cfgPath)),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBPool,
			provideCursorStore,
			provideEvolution,
			provideMetaCloud,
			provideTelegram,
			provideFacebook,
			provideTeams,
			provideMailbox,
			provideRegistry,
			provideChannelStore,
			provideConversationStore,
			providePipeline,
			provideRouter,
			provideReconcile,
			providePollService,
			providePingHandler,
			provideWebhookHandler,
			provideSendHandler,
			provideConversationHandler,
			provideChannelHandler,
			provideServer,
		),
		fx.Invoke(
			startServer,
			startSchedulers,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

type configPath string

func provideConfig(path configPath) (config.Config, error) {
	cfg, err := config.Load(string(path))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

// provideCursorStore prefers redis so poll cursors survive restarts;
// without redis the cursors live in memory and the first tick after a
// restart replays recent history, which the ingest dedup absorbs.
func provideCursorStore(lc fx.Lifecycle, cfg config.Config, log *slog.Logger) poll.CursorStore {
	if cfg.Redis.Addr == "" {
		log.Info("redis not configured, poll cursors held in memory")
		return poll.NewMemoryCursorStore()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return client.Close() }})
	return poll.NewRedisCursorStore(client)
}

func provideEvolution(log *slog.Logger, cfg config.Config) *evolution.Adapter {
	return evolution.New(log, cfg.Transport.EvolutionBaseURL, nil)
}

func provideMetaCloud(log *slog.Logger, cfg config.Config) *metacloud.Adapter {
	return metacloud.New(log, cfg.Transport.MetaBaseURL, cfg.Transport.MetaAPIVersion,
		cfg.Transport.MetaVerifyToken, cfg.Transport.MetaAppSecret, nil)
}

func provideTelegram(log *slog.Logger) *telegram.Adapter {
	return telegram.New(log)
}

func provideFacebook(log *slog.Logger, cfg config.Config) *facebook.Adapter {
	return facebook.New(log, cfg.Transport.MetaBaseURL, cfg.Transport.MetaAPIVersion,
		cfg.Transport.MetaVerifyToken, cfg.Transport.MetaAppSecret, nil)
}

func provideTeams(log *slog.Logger) *teams.Adapter {
	return teams.New(log, nil)
}

func provideMailbox(log *slog.Logger) *mailbox.Adapter {
	return mailbox.New(log)
}

// provideRegistry holds one adapter per channel type. Evolution is the
// whatsapp entry because it is the transport with a pull API; the Meta
// Cloud adapter is wired separately as the alternate whatsapp sender
// and as a webhook source.
func provideRegistry(evo *evolution.Adapter, tg *telegram.Adapter, fb *facebook.Adapter, tm *teams.Adapter, mb *mailbox.Adapter) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(evo)
	registry.MustRegister(tg)
	registry.MustRegister(fb)
	registry.MustRegister(tm)
	registry.MustRegister(mb)
	return registry
}

func provideChannelStore(pool *pgxpool.Pool) *channel.Store {
	return channel.NewStore(pool)
}

func provideConversationStore(pool *pgxpool.Pool, log *slog.Logger) *conversation.Store {
	return conversation.NewStore(pool, log)
}

func providePipeline(store *conversation.Store, cfg config.Config, log *slog.Logger) *ingest.Pipeline {
	return ingest.NewPipeline(store, cfg.Identity.DefaultCountryCode, log)
}

func provideRouter(convStore *conversation.Store, chanStore *channel.Store, registry *channel.Registry, evo *evolution.Adapter, meta *metacloud.Adapter, pipeline *ingest.Pipeline, cfg config.Config, log *slog.Logger) *router.Router {
	return router.New(convStore, chanStore, registry,
		router.WhatsAppSenders{Evolution: evo, Meta: meta},
		pipeline, cfg.Identity.DefaultCountryCode, cfg.Transport.SendTimeout(), log)
}

func provideReconcile(store *conversation.Store, log *slog.Logger) *reconcile.Service {
	return reconcile.NewService(store, log)
}

func providePollService(chanStore *channel.Store, registry *channel.Registry, pipeline *ingest.Pipeline, cursors poll.CursorStore, log *slog.Logger) *poll.Service {
	return poll.NewService(chanStore, registry, pipeline, cursors, log)
}

func providePingHandler(log *slog.Logger) *handlers.PingHandler {
	return handlers.NewPingHandler(log)
}

func provideWebhookHandler(cfg config.Config, evo *evolution.Adapter, meta *metacloud.Adapter, fb *facebook.Adapter, pipeline *ingest.Pipeline, chanStore *channel.Store, log *slog.Logger) *handlers.WebhookHandler {
	providers := webhookProviders(evo, meta, fb, cfg.Transport.MetaAppSecret)
	return handlers.NewWebhookHandler(providers, pipeline, chanStore, log)
}

// webhookProviders wires the per-slug capabilities. Signature checking
// is enabled only when the app secret is configured; with no secret
// the checker would reject every POST.
func webhookProviders(evo *evolution.Adapter, meta *metacloud.Adapter, fb *facebook.Adapter, metaAppSecret string) map[string]handlers.WebhookProvider {
	metaProvider := handlers.WebhookProvider{
		Channel:  channel.TypeWhatsApp,
		Parser:   meta,
		Verifier: meta,
	}
	fbProvider := handlers.WebhookProvider{
		Channel:  channel.TypeFacebook,
		Parser:   fb,
		Verifier: fb,
	}
	if metaAppSecret != "" {
		metaProvider.Signature = meta
		fbProvider.Signature = fb
	}
	return map[string]handlers.WebhookProvider{
		"evolution": {
			Channel: channel.TypeWhatsApp,
			Parser:  evo,
		},
		"meta":     metaProvider,
		"facebook": fbProvider,
	}
}

func provideSendHandler(r *router.Router) *handlers.SendHandler {
	return handlers.NewSendHandler(r)
}

func provideConversationHandler(store *conversation.Store, reconciler *reconcile.Service) *handlers.ConversationHandler {
	return handlers.NewConversationHandler(store, reconciler)
}

func provideChannelHandler(store *channel.Store, registry *channel.Registry) *handlers.ChannelHandler {
	return handlers.NewChannelHandler(store, registry)
}

func provideServer(cfg config.Config, log *slog.Logger, ping *handlers.PingHandler, webhook *handlers.WebhookHandler, send *handlers.SendHandler, conversations *handlers.ConversationHandler, channels *handlers.ChannelHandler) *server.Server {
	return server.NewServer(cfg.Server.Addr, cfg.Auth.JWTSecret, server.Handlers{
		Ping:          ping,
		Webhook:       webhook,
		Send:          send,
		Conversations: conversations,
		Channels:      channels,
	}, log)
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}

// startSchedulers runs the pull-channel poller and the duplicate
// reconciliation sweep on their configured cron schedules.
func startSchedulers(lc fx.Lifecycle, cfg config.Config, pollSvc *poll.Service, reconciler *reconcile.Service, log *slog.Logger) error {
	c := cron.New()

	if !cfg.Poll.Disabled {
		if _, err := c.AddFunc(cfg.Poll.Schedule, func() {
			report := pollSvc.Tick(context.Background())
			if report.Failed > 0 {
				log.Warn("poll tick finished with failures",
					slog.Int("configs", report.Configs),
					slog.Int("failed", report.Failed))
			}
		}); err != nil {
			return fmt.Errorf("poll schedule %q: %w", cfg.Poll.Schedule, err)
		}
	}

	if !cfg.Reconcile.Disabled {
		if _, err := c.AddFunc(cfg.Reconcile.Schedule, func() {
			if _, err := reconciler.Run(context.Background()); err != nil {
				log.Error("reconciliation sweep failed", slog.Any("error", err))
			}
		}); err != nil {
			return fmt.Errorf("reconcile schedule %q: %w", cfg.Reconcile.Schedule, err)
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { c.Start(); return nil },
		OnStop: func(ctx context.Context) error {
			<-c.Stop().Done()
			return nil
		},
	})
	return nil
}
