// Package server assembles the echo HTTP server: middleware, auth, and
// route registration.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/omnidesk/omnidesk/internal/auth"
	"github.com/omnidesk/omnidesk/internal/handlers"
)

// requestValidator adapts go-playground/validator to echo's Validator
// interface so handlers can call c.Validate.
type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	if err := v.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

type Server struct {
	echo *echo.Echo
	addr string
}

// Handlers bundles everything the server mounts.
type Handlers struct {
	Ping          *handlers.PingHandler
	Webhook       *handlers.WebhookHandler
	Send          *handlers.SendHandler
	Conversations *handlers.ConversationHandler
	Channels      *handlers.ChannelHandler
}

// NewServer wires middleware and routes. Webhook paths skip JWT auth;
// providers authenticate with their own verify tokens and signatures.
func NewServer(addr, jwtSecret string, h Handlers, log *slog.Logger) *Server {
	if addr == "" {
		addr = ":8080"
	}
	if log == nil {
		log = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.Validator = &requestValidator{validate: validator.New()}
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.Any("error", v.Error))
				log.Warn("request", attrs...)
				return nil
			}
			log.Info("request", attrs...)
			return nil
		},
	}))
	e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
		return shouldSkipJWT(c.Request().URL.Path)
	}))

	if h.Ping != nil {
		h.Ping.Register(e)
	}
	if h.Webhook != nil {
		h.Webhook.Register(e)
	}
	if h.Send != nil {
		h.Send.Register(e)
	}
	if h.Conversations != nil {
		h.Conversations.Register(e)
	}
	if h.Channels != nil {
		h.Channels.Register(e)
	}

	return &Server{
		echo: e,
		addr: addr,
	}
}

// shouldSkipJWT reports whether a path is reachable without a bearer
// token.
func shouldSkipJWT(path string) bool {
	if path == "/ping" || path == "/health" {
		return true
	}
	return strings.HasPrefix(path, "/webhooks/")
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
