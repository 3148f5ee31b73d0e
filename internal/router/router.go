package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/threadline/internal/config"
	"github.com/noah-isme/threadline/internal/handler"
	"github.com/noah-isme/threadline/internal/middleware"
	"github.com/noah-isme/threadline/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ConversationHandler *handler.ConversationHandler
	ChatHandler         *handler.ChatHandler
	JWTMiddleware       fiber.Handler
	// LiveAuthMiddleware authenticates websocket upgrades without rejecting them.
	LiveAuthMiddleware fiber.Handler
	NodeID             string
	HealthProbes       map[string]handler.HealthProbe
	// RequestsPerMinute caps authenticated REST calls per user. Zero disables the limit.
	RequestsPerMinute int
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.NodeID, deps.HealthProbes))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}
	liveAuth := deps.LiveAuthMiddleware
	if liveAuth == nil {
		liveAuth = func(c *fiber.Ctx) error { return c.Next() }
	}

	// Live thread connections
	if deps.ChatHandler != nil {
		live := api.Group("/ws", liveAuth)
		deps.ChatHandler.Register(live)
	}

	// Threads, messages and blocks
	if deps.ConversationHandler != nil {
		handlers := []fiber.Handler{jwtMiddleware}
		if deps.RequestsPerMinute > 0 {
			handlers = append(handlers, middleware.RateLimit("conversations", deps.RequestsPerMinute, time.Minute))
		}
		conversations := api.Group("/", handlers...)
		deps.ConversationHandler.Register(conversations)
	}
}
