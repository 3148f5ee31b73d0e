package handler

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/threadline/internal/middleware"
	"github.com/noah-isme/threadline/internal/service"
)

// ChatHandler upgrades requests to live thread connections.
type ChatHandler struct {
	service service.ChatService
	logger  zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(service service.ChatService, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		service: service,
		logger:  logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds the websocket route under the provided router group, normally mounted at /ws.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Use(func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", withRequestContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/threads/:id", websocket.New(h.handleConnection))
}

// handleConnection leaves authorisation to the chat service so refusals are
// reported as websocket close codes rather than HTTP errors.
func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	userID := websocketUserID(conn)
	threadID := websocketThreadID(conn)
	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	correlation, _ := conn.Locals("correlation_id").(string)

	opts := service.ChatConnectionOptions{
		UserID:        userID,
		ThreadID:      threadID,
		CorrelationID: correlation,
		Context:       baseCtx,
	}

	h.logger.Debug().Uint("user_id", userID).Uint("thread_id", threadID).Msg("chat websocket connected")
	h.service.ServeConnection(conn, opts)
	h.logger.Debug().Uint("user_id", userID).Uint("thread_id", threadID).Msg("chat websocket disconnected")
}

func websocketUserID(conn *websocket.Conn) uint {
	switch v := conn.Locals(middleware.UserIDKey).(type) {
	case uint:
		return v
	case int:
		if v > 0 {
			return uint(v)
		}
	}
	return 0
}

func websocketThreadID(conn *websocket.Conn) uint {
	threadID, err := strconv.ParseUint(strings.TrimSpace(conn.Params("id")), 10, 64)
	if err != nil {
		return 0
	}
	return uint(threadID)
}
