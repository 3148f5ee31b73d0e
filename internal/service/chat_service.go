package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/noah-isme/threadline/internal/dto"
	"github.com/noah-isme/threadline/internal/middleware"
	"github.com/noah-isme/threadline/internal/observability"
	"github.com/noah-isme/threadline/internal/realtime"
)

// Close codes sent when a live connection is refused or torn down.
const (
	CloseTryAgain        = 4000
	CloseUnauthenticated = 4001
	CloseNoProfile       = 4002
	CloseNoThreadAccess  = 4003
)

const (
	defaultPingInterval = 30 * time.Second
	defaultFrameRate    = 10
	defaultFrameBurst   = 20
	replyBufferSize     = 8
	disconnectTimeout   = 5 * time.Second
)

// ChatConn is the part of a websocket connection a chat session drives.
type ChatConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v interface{}) error
	Close() error
}

// ChatConnectionOptions wraps metadata extracted during the HTTP upgrade.
type ChatConnectionOptions struct {
	UserID        uint
	ThreadID      uint
	CorrelationID string
	Context       context.Context
}

// ChatConfig tunes per-connection limits.
type ChatConfig struct {
	FrameRate    float64
	FrameBurst   int
	PingInterval time.Duration
}

// ChatService runs live websocket sessions scoped to one thread.
type ChatService interface {
	ServeConnection(conn ChatConn, opts ChatConnectionOptions)
}

type chatService struct {
	conversations ConversationService
	hub           *realtime.Hub
	profiles      ProfileDirectory
	validator     *validator.Validate
	config        ChatConfig
	logger        zerolog.Logger
}

type chatSession struct {
	service *chatService
	conn    ChatConn
	client  *realtime.Client
	options ChatConnectionOptions
	limiter *rate.Limiter
	replies chan dto.ErrorFrame
	closed  chan struct{}
	once    sync.Once
	ctx     context.Context
	logger  zerolog.Logger
}

// NewChatService creates the live transport over the conversation façade.
func NewChatService(conversations ConversationService, hub *realtime.Hub, profiles ProfileDirectory, validate *validator.Validate, cfg ChatConfig, logger zerolog.Logger) ChatService {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = defaultFrameRate
	}
	if cfg.FrameBurst <= 0 {
		cfg.FrameBurst = defaultFrameBurst
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &chatService{
		conversations: conversations,
		hub:           hub,
		profiles:      profiles,
		validator:     validate,
		config:        cfg,
		logger:        logger.With().Str("component", "chat_service").Logger(),
	}
}

func (s *chatService) ServeConnection(conn ChatConn, opts ChatConnectionOptions) {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if opts.CorrelationID == "" {
		opts.CorrelationID = middleware.CorrelationIDFromContext(baseCtx)
	}
	logger := s.logger.With().
		Uint("user_id", opts.UserID).
		Uint("thread_id", opts.ThreadID).
		Str("correlation_id", opts.CorrelationID).
		Logger()

	if code, reason := s.admit(baseCtx, opts); code != 0 {
		logger.Info().Int("close_code", code).Str("reason", reason).Msg("chat connection refused")
		s.refuse(conn, code, reason)
		return
	}

	client := s.hub.NewClient(opts.UserID)
	if err := s.conversations.Connect(baseCtx, client, opts.ThreadID); err != nil {
		code := CloseTryAgain
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) {
			code = CloseNoThreadAccess
		}
		logger.Info().Err(err).Int("close_code", code).Msg("chat connection refused")
		s.refuse(conn, code, ErrorReason(err))
		return
	}

	observability.ChatConnectionsTotal().Inc()
	observability.ChatConnectionsActive().Inc()
	defer observability.ChatConnectionsActive().Dec()

	session := &chatSession{
		service: s,
		conn:    conn,
		client:  client,
		options: opts,
		limiter: rate.NewLimiter(rate.Limit(s.config.FrameRate), s.config.FrameBurst),
		replies: make(chan dto.ErrorFrame, replyBufferSize),
		closed:  make(chan struct{}),
		ctx:     baseCtx,
		logger:  logger,
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		s.conversations.Disconnect(ctx, client, opts.ThreadID)
	}()

	logger.Debug().Str("client_id", client.ID()).Msg("chat session started")
	go session.writer()
	session.reader()
	logger.Debug().Str("client_id", client.ID()).Msg("chat session ended")
}

func (s *chatService) admit(ctx context.Context, opts ChatConnectionOptions) (int, string) {
	if opts.UserID == 0 {
		return CloseUnauthenticated, "authentication required"
	}
	if s.profiles != nil {
		exists, err := s.profiles.Exists(ctx, opts.UserID)
		if err != nil {
			s.logger.Warn().Err(err).Uint("user_id", opts.UserID).Msg("profile lookup failed")
			return CloseTryAgain, "profile lookup failed"
		}
		if !exists {
			return CloseNoProfile, "profile not found"
		}
	}
	if opts.ThreadID == 0 {
		return CloseNoThreadAccess, "thread_id is required"
	}
	return 0, ""
}

func (s *chatService) refuse(conn ChatConn, code int, reason string) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = conn.Close()
}

func (c *chatSession) reader() {
	defer c.close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug().Err(err).Msg("chat read loop ended")
			return
		}
		select {
		case <-c.closed:
			return
		default:
		}

		if !c.limiter.Allow() {
			c.reply("rate_limited", "too many frames, slow down")
			continue
		}

		frame, err := dto.DecodeClientFrame(data)
		if err != nil {
			c.reply("validation", err.Error())
			continue
		}
		if c.service.validator != nil {
			if err := c.service.validator.Struct(frame); err != nil {
				c.reply("validation", err.Error())
				continue
			}
		}

		if err := c.dispatch(frame); err != nil {
			c.logger.Debug().Err(err).Str("frame", string(frame.FrameType())).Msg("chat frame rejected")
			c.reply(ErrorCode(err), ErrorReason(err))
		}
	}
}

func (c *chatSession) dispatch(frame dto.ClientFrame) error {
	conversations := c.service.conversations
	user := c.options.UserID
	thread := c.options.ThreadID

	switch f := frame.(type) {
	case *dto.SendMessageFrame:
		_, err := conversations.SendMessage(c.ctx, user, dto.SendMessageRequest{
			ThreadID:                thread,
			Content:                 f.Content,
			ClientEncryptedContent:  f.ClientEncryptedContent,
			ClientIV:                f.ClientIV,
			ClientEncryptionVersion: f.ClientEncryptionVersion,
			ReplyToID:               f.ReplyToID,
		})
		return err
	case *dto.TypingFrame:
		return conversations.Typing(c.ctx, user, thread, f.IsTyping)
	case *dto.ReadReceiptFrame:
		_, err := conversations.MarkRead(c.ctx, user, thread, f.MessageIDs)
		return err
	case *dto.DeleteMessageFrame:
		scope := dto.DeleteForSelf
		if f.DeleteForEveryone {
			scope = dto.DeleteForEveryone
		}
		return conversations.DeleteMessage(c.ctx, user, f.MessageID, scope)
	case *dto.EditMessageFrame:
		_, err := conversations.EditMessage(c.ctx, user, f.MessageID, dto.EditMessageRequest{Content: f.Content})
		return err
	case *dto.ReactMessageFrame:
		_, err := conversations.ReactMessage(c.ctx, user, f.MessageID, f.Emoji)
		return err
	default:
		return invalid("unsupported frame %q", frame.FrameType())
	}
}

func (c *chatSession) reply(code, message string) {
	frame := dto.ErrorFrame{Type: "error", Code: code, Message: message}
	select {
	case c.replies <- frame:
	default:
		c.logger.Warn().Str("code", code).Msg("reply queue full, dropping error frame")
	}
}

func (c *chatSession) writer() {
	defer c.close()

	ticker := time.NewTicker(c.service.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-c.client.Events():
			if err := c.conn.WriteJSON(event); err != nil {
				c.logger.Debug().Err(err).Msg("chat write loop terminated")
				return
			}
		case frame := <-c.replies:
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Debug().Err(err).Msg("chat write loop terminated")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.logger.Debug().Err(err).Msg("chat ping failed")
				return
			}
		case <-c.client.Done():
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseTryAgain, "connection too slow"))
			return
		case <-c.closed:
			return
		}
	}
}

func (c *chatSession) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}
