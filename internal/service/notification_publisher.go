package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/threadline/internal/dto"
	"github.com/noah-isme/threadline/internal/observability"
)

// NotificationPublisher hands notification intents to the external notification system.
type NotificationPublisher interface {
	Publish(ctx context.Context, intent dto.NotificationIntent) error
}

type natsNotificationPublisher struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNotificationPublisher publishes intents on <channelBase>.notifications. A nil
// connection turns publishing into debug logging.
func NewNotificationPublisher(conn *nats.Conn, channelBase string, logger zerolog.Logger) NotificationPublisher {
	return &natsNotificationPublisher{
		conn:    conn,
		subject: strings.ReplaceAll(channelBase, ":", ".") + ".notifications",
		logger:  logger.With().Str("component", "notification_publisher").Logger(),
	}
}

func (p *natsNotificationPublisher) Publish(ctx context.Context, intent dto.NotificationIntent) error {
	if p.conn == nil {
		p.logger.Debug().
			Str("type", intent.Type).
			Uint("recipient_id", intent.RecipientID).
			Uint("thread_id", intent.ThreadID).
			Msg("notification publishing disabled")
		return nil
	}

	payload, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return err
	}
	observability.NotificationsPublishedTotal().WithLabelValues(intent.Type).Inc()
	return nil
}

// ProfileDirectory resolves whether a user has a messaging profile.
type ProfileDirectory interface {
	Exists(ctx context.Context, userID uint) (bool, error)
}

// ProfileDirectoryFunc adapts a function to ProfileDirectory.
type ProfileDirectoryFunc func(ctx context.Context, userID uint) (bool, error)

// Exists calls f.
func (f ProfileDirectoryFunc) Exists(ctx context.Context, userID uint) (bool, error) {
	return f(ctx, userID)
}
