package realtime

import (
	"context"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Relay carries encoded events between nodes.
type Relay interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
	// Consume blocks, passing every received payload to handle until ctx is done.
	Consume(ctx context.Context, handle func([]byte)) error
}

// RedisRelay relays events over a redis pub/sub channel.
type RedisRelay struct {
	client  *redis.Client
	channel string
}

// NewRedisRelay creates a relay on <channelBase>:chat.
func NewRedisRelay(client *redis.Client, channelBase string) *RedisRelay {
	return &RedisRelay{client: client, channel: channelBase + ":chat"}
}

func (r *RedisRelay) Name() string { return "redis" }

func (r *RedisRelay) Publish(ctx context.Context, payload []byte) error {
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *RedisRelay) Consume(ctx context.Context, handle func([]byte)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer func() {
		_ = pubsub.Close()
	}()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		handle([]byte(msg.Payload))
	}
}

// NATSRelay relays events over a NATS subject. Every node subscribes
// individually so each one sees every event.
type NATSRelay struct {
	conn    *nats.Conn
	subject string
}

// NewNATSRelay creates a relay on <channelBase>.chat with ':' mapped to '.'.
func NewNATSRelay(conn *nats.Conn, channelBase string) *NATSRelay {
	return &NATSRelay{conn: conn, subject: strings.ReplaceAll(channelBase, ":", ".") + ".chat"}
}

func (r *NATSRelay) Name() string { return "nats" }

func (r *NATSRelay) Publish(_ context.Context, payload []byte) error {
	return r.conn.Publish(r.subject, payload)
}

func (r *NATSRelay) Consume(ctx context.Context, handle func([]byte)) error {
	sub, err := r.conn.Subscribe(r.subject, func(msg *nats.Msg) {
		handle(msg.Data)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return sub.Drain()
}
