package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	rdb "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const RelayChannel = "hms:broadcast"

type envelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

// RedisRelay delivers messages locally and republishes them on Redis so
// hubs in other server instances reach their own subscribers.
type RedisRelay struct {
	hub    *Hub
	client rdb.UniversalClient
	origin string
	logger zerolog.Logger
}

func NewRedisRelay(hub *Hub, client rdb.UniversalClient, logger zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		hub:    hub,
		client: client,
		origin: uuid.New().String(),
		logger: logger.With().Str("component", "broadcast_relay").Logger(),
	}
}

func (r *RedisRelay) Publish(ctx context.Context, channel string, payload interface{}) error {
	msg, err := NewMessage(channel, payload)
	if err != nil {
		return err
	}
	r.hub.Deliver(msg)

	b, err := json.Marshal(envelope{Origin: r.origin, Message: msg})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, RelayChannel, b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", RelayChannel, err)
	}
	return nil
}

// Run forwards messages from other instances to the local hub until ctx is
// cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, RelayChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", RelayChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle([]byte(m.Payload))
		}
	}
}

func (r *RedisRelay) handle(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Warn().Err(err).Msg("ignoring malformed relay message")
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.hub.Deliver(env.Message)
}
