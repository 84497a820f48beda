package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/notesync/src/types"
)

const publishTimeout = 2 * time.Second

// envelope carries a frame between relays. Origin lets an instance
// drop frames it published itself.
type envelope struct {
	Origin string      `json:"origin"`
	Frame  types.Frame `json:"frame"`
}

// RedisBridge relays published frames between relay instances. Each
// destination maps to its own Redis channel under the prefix, and every
// instance pattern-subscribes to all of them.
type RedisBridge struct {
	client *redis.Client
	prefix string
	origin string
	hub    BroadcastTarget
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Bool
}

func NewRedisBridge(cfg *RedisConfig, hub BroadcastTarget, logger zerolog.Logger) *RedisBridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBridge{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: cfg.Prefix,
		origin: uuid.NewString(),
		hub:    hub,
		logger: logger.With().Str("component", "redis-bridge").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Client exposes the Redis connection so viewer sets can share it.
func (b *RedisBridge) Client() *redis.Client { return b.client }

func (b *RedisBridge) Prefix() string { return b.prefix }

// channelFor returns the Redis channel of a destination.
func (b *RedisBridge) channelFor(destination string) string {
	return b.prefix + "frames:" + destination
}

func (b *RedisBridge) pattern() string { return b.prefix + "frames:*" }

// Start checks Redis is reachable and begins relaying.
func (b *RedisBridge) Start() error {
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	sub := b.client.PSubscribe(b.ctx, b.pattern())
	if _, err := sub.Receive(b.ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	b.active.Store(true)

	b.wg.Add(1)
	go b.listen(sub)

	b.logger.Info().Str("origin", b.origin).Str("pattern", b.pattern()).Msg("redis bridge started")
	return nil
}

// Publish sends f to the other instances.
func (b *RedisBridge) Publish(f types.Frame) error {
	data, err := json.Marshal(envelope{Origin: b.origin, Frame: f})
	if err != nil {
		return fmt.Errorf("encode frame for %s: %w", f.Destination, err)
	}
	ctx, cancel := context.WithTimeout(b.ctx, publishTimeout)
	defer cancel()
	return b.client.Publish(ctx, b.channelFor(f.Destination), data).Err()
}

func (b *RedisBridge) Stop() error {
	b.active.Store(false)
	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

// Available reports whether the bridge is relaying.
func (b *RedisBridge) Available() bool { return b.active.Load() }

func (b *RedisBridge) listen(sub *redis.PubSub) {
	defer b.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.relay(msg)
		case <-b.ctx.Done():
			return
		}
	}
}

// relay hands a frame from another instance to local subscribers.
func (b *RedisBridge) relay(msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable frame")
		return
	}
	if env.Origin == b.origin {
		return
	}
	if dest, ok := strings.CutPrefix(msg.Channel, b.prefix+"frames:"); ok && dest != env.Frame.Destination {
		b.logger.Warn().Str("channel", msg.Channel).Str("destination", env.Frame.Destination).Msg("frame on wrong channel")
		return
	}

	b.logger.Debug().Str("origin", env.Origin).Str("destination", env.Frame.Destination).Msg("relaying frame")
	b.hub.BroadcastToLocal(env.Frame)
}
