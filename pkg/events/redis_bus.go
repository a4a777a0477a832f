package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/flex-pms/securecache/pkg/observability"
)

// DefaultChannel is the Redis pub/sub channel for coordination messages.
const DefaultChannel = "securecache.events"

// RedisBus is a Bus over Redis pub/sub, coordinating logout across
// processes that share a Redis deployment. Messages published by this
// process are filtered out on receipt by origin.
type RedisBus struct {
	client  *redis.Client
	channel string
	origin  string
	logger  observability.Logger

	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int

	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisBus subscribes to the coordination channel and starts the
// receive loop.
func NewRedisBus(client *redis.Client, channel, origin string, logger observability.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}

	b := &RedisBus{
		client:   client,
		channel:  channel,
		origin:   origin,
		logger:   logger.WithPrefix("events"),
		handlers: make(map[int]Handler),
		done:     make(chan struct{}),
	}

	b.pubsub = client.Subscribe(context.Background(), channel)
	go b.receiveLoop()

	return b
}

// Publish broadcasts a message, stamping this bus's origin.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	msg.Origin = b.origin

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.Error("Failed to publish coordination message", map[string]interface{}{
			"type":  msg.Type,
			"error": err.Error(),
		})
		return err
	}
	return nil
}

// Subscribe registers a handler for messages from other processes.
func (b *RedisBus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Close stops the receive loop and the subscription. Safe to call more
// than once.
func (b *RedisBus) Close() error {
	select {
	case <-b.done:
		return nil
	default:
		close(b.done)
	}
	return b.pubsub.Close()
}

func (b *RedisBus) receiveLoop() {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.done:
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}

			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				b.logger.Warn("Dropped malformed coordination message", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}

			// Own messages are local state changes already applied.
			if msg.Origin == b.origin {
				continue
			}

			b.mu.RLock()
			handlers := make([]Handler, 0, len(b.handlers))
			for _, h := range b.handlers {
				handlers = append(handlers, h)
			}
			b.mu.RUnlock()

			for _, h := range handlers {
				h(msg)
			}
		}
	}
}
