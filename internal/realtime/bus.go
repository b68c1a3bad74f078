package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Broadcast is one fan-out request shared across coordinator processes.
type Broadcast struct {
	Rooms           []string        `json:"rooms"`
	ExcludeUserID   string          `json:"exclude_user_id,omitempty"`
	ExcludeDeviceID string          `json:"exclude_device_id,omitempty"`
	Event           string          `json:"event"`
	Data            json.RawMessage `json:"data,omitempty"`
}

func (b Broadcast) excludes(conn *Connection) bool {
	return b.ExcludeDeviceID != "" && conn.DeviceID == b.ExcludeDeviceID && conn.UserID == b.ExcludeUserID
}

// Bus distributes broadcasts to every coordinator process, including the sender.
type Bus interface {
	Publish(ctx context.Context, message Broadcast) error
	Subscribe(ctx context.Context, handler func(Broadcast)) (cancel func(), err error)
}

// LocalBus delivers broadcasts synchronously within one process.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[int]func(Broadcast)
	next     int
}

// NewLocalBus returns an in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[int]func(Broadcast))}
}

func (b *LocalBus) Publish(_ context.Context, message Broadcast) error {
	b.mu.RLock()
	handlers := make([]func(Broadcast), 0, len(b.handlers))
	for _, handler := range b.handlers {
		handlers = append(handlers, handler)
	}
	b.mu.RUnlock()
	for _, handler := range handlers {
		handler(message)
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, handler func(Broadcast)) (func(), error) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = handler
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}, nil
}

// RedisBus relays broadcasts over a Redis pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisBus binds the bus to a channel.
func NewRedisBus(client *redis.Client, channel string, logger *zap.Logger) (*RedisBus, error) {
	if client == nil {
		return nil, errors.New("realtime: redis client is required")
	}
	if channel == "" {
		channel = "fieldsync:realtime"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, channel: channel, logger: logger}, nil
}

func (b *RedisBus) Publish(ctx context.Context, message Broadcast) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscribe blocks until Redis confirms the subscription, then relays
// messages on a background goroutine until cancel is called.
func (b *RedisBus) Subscribe(ctx context.Context, handler func(Broadcast)) (func(), error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	messages := pubsub.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for message := range messages {
			var broadcast Broadcast
			if err := json.Unmarshal([]byte(message.Payload), &broadcast); err != nil {
				b.logger.Warn("discarding malformed broadcast", zap.String("channel", b.channel), zap.Error(err))
				continue
			}
			handler(broadcast)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = pubsub.Close()
			<-done
		})
	}, nil
}
