// Package redis implements the broker contract on Redis pub/sub, whose
// fire-and-forget fan-out matches the required at-most-once semantics:
// messages published while nobody is subscribed are gone, and every
// concurrent subscriber of a channel receives its own copy.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/linkkeep/progress-stream/internal/broker"
	"github.com/linkkeep/progress-stream/internal/progress"
)

const (
	channelPrefix    = "progress:"
	defaultSubBuffer = 64
	publishTimeout   = 2 * time.Second
)

// Config controls the Redis connection and subscription buffering.
type Config struct {
	Addr     string
	Password string
	DB       int
	// SubBuffer is the local channel capacity per subscription (default 64).
	SubBuffer int
	Logger    *zap.Logger
}

// Broker publishes JSON-encoded frames on progress:<owner> channels.
type Broker struct {
	client *redis.Client
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("broker.redis.addr is required")
	}
	if cfg.SubBuffer <= 0 {
		cfg.SubBuffer = defaultSubBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Broker{
		client: client,
		cfg:    cfg,
		logger: logger,
		subs:   make(map[*subscription]struct{}),
	}, nil
}

// Publish encodes the event and fires it at the owner channel. Redis
// reports the receiver count, which is deliberately ignored: zero
// receivers is a valid outcome.
func (b *Broker) Publish(ctx context.Context, ownerID string, evt progress.Event) error {
	data, err := json.Marshal(evt.ToFrame())
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, ChannelFor(ownerID), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe opens a dedicated Redis subscription for the owner channel and
// pumps decoded events into a local buffered channel.
func (b *Broker) Subscribe(ctx context.Context, ownerID string) (broker.Subscription, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, ChannelFor(ownerID))
	// Force the subscription onto the wire before returning so callers can
	// rely on receiving events published after Subscribe returns.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("confirm redis subscription: %w", err)
	}

	sub := &subscription{
		owner:  ownerID,
		ps:     ps,
		ch:     make(chan progress.Event, b.cfg.SubBuffer),
		broker: b,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump(b.logger)
	return sub, nil
}

// Close terminates all subscriptions and releases the client.
func (b *Broker) Close(context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeRedis()
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func (b *Broker) forget(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// ChannelFor returns the Redis channel name for an owner.
func ChannelFor(ownerID string) string {
	return channelPrefix + ownerID
}

// OwnerFromChannel is the inverse of ChannelFor.
func OwnerFromChannel(channel string) string {
	return strings.TrimPrefix(channel, channelPrefix)
}

type subscription struct {
	owner     string
	ps        *redis.PubSub
	ch        chan progress.Event
	broker    *Broker
	closeOnce sync.Once
}

func (s *subscription) C() <-chan progress.Event {
	return s.ch
}

func (s *subscription) Close() {
	s.broker.forget(s)
	s.closeRedis()
}

func (s *subscription) closeRedis() {
	s.closeOnce.Do(func() {
		// Closing the PubSub makes the pump goroutine's receive loop end,
		// which in turn closes s.ch.
		_ = s.ps.Close()
	})
}

func (s *subscription) pump(logger *zap.Logger) {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		var frame progress.Frame
		if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
			logger.Warn("discarding undecodable frame",
				zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		evt, err := progress.FromFrame(frame, OwnerFromChannel(msg.Channel))
		if err != nil {
			logger.Warn("discarding invalid frame",
				zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		select {
		case s.ch <- evt:
		default:
			// At-most-once: a stalled reader sheds load instead of
			// backing up the Redis connection.
		}
	}
}
