// Package memory provides an in-process Broker for single-node
// deployments and tests.
package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/linkkeep/progress-stream/internal/broker"
	"github.com/linkkeep/progress-stream/internal/progress"
)

const (
	defaultSubBuffer = 64
	dropLogInterval  = 5 * time.Second
)

// Config controls per-subscription buffering.
type Config struct {
	// SubBuffer is the channel capacity of each subscription (default 64).
	SubBuffer int
	// Logger is used for rate-limited drop warnings.
	Logger *zap.Logger
}

// Broker is a channel-map fan-out. Publish never blocks: when a
// subscriber's buffer is full the event is dropped for that subscriber
// only, preserving the at-most-once contract.
type Broker struct {
	cfg         Config
	mu          sync.RWMutex
	subs        map[string]map[*subscription]struct{}
	closed      bool
	logger      *zap.Logger
	dropped     atomic.Int64
	dropLimiter dropLimiter
}

// New constructs a Broker ready for use.
func New(cfg Config) *Broker {
	if cfg.SubBuffer <= 0 {
		cfg.SubBuffer = defaultSubBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		cfg:         cfg,
		subs:        make(map[string]map[*subscription]struct{}),
		logger:      logger,
		dropLimiter: dropLimiter{interval: dropLogInterval},
	}
}

// Subscribe registers a listener on the owner channel.
func (b *Broker) Subscribe(_ context.Context, ownerID string) (broker.Subscription, error) {
	if ownerID == "" {
		return nil, errors.New("owner id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("broker is closed")
	}
	sub := &subscription{
		owner:  ownerID,
		ch:     make(chan progress.Event, b.cfg.SubBuffer),
		broker: b,
	}
	owners := b.subs[ownerID]
	if owners == nil {
		owners = make(map[*subscription]struct{})
		b.subs[ownerID] = owners
	}
	owners[sub] = struct{}{}
	return sub, nil
}

// Publish delivers evt to every current subscriber of the owner channel.
// It never blocks and never fails because of absent or slow subscribers.
func (b *Broker) Publish(_ context.Context, ownerID string, evt progress.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("broker is closed")
	}
	for sub := range b.subs[ownerID] {
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
			if b.dropLimiter.Allow(time.Now()) {
				count := b.dropped.Swap(0)
				b.logger.Warn("live events dropped due to slow subscriber",
					zap.String("owner_id", ownerID),
					zap.Int64("dropped", count),
				)
			}
		}
	}
	return nil
}

// Close terminates every subscription and rejects further use.
func (b *Broker) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, owners := range b.subs {
		for sub := range owners {
			close(sub.ch)
		}
	}
	b.subs = make(map[string]map[*subscription]struct{})
	return nil
}

func (b *Broker) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	owners := b.subs[sub.owner]
	if _, ok := owners[sub]; !ok {
		return
	}
	delete(owners, sub)
	if len(owners) == 0 {
		delete(b.subs, sub.owner)
	}
	close(sub.ch)
}

type subscription struct {
	owner     string
	ch        chan progress.Event
	broker    *Broker
	closeOnce sync.Once
}

func (s *subscription) C() <-chan progress.Event {
	return s.ch
}

func (s *subscription) Close() {
	s.closeOnce.Do(func() {
		s.broker.unsubscribe(s)
	})
}

type dropLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (l *dropLimiter) Allow(now time.Time) bool {
	if l == nil || l.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := l.last.Load()
	if nano-last < l.interval.Nanoseconds() {
		return false
	}
	return l.last.CompareAndSwap(last, nano)
}
