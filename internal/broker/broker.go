// Package broker declares the at-most-once pub/sub contract used to fan
// progress events out to live subscribers.
package broker

import (
	"context"

	"github.com/linkkeep/progress-stream/internal/progress"
)

// Subscription is one listener on an owner channel. Events arrive on C
// until Close is called or the broker shuts down, after which C is closed.
type Subscription interface {
	C() <-chan progress.Event
	Close()
}

// Broker fans events out to the subscribers of an owner channel. Delivery
// is at-most-once: a publish with no active subscriber is silently lost,
// and a slow subscriber may drop events. Clients recover missed events via
// the durable history endpoint, never via the broker.
//
// Multiple subscriptions to the same owner all receive every event
// independently; there are no single-consumer semantics.
type Broker interface {
	Subscribe(ctx context.Context, ownerID string) (Subscription, error)
	Publish(ctx context.Context, ownerID string, evt progress.Event) error
	Close(ctx context.Context) error
}
