// Package gateway streams live progress events to clients over
// server-sent events.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/linkkeep/progress-stream/internal/broker"
	"github.com/linkkeep/progress-stream/internal/clock"
	"github.com/linkkeep/progress-stream/internal/metrics"
)

const defaultHeartbeat = 15 * time.Second

// Config controls Gateway behavior.
type Config struct {
	// Heartbeat is the interval between SSE comment lines that keep
	// idle connections from being reaped by proxies.
	Heartbeat time.Duration
}

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = defaultHeartbeat
	}
	return c
}

// Gateway fans live events out to subscribed HTTP clients. Each client
// holds one broker subscription for the lifetime of its request; the
// subscription is released on every exit path, so an abandoned stream
// never leaks a channel.
type Gateway struct {
	broker broker.Broker
	clk    clock.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Gateway.
func New(b broker.Broker, clk clock.Clock, cfg Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		broker: b,
		clk:    clk,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Stream serves one SSE connection for the given owner. It blocks until
// the client disconnects or the broker closes.
func (g *Gateway) Stream(w http.ResponseWriter, r *http.Request, ownerID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	sub, err := g.broker.Subscribe(ctx, ownerID)
	if err != nil {
		g.logger.Error("subscribe failed", zap.String("owner_id", ownerID), zap.Error(err))
		http.Error(w, "subscription unavailable", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	metrics.IncSubscribers()
	defer metrics.DecSubscribers()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	g.logger.Debug("stream opened", zap.String("owner_id", ownerID))
	defer g.logger.Debug("stream closed", zap.String("owner_id", ownerID))

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.clk.After(g.cfg.Heartbeat):
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			payload, err := json.Marshal(evt.ToFrame())
			if err != nil {
				g.logger.Error("encode event failed",
					zap.String("job_id", evt.JobID.String()),
					zap.Error(err),
				)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
