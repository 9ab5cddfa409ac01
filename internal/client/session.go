// Package client maintains a consumer-side view of job progress across
// reconnects. It merges the live stream with durable history so a view
// never regresses, no matter how the connection behaves.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/linkkeep/progress-stream/internal/clock"
	"github.com/linkkeep/progress-stream/internal/progress"
)

// State names the connection phase of a Session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateBackfilling  State = "backfilling"
	StateLive         State = "live"
)

const (
	defaultInitialBackoff = 3 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultViewTTL        = 5 * time.Minute
)

// Conn is one open live stream.
type Conn interface {
	// Recv blocks for the next frame. An error ends the connection.
	Recv(ctx context.Context) (progress.Frame, error)
	Close() error
}

// Dialer opens live streams against the gateway.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// HistoryClient reads the durable event log. The since cursor is
// inclusive.
type HistoryClient interface {
	History(ctx context.Context, jobID uuid.UUID, since int64) ([]progress.Frame, error)
}

// Config controls reconnect and retention behavior.
type Config struct {
	// InitialBackoff is the first reconnect delay (default 3s). Each
	// failed attempt doubles it up to MaxBackoff; any successful dial
	// resets it.
	InitialBackoff time.Duration
	// MaxBackoff caps the reconnect delay (default 30s).
	MaxBackoff time.Duration
	// ViewTTL is how long a terminal job view is kept after its last
	// update (default 5m).
	ViewTTL time.Duration
	// Logger is optional.
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.ViewTTL <= 0 {
		c.ViewTTL = defaultViewTTL
	}
	return c
}

// JobView is the merged, monotonic picture of one job.
type JobView struct {
	JobID     uuid.UUID
	Seq       int64
	Status    progress.Status
	Progress  int
	Processed int
	Failed    int
	Total     int
	Message   string
	Error     string
	UpdatedAt time.Time
}

// Terminal reports whether the view reached a final status.
func (v JobView) Terminal() bool {
	return v.Status.Terminal()
}

type viewEntry struct {
	view    JobView
	touched time.Time
}

// Session drives the disconnected -> connecting -> backfilling -> live
// loop and keeps the per-job views current throughout.
type Session struct {
	dialer  Dialer
	history HistoryClient
	clk     clock.Clock
	cfg     Config
	logger  *zap.Logger

	mu    sync.Mutex
	state State
	views map[uuid.UUID]*viewEntry
}

// NewSession constructs a Session; call Run to start it.
func NewSession(dialer Dialer, history HistoryClient, clk clock.Clock, cfg Config) *Session {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		dialer:  dialer,
		history: history,
		clk:     clk,
		cfg:     cfg,
		logger:  logger,
		state:   StateDisconnected,
		views:   make(map[uuid.UUID]*viewEntry),
	}
}

// Track registers a job so its history is backfilled on the next
// (re)connect even before any live frame arrives.
func (s *Session) Track(jobID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.views[jobID]; ok {
		return
	}
	s.views[jobID] = &viewEntry{
		view:    JobView{JobID: jobID, Status: progress.StatusPending},
		touched: s.clk.Now(),
	}
}

// State returns the current connection phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// View returns the merged view for one job.
func (s *Session) View(jobID uuid.UUID) (JobView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.views[jobID]
	if !ok {
		return JobView{}, false
	}
	return entry.view, true
}

// Views returns a snapshot of all tracked views.
func (s *Session) Views() []JobView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobView, 0, len(s.views))
	for _, entry := range s.views {
		out = append(out, entry.view)
	}
	return out
}

// Run blocks, maintaining the connection until the context finishes.
func (s *Session) Run(ctx context.Context) {
	backoff := s.cfg.InitialBackoff
	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		s.setState(StateConnecting)
		conn, err := s.dialer.Dial(ctx)
		if err != nil {
			s.setState(StateDisconnected)
			s.logger.Warn("dial failed", zap.Duration("retry_in", backoff), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-s.clk.After(backoff):
			}
			backoff = nextBackoff(backoff, s.cfg.MaxBackoff)
			continue
		}
		backoff = s.cfg.InitialBackoff

		s.setState(StateBackfilling)
		s.backfill(ctx)

		s.setState(StateLive)
		s.consume(ctx, conn)
		s.setState(StateDisconnected)
	}
}

func nextBackoff(current, maximum time.Duration) time.Duration {
	next := current * 2
	if next > maximum {
		return maximum
	}
	return next
}

// backfill replays history for every non-terminal view. The inclusive
// cursor re-fetches the last merged event; the merge drops it, so a gap
// can never open between history and the live stream.
func (s *Session) backfill(ctx context.Context) {
	for _, view := range s.pendingViews() {
		frames, err := s.history.History(ctx, view.JobID, view.Seq)
		if err != nil {
			s.logger.Warn("backfill failed",
				zap.String("job_id", view.JobID.String()),
				zap.Error(err),
			)
			continue
		}
		for _, frame := range frames {
			s.Merge(frame)
		}
	}
}

func (s *Session) pendingViews() []JobView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobView, 0, len(s.views))
	for _, entry := range s.views {
		if !entry.view.Terminal() {
			out = append(out, entry.view)
		}
	}
	return out
}

func (s *Session) consume(ctx context.Context, conn Conn) {
	defer func() {
		if err := conn.Close(); err != nil {
			s.logger.Debug("close connection", zap.Error(err))
		}
	}()
	for {
		frame, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("stream interrupted", zap.Error(err))
			}
			return
		}
		s.Merge(frame)
	}
}

// Merge folds one frame into the views. Frames at or below the known
// sequence are dropped, so replays and duplicate delivery are harmless
// and progress never moves backwards.
func (s *Session) Merge(frame progress.Frame) {
	jobID, err := uuid.Parse(frame.JobID)
	if err != nil {
		s.logger.Warn("malformed frame dropped", zap.String("job_id", frame.JobID))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	entry, ok := s.views[jobID]
	if !ok {
		entry = &viewEntry{view: JobView{JobID: jobID}}
		s.views[jobID] = entry
	} else if frame.Seq <= entry.view.Seq && entry.view.Seq > 0 {
		s.sweepLocked(now)
		return
	}

	entry.view = JobView{
		JobID:     jobID,
		Seq:       frame.Seq,
		Status:    progress.Status(frame.Status),
		Progress:  frame.Progress,
		Processed: frame.Processed,
		Failed:    frame.Failed,
		Total:     frame.Total,
		Message:   frame.Message,
		Error:     frame.Error,
		UpdatedAt: frame.TS,
	}
	entry.touched = now
	s.sweepLocked(now)
}

// SweepExpired drops terminal views whose TTL elapsed and reports how
// many were removed.
func (s *Session) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.clk.Now())
}

func (s *Session) sweepLocked(now time.Time) int {
	removed := 0
	for jobID, entry := range s.views {
		if entry.view.Terminal() && now.Sub(entry.touched) >= s.cfg.ViewTTL {
			delete(s.views, jobID)
			removed++
		}
	}
	return removed
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}
