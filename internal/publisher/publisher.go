// Package publisher implements the dual-write fan-out used by job
// workers: every emitted event goes to the live broker (best effort) and
// to the durable event store (best effort for intermediate events,
// guaranteed-or-escalated for first and terminal events).
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/linkkeep/progress-stream/internal/broker"
	"github.com/linkkeep/progress-stream/internal/clock"
	"github.com/linkkeep/progress-stream/internal/metrics"
	"github.com/linkkeep/progress-stream/internal/progress"
	"github.com/linkkeep/progress-stream/internal/store"
)

// Config controls throttling and sink timeouts.
//   - ThrottleInterval: minimum time between emitted events per job (default 2s).
//   - ThrottlePercent: minimum progress advance between emitted events (default 5).
//   - PublishTimeout: bound on the broker publish call (default 2s).
//   - AppendTimeout: bound on one event-store append (default 5s).
//   - CriticalRetries: append attempts for first/terminal events (default 3).
//   - RetryDelay: base delay between critical append attempts (default 200ms).
type Config struct {
	ThrottleInterval time.Duration
	ThrottlePercent  int
	PublishTimeout   time.Duration
	AppendTimeout    time.Duration
	CriticalRetries  uint
	RetryDelay       time.Duration
}

const (
	defaultThrottleInterval = 2 * time.Second
	defaultThrottlePercent  = 5
	defaultPublishTimeout   = 2 * time.Second
	defaultAppendTimeout    = 5 * time.Second
	defaultCriticalRetries  = 3
	defaultRetryDelay       = 200 * time.Millisecond
)

// Publisher is safe for concurrent use by many workers. The emit decision
// for a job is serialized on that job's throttle entry, so two workers
// finishing at the same instant cannot both decide to emit.
type Publisher struct {
	broker broker.Broker
	events store.EventStore
	jobs   store.JobStore
	clk    clock.Clock
	cfg    Config
	logger *zap.Logger

	states sync.Map // uuid.UUID -> *jobState
}

type jobState struct {
	mu          sync.Mutex
	started     bool
	lastSeq     int64
	lastEmitAt  time.Time
	lastEmitPct int
}

// New constructs a Publisher.
func New(
	b broker.Broker,
	events store.EventStore,
	jobs store.JobStore,
	clk clock.Clock,
	cfg Config,
	logger *zap.Logger,
) *Publisher {
	if cfg.ThrottleInterval <= 0 {
		cfg.ThrottleInterval = defaultThrottleInterval
	}
	if cfg.ThrottlePercent <= 0 {
		cfg.ThrottlePercent = defaultThrottlePercent
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = defaultAppendTimeout
	}
	if cfg.CriticalRetries == 0 {
		cfg.CriticalRetries = defaultCriticalRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		broker: b,
		events: events,
		jobs:   jobs,
		clk:    clk,
		cfg:    cfg,
		logger: logger,
	}
}

// Publish applies the throttle and, when the event passes, writes it to
// both sinks. Broker failures are never returned: live delivery is
// at-most-once and clients recover via history. Durable-store failures
// are returned only for critical events (the first event of a job and any
// terminal event); after bounded retries those escalate to marking the
// job failed so completion state is never silently lost.
func (p *Publisher) Publish(ctx context.Context, evt progress.Event) error {
	if evt.TS.IsZero() {
		evt.TS = p.clk.Now()
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("validate event: %w", err)
	}

	evt, emit, critical := p.admit(evt)
	if !emit {
		metrics.ObserveEventThrottled()
		return nil
	}

	p.publishLive(ctx, evt)

	if err := p.appendDurable(ctx, evt, critical); err != nil {
		return err
	}
	if evt.Status.Terminal() {
		p.states.Delete(evt.JobID)
	}
	return nil
}

// Forget drops the throttle entry for a job. The orchestrator calls this
// when a job fails outside the normal completion path.
func (p *Publisher) Forget(jobID uuid.UUID) {
	p.states.Delete(jobID)
}

// admit decides under the per-job lock whether the event is emitted, and
// assigns its sequence number if so. First and terminal events always
// pass; intermediate events pass when enough time has elapsed or progress
// advanced enough since the last emitted event.
func (p *Publisher) admit(evt progress.Event) (progress.Event, bool, bool) {
	v, _ := p.states.LoadOrStore(evt.JobID, &jobState{})
	state := v.(*jobState)

	state.mu.Lock()
	defer state.mu.Unlock()

	first := !state.started
	forced := first || evt.Status.Terminal()
	if !forced {
		// A worker can build its event from old counters and stall before
		// publishing; by arrival time the job has moved past it. Emitting
		// it would write a higher seq with lower progress, so history read
		// in seq order would run backwards. Drop it: the state it reports
		// has already been superseded.
		if evt.Progress < state.lastEmitPct {
			return evt, false, false
		}
		elapsed := evt.TS.Sub(state.lastEmitAt)
		advanced := evt.Progress - state.lastEmitPct
		if elapsed < p.cfg.ThrottleInterval && advanced < p.cfg.ThrottlePercent {
			return evt, false, false
		}
	}

	seq := evt.TS.UnixNano()
	if seq <= state.lastSeq {
		seq = state.lastSeq + 1
	}
	evt.Seq = seq

	state.started = true
	state.lastSeq = seq
	state.lastEmitAt = evt.TS
	state.lastEmitPct = evt.Progress
	return evt, true, first || evt.Status.Terminal()
}

func (p *Publisher) publishLive(ctx context.Context, evt progress.Event) {
	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()
	if err := p.broker.Publish(pubCtx, evt.OwnerID, evt); err != nil {
		metrics.ObserveEventPublished(metrics.SinkLive, false)
		p.logger.Warn("live publish failed",
			zap.String("job_id", evt.JobID.String()),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveEventPublished(metrics.SinkLive, true)
}

func (p *Publisher) appendDurable(ctx context.Context, evt progress.Event, critical bool) error {
	appendOnce := func() error {
		appendCtx, cancel := context.WithTimeout(ctx, p.cfg.AppendTimeout)
		defer cancel()
		return p.events.Append(appendCtx, evt)
	}

	if !critical {
		if err := appendOnce(); err != nil {
			metrics.ObserveEventPublished(metrics.SinkDurable, false)
			p.logger.Warn("durable append failed for intermediate event",
				zap.String("job_id", evt.JobID.String()),
				zap.Int64("seq", evt.Seq),
				zap.Error(err),
			)
			return nil
		}
		metrics.ObserveEventPublished(metrics.SinkDurable, true)
		return nil
	}

	err := retry.Do(
		appendOnce,
		retry.Attempts(p.cfg.CriticalRetries),
		retry.Delay(p.cfg.RetryDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err == nil {
		metrics.ObserveEventPublished(metrics.SinkDurable, true)
		return nil
	}
	metrics.ObserveEventPublished(metrics.SinkDurable, false)
	p.escalate(ctx, evt, err)
	return fmt.Errorf("append critical event for job %s: %w", evt.JobID, err)
}

// escalate marks the job failed after a critical append could not be
// persisted. When the job row already reached a terminal status (the lost
// event was the terminal one) the row stays as it is; the job-level state
// is durable even though the event log is missing its final entry.
func (p *Publisher) escalate(ctx context.Context, evt progress.Event, cause error) {
	reason := fmt.Sprintf("durable write failed: %v", cause)
	job, err := p.jobs.MarkFailed(ctx, evt.JobID, reason, p.clk.Now())
	if err != nil {
		level := p.logger.Error
		if errors.Is(err, store.ErrTerminal) {
			level = p.logger.Warn
		}
		level("escalation after durable-write failure",
			zap.String("job_id", evt.JobID.String()),
			zap.Error(err),
		)
		return
	}

	failure := progress.Event{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Seq:       evt.Seq + 1,
		TS:        p.clk.Now(),
		Status:    progress.StatusFailed,
		Progress:  job.Progress(),
		Processed: job.ProcessedCount,
		Failed:    job.FailedCount,
		Total:     job.TotalUnits,
		Error:     reason,
	}
	// Best effort: the live channel at least tells connected clients the
	// job died.
	p.publishLive(ctx, failure)
}
