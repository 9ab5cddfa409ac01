package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/linkkeep/progress-stream/internal/broker"
	"github.com/linkkeep/progress-stream/internal/progress"
	"github.com/linkkeep/progress-stream/internal/store"
)

func TestFirstAndTerminalEventsBypassThrottle(t *testing.T) {
	t.Parallel()

	b := &stubBroker{}
	events := &stubEventStore{}
	pub := newTestPublisher(b, events, &stubJobStore{})

	jobID := uuid.New()
	base := time.Unix(1700000000, 0).UTC()

	require.NoError(t, pub.Publish(context.Background(), tick(jobID, base, 0, progress.StatusRunning)))
	// Terminal lands inside the throttle window but must be emitted anyway.
	require.NoError(t, pub.Publish(context.Background(), tick(jobID, base.Add(time.Millisecond), 100, progress.StatusCompleted)))

	require.Len(t, events.appended(), 2)
	require.Len(t, b.published(), 2)
}

func TestThrottleBoundsEmissions(t *testing.T) {
	t.Parallel()

	b := &stubBroker{}
	events := &stubEventStore{}
	pub := newTestPublisher(b, events, &stubJobStore{})

	jobID := uuid.New()
	base := time.Unix(1700000000, 0).UTC()

	// 1000 ticks within a single throttle interval: progress advances by
	// 0.1% per tick, so only every 5% boundary may emit.
	for i := 0; i <= 1000; i++ {
		evt := tick(jobID, base.Add(time.Duration(i)*time.Millisecond), i/10, progress.StatusRunning)
		require.NoError(t, pub.Publish(context.Background(), evt))
	}

	// First tick plus one per 5% advance; far below the 1001 calls.
	got := len(events.appended())
	require.GreaterOrEqual(t, got, 20)
	require.LessOrEqual(t, got, 22)
}

func TestThrottleEmitsAfterInterval(t *testing.T) {
	t.Parallel()

	b := &stubBroker{}
	events := &stubEventStore{}
	pub := newTestPublisher(b, events, &stubJobStore{})

	jobID := uuid.New()
	base := time.Unix(1700000000, 0).UTC()

	require.NoError(t, pub.Publish(context.Background(), tick(jobID, base, 1, progress.StatusRunning)))
	// Same progress but past the interval: time criterion admits it.
	require.NoError(t, pub.Publish(context.Background(), tick(jobID, base.Add(3*time.Second), 1, progress.StatusRunning)))
	require.Len(t, events.appended(), 2)
}

func TestStaleEventNeverRegressesHistory(t *testing.T) {
	t.Parallel()

	b := &stubBroker{}
	events := &stubEventStore{}
	pub := newTestPublisher(b, events, &stubJobStore{})

	jobID := uuid.New()
	base := time.Unix(1700000000, 0).UTC()

	require.NoError(t, pub.Publish(context.Background(), tick(jobID, base, 60, progress.StatusRunning)))

	// A worker built this event at 50% and stalled; it arrives after the
	// throttle interval, so the time criterion alone would admit it.
	require.NoError(t, pub.Publish(context.Background(), tick(jobID, base.Add(3*time.Second), 50, progress.StatusRunning)))

	appended := events.appended()
	require.Len(t, appended, 1)
	require.Equal(t, 60, appended[0].Progress)

	// Fresh progress past the high-water mark still goes through.
	require.NoError(t, pub.Publish(context.Background(), tick(jobID, base.Add(4*time.Second), 70, progress.StatusRunning)))
	appended = events.appended()
	require.Len(t, appended, 2)
	for i := 1; i < len(appended); i++ {
		require.GreaterOrEqual(t, appended[i].Progress, appended[i-1].Progress)
		require.Greater(t, appended[i].Seq, appended[i-1].Seq)
	}
}

func TestSequenceStrictlyIncreasingPerJob(t *testing.T) {
	t.Parallel()

	b := &stubBroker{}
	events := &stubEventStore{}
	pub := newTestPublisher(b, events, &stubJobStore{})

	jobID := uuid.New()
	ts := time.Unix(1700000000, 0).UTC()

	// Identical timestamps force the seq collision path.
	require.NoError(t, pub.Publish(context.Background(), tick(jobID, ts, 0, progress.StatusRunning)))
	require.NoError(t, pub.Publish(context.Background(), tick(jobID, ts, 50, progress.StatusRunning)))
	require.NoError(t, pub.Publish(context.Background(), tick(jobID, ts, 100, progress.StatusCompleted)))

	appended := events.appended()
	require.Len(t, appended, 3)
	require.Less(t, appended[0].Seq, appended[1].Seq)
	require.Less(t, appended[1].Seq, appended[2].Seq)
}

func TestBrokerFailureDoesNotStopProcessing(t *testing.T) {
	t.Parallel()

	b := &stubBroker{err: errors.New("broker down")}
	events := &stubEventStore{}
	pub := newTestPublisher(b, events, &stubJobStore{})

	jobID := uuid.New()
	err := pub.Publish(context.Background(), tick(jobID, time.Now().UTC(), 0, progress.StatusRunning))
	require.NoError(t, err)
	require.Len(t, events.appended(), 1)
}

func TestIntermediateAppendFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	b := &stubBroker{}
	events := &stubEventStore{}
	jobs := &stubJobStore{}
	pub := newTestPublisher(b, events, jobs)

	jobID := uuid.New()
	base := time.Unix(1700000000, 0).UTC()
	require.NoError(t, pub.Publish(context.Background(), tick(jobID, base, 0, progress.StatusRunning)))

	events.setErr(errors.New("db down"))
	err := pub.Publish(context.Background(), tick(jobID, base.Add(time.Minute), 50, progress.StatusRunning))
	require.NoError(t, err)
	require.Empty(t, jobs.failedReasons())
}

func TestCriticalAppendFailureEscalates(t *testing.T) {
	t.Parallel()

	b := &stubBroker{}
	events := &stubEventStore{}
	events.setErr(errors.New("db down"))
	jobs := &stubJobStore{job: store.Job{
		ID:         uuid.New(),
		OwnerID:    "user-1",
		TotalUnits: 10,
	}}
	pub := newTestPublisher(b, events, jobs)

	err := pub.Publish(context.Background(), tick(jobs.job.ID, time.Now().UTC(), 0, progress.StatusRunning))
	require.Error(t, err)

	// The append was retried before escalating.
	require.GreaterOrEqual(t, events.attempts(), 3)
	reasons := jobs.failedReasons()
	require.Len(t, reasons, 1)
	require.Contains(t, reasons[0], "durable write failed")

	// Clients on the live channel heard about the failure.
	published := b.published()
	require.NotEmpty(t, published)
	last := published[len(published)-1]
	require.Equal(t, progress.StatusFailed, last.Status)
}

func TestThrottleStateIsPerJob(t *testing.T) {
	t.Parallel()

	b := &stubBroker{}
	events := &stubEventStore{}
	pub := newTestPublisher(b, events, &stubJobStore{})

	base := time.Unix(1700000000, 0).UTC()
	jobA := uuid.New()
	jobB := uuid.New()

	require.NoError(t, pub.Publish(context.Background(), tick(jobA, base, 0, progress.StatusRunning)))
	// A different job's first event is never throttled by job A's state.
	require.NoError(t, pub.Publish(context.Background(), tick(jobB, base.Add(time.Millisecond), 0, progress.StatusRunning)))
	require.Len(t, events.appended(), 2)
}

func newTestPublisher(b broker.Broker, events *stubEventStore, jobs *stubJobStore) *Publisher {
	return New(b, events, jobs, fakeClock{now: time.Unix(1700000000, 0).UTC()}, Config{
		RetryDelay: time.Millisecond,
	}, nil)
}

func tick(jobID uuid.UUID, ts time.Time, pct int, status progress.Status) progress.Event {
	done := pct / 10
	return progress.Event{
		JobID:     jobID,
		OwnerID:   "user-1",
		TS:        ts,
		Status:    status,
		Progress:  pct,
		Processed: done,
		Total:     10,
	}
}

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time {
	return c.now
}

func (fakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

type stubBroker struct {
	mu   sync.Mutex
	msgs []progress.Event
	err  error
}

func (b *stubBroker) Publish(_ context.Context, _ string, evt progress.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, evt)
	return nil
}

func (b *stubBroker) Subscribe(context.Context, string) (broker.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (b *stubBroker) Close(context.Context) error {
	return nil
}

func (b *stubBroker) published() []progress.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]progress.Event, len(b.msgs))
	copy(out, b.msgs)
	return out
}

type stubEventStore struct {
	mu    sync.Mutex
	rows  []progress.Event
	err   error
	tries int
}

func (s *stubEventStore) Append(_ context.Context, evt progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tries++
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, evt)
	return nil
}

func (s *stubEventStore) History(context.Context, uuid.UUID, int64, int, int) ([]progress.Event, error) {
	return nil, nil
}

func (s *stubEventStore) Purge(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *stubEventStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubEventStore) appended() []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]progress.Event, len(s.rows))
	copy(out, s.rows)
	return out
}

func (s *stubEventStore) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tries
}

type stubJobStore struct {
	mu      sync.Mutex
	job     store.Job
	reasons []string
}

func (s *stubJobStore) CreateJob(context.Context, store.Job) error {
	return nil
}

func (s *stubJobStore) GetJob(context.Context, uuid.UUID) (store.Job, error) {
	return s.job, nil
}

func (s *stubJobStore) ListJobs(context.Context, string, *progress.Status, int, int) ([]store.Job, error) {
	return nil, nil
}

func (s *stubJobStore) MarkRunning(context.Context, uuid.UUID, time.Time) error {
	return nil
}

func (s *stubJobStore) MarkFailed(_ context.Context, _ uuid.UUID, reason string, _ time.Time) (store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons = append(s.reasons, reason)
	job := s.job
	job.Status = progress.StatusFailed
	job.ErrorMessage = &reason
	return job, nil
}

func (s *stubJobStore) ApplyUnitResult(context.Context, uuid.UUID, bool, time.Time) (store.Job, error) {
	return store.Job{}, errors.New("not implemented")
}

func (s *stubJobStore) failedReasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.reasons))
	copy(out, s.reasons)
	return out
}
