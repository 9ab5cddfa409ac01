package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	uuidgen "github.com/linkkeep/progress-stream/internal/id/uuid"
	"github.com/linkkeep/progress-stream/internal/progress"
	"github.com/linkkeep/progress-stream/internal/scheduler"
	storememory "github.com/linkkeep/progress-stream/internal/store/memory"
)

func TestStartCreatesAndDispatchesAllUnits(t *testing.T) {
	t.Parallel()

	jobs := storememory.NewJobStore()
	pub := &stubAnnouncer{}
	sched := &stubScheduler{}
	orch := newTestOrchestrator(jobs, pub, sched)

	job, err := orch.Start(context.Background(), "user-1", []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Equal(t, progress.StatusRunning, job.Status)
	require.Equal(t, 3, job.TotalUnits)

	require.Len(t, sched.dispatched(), 3)

	announced := pub.events()
	require.Len(t, announced, 1)
	require.Equal(t, progress.StatusRunning, announced[0].Status)
	require.Equal(t, 3, announced[0].Total)

	stored, err := jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, progress.StatusRunning, stored.Status)
}

func TestStartFailsJobWhenDispatchFails(t *testing.T) {
	t.Parallel()

	jobs := storememory.NewJobStore()
	pub := &stubAnnouncer{}
	sched := &stubScheduler{failUnit: "c"}
	orch := newTestOrchestrator(jobs, pub, sched)

	job, err := orch.Start(context.Background(), "user-1", []string{"a", "b", "c", "d", "e"})
	require.Error(t, err)
	require.Equal(t, progress.StatusFailed, job.Status)

	stored, getErr := jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, getErr)
	require.Equal(t, progress.StatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	require.Contains(t, *stored.ErrorMessage, "scheduling failed")

	announced := pub.events()
	last := announced[len(announced)-1]
	require.Equal(t, progress.StatusFailed, last.Status)
	require.Equal(t, []uuid.UUID{job.ID}, pub.forgotten())
}

func TestReportUnitResultAggregatesToCompletedWithErrors(t *testing.T) {
	t.Parallel()

	jobs := storememory.NewJobStore()
	pub := &stubAnnouncer{}
	orch := newTestOrchestrator(jobs, pub, &stubScheduler{})

	job, err := orch.Start(context.Background(), "user-1", []string{"a", "b", "c"})
	require.NoError(t, err)

	require.NoError(t, orch.ReportUnitResult(context.Background(), job.ID, "a", true, ""))
	require.NoError(t, orch.ReportUnitResult(context.Background(), job.ID, "b", false, "boom"))
	require.NoError(t, orch.ReportUnitResult(context.Background(), job.ID, "c", true, ""))

	stored, err := jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, progress.StatusCompletedWithErrors, stored.Status)
	require.Equal(t, 2, stored.ProcessedCount)
	require.Equal(t, 1, stored.FailedCount)

	announced := pub.events()
	last := announced[len(announced)-1]
	require.Equal(t, progress.StatusCompletedWithErrors, last.Status)
	require.Equal(t, 100, last.Progress)
}

func TestConcurrentReportsProduceOneTerminalEvent(t *testing.T) {
	t.Parallel()

	jobs := storememory.NewJobStore()
	pub := &stubAnnouncer{}
	orch := newTestOrchestrator(jobs, pub, &stubScheduler{})

	const units = 50
	unitIDs := make([]string, units)
	for i := range unitIDs {
		unitIDs[i] = uuid.NewString()
	}
	job, err := orch.Start(context.Background(), "user-1", unitIDs)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, unitID := range unitIDs {
		wg.Add(1)
		go func(unitID string, success bool) {
			defer wg.Done()
			require.NoError(t, orch.ReportUnitResult(context.Background(), job.ID, unitID, success, "transient"))
		}(unitID, i%5 != 0)
	}
	wg.Wait()

	stored, err := jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, stored.Terminal())
	require.Equal(t, units, stored.ProcessedCount+stored.FailedCount)

	terminal := 0
	for _, evt := range pub.events() {
		if evt.Status.Terminal() {
			terminal++
		}
	}
	require.Equal(t, 1, terminal)
}

func TestLateResultForTerminalJobIsDropped(t *testing.T) {
	t.Parallel()

	jobs := storememory.NewJobStore()
	pub := &stubAnnouncer{}
	orch := newTestOrchestrator(jobs, pub, &stubScheduler{})

	job, err := orch.Start(context.Background(), "user-1", []string{"a", "b"})
	require.NoError(t, err)

	_, err = jobs.MarkFailed(context.Background(), job.ID, "operator abort", time.Now().UTC())
	require.NoError(t, err)

	before := len(pub.events())
	require.NoError(t, orch.ReportUnitResult(context.Background(), job.ID, "a", true, ""))
	require.Len(t, pub.events(), before)
}

func TestStartRejectsBadInput(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(storememory.NewJobStore(), &stubAnnouncer{}, &stubScheduler{})

	_, err := orch.Start(context.Background(), "", []string{"a"})
	require.Error(t, err)

	_, err = orch.Start(context.Background(), "user-1", nil)
	require.Error(t, err)
}

func newTestOrchestrator(jobs *storememory.JobStore, pub *stubAnnouncer, sched *stubScheduler) *Orchestrator {
	return New(jobs, pub, sched, uuidgen.New(), fixedClock{now: time.Unix(1700000000, 0).UTC()}, nil)
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

func (fixedClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

type stubAnnouncer struct {
	mu     sync.Mutex
	msgs   []progress.Event
	forgot []uuid.UUID
}

func (a *stubAnnouncer) Publish(_ context.Context, evt progress.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, evt)
	return nil
}

func (a *stubAnnouncer) Forget(jobID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forgot = append(a.forgot, jobID)
}

func (a *stubAnnouncer) events() []progress.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]progress.Event, len(a.msgs))
	copy(out, a.msgs)
	return out
}

func (a *stubAnnouncer) forgotten() []uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uuid.UUID, len(a.forgot))
	copy(out, a.forgot)
	return out
}

type stubScheduler struct {
	mu       sync.Mutex
	units    []scheduler.WorkUnit
	failUnit string
}

func (s *stubScheduler) Dispatch(_ context.Context, unit scheduler.WorkUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUnit != "" && unit.UnitID == s.failUnit {
		return errors.New("queue unavailable")
	}
	s.units = append(s.units, unit)
	return nil
}

func (s *stubScheduler) dispatched() []scheduler.WorkUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scheduler.WorkUnit, len(s.units))
	copy(out, s.units)
	return out
}
