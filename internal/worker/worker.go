// Package worker implements the work-unit execution loop.
package worker

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/linkkeep/progress-stream/internal/scheduler"
)

// Processor performs the actual work for one unit. Implementations plug
// in the domain task; a returned error marks the unit as failed.
type Processor interface {
	Process(ctx context.Context, unit scheduler.WorkUnit) error
}

// Reporter receives the settled outcome of each unit. The orchestrator
// satisfies this.
type Reporter interface {
	ReportUnitResult(ctx context.Context, jobID uuid.UUID, unitID string, success bool, unitErr string) error
}

// Dequeuer is the consume side of the work-unit queue.
type Dequeuer interface {
	Dequeue(ctx context.Context) (scheduler.WorkUnit, error)
}

// Worker consumes units and reports each outcome exactly once.
type Worker struct {
	queue    Dequeuer
	proc     Processor
	reporter Reporter
	logger   *zap.Logger
}

// New constructs a Worker.
func New(queue Dequeuer, proc Processor, reporter Reporter, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    queue,
		proc:     proc,
		reporter: reporter,
		logger:   logger,
	}
}

// Run blocks, consuming units until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		unit, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Closed queue means shutdown from the producer side.
			w.logger.Debug("queue drained", zap.Error(err))
			return
		}
		w.processUnit(ctx, unit)
	}
}

func (w *Worker) processUnit(ctx context.Context, unit scheduler.WorkUnit) {
	var (
		success = true
		errText string
	)
	if err := w.proc.Process(ctx, unit); err != nil {
		success = false
		errText = err.Error()
		w.logger.Warn("unit processing failed",
			zap.String("job_id", unit.JobID.String()),
			zap.String("unit_id", unit.UnitID),
			zap.Error(err),
		)
	}

	if err := w.reporter.ReportUnitResult(ctx, unit.JobID, unit.UnitID, success, errText); err != nil {
		w.logger.Error("report unit result failed",
			zap.String("job_id", unit.JobID.String()),
			zap.String("unit_id", unit.UnitID),
			zap.Error(err),
		)
	}
}

// NoopProcessor accepts every unit without doing work. Useful for wiring
// tests and for deployments where results arrive through the API instead
// of an in-process task.
type NoopProcessor struct{}

// Process implements Processor.
func (NoopProcessor) Process(context.Context, scheduler.WorkUnit) error {
	return nil
}
