package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/linkkeep/progress-stream/internal/scheduler"
)

func TestDispatchAndDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	defer q.Close()

	unit := scheduler.WorkUnit{JobID: uuid.New(), OwnerID: "user-1", UnitID: "bookmark-1"}
	require.NoError(t, q.Dispatch(context.Background(), unit))

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, unit, got)
}

func TestDispatchHonorsContext(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	defer q.Close()

	require.NoError(t, q.Dispatch(context.Background(), scheduler.WorkUnit{UnitID: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Dispatch(ctx, scheduler.WorkUnit{UnitID: "b"})
	require.Error(t, err)
}

func TestDequeueAfterClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	q.Close()
	q.Close()

	_, err := q.Dequeue(context.Background())
	require.Error(t, err)
}
