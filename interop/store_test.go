package interop

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRunStoreLifecycle(t *testing.T) {
	store := NewInMemoryRunStore()
	started := time.Unix(1700000000, 0)

	require.NoError(t, store.CreateRun(RunRecord{
		ID: "run-1", TaskID: "task", State: RunRunning, StartedAt: started,
	}))
	require.Error(t, store.CreateRun(RunRecord{ID: "run-1"}), "duplicate IDs must not silently overwrite")

	require.NoError(t, store.RecordStep(StepRecord{RunID: "run-1", Step: "reset", Status: StepOK, At: started}))
	require.NoError(t, store.RecordStep(StepRecord{
		RunID: "run-1", Step: "upload", Status: StepFailed, Detail: "connection refused", At: started,
	}))
	require.Error(t, store.RecordStep(StepRecord{RunID: "ghost", Step: "reset"}))

	require.NoError(t, store.FinishRun(RunRecord{
		ID: "run-1", TaskID: "task", State: RunFailed, Error: "upload: connection refused",
		StartedAt: started, FinishedAt: started.Add(2 * time.Second),
	}))

	rec, steps, err := store.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, rec.State)
	assert.False(t, rec.HasResult)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].Seq)
	assert.Equal(t, "reset", steps[0].Step)
	assert.Equal(t, 2, steps[1].Seq)
	assert.Equal(t, StepFailed, steps[1].Status)

	_, _, err = store.GetRun("missing")
	require.Error(t, err)
}

func TestInMemoryRunStoreResult(t *testing.T) {
	store := NewInMemoryRunStore()
	started := time.Unix(1700000000, 0)
	require.NoError(t, store.CreateRun(RunRecord{ID: "run-ok", State: RunRunning, StartedAt: started}))
	require.NoError(t, store.FinishRun(RunRecord{
		ID: "run-ok", State: RunSucceeded,
		ResultCount: 2, ResultSum: 84, HasResult: true,
		StartedAt: started, FinishedAt: started.Add(time.Second),
	}))

	rec, _, err := store.GetRun("run-ok")
	require.NoError(t, err)
	assert.True(t, rec.HasResult)
	assert.Equal(t, uint64(2), rec.ResultCount)
	assert.Equal(t, uint64(84), rec.ResultSum)
}

func TestInMemoryRunStoreListsNewestFirst(t *testing.T) {
	store := NewInMemoryRunStore()
	base := time.Unix(1700000000, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateRun(RunRecord{
			ID:        fmt.Sprintf("run-%d", i),
			State:     RunRunning,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := store.ListRuns(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, "run-1", runs[1].ID)

	all, err := store.ListRuns(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
