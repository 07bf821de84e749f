package interop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thibmeu/daphne/dap"
	"github.com/thibmeu/daphne/testutil"
)

// seqNow pins the harness clock so report times and batch buckets come out
// the same on every run. 1700003600 truncates to the 1700002800 bucket at
// the default hour precision.
var seqNow = time.Unix(1700003600, 0)

const seqBucket = dap.Time(1700002800)

func pinnedOptions() Options {
	opts := quietOptions()
	opts.Now = func() time.Time { return seqNow }
	return opts
}

func TestSequencerEndToEnd(t *testing.T) {
	// quota 1 makes a single sweep insufficient, so the run must spend its
	// second trigger round before the job resolves
	pair := startPair(t, testutil.WithSweepQuota(1))
	cfg := pairTestConfig(pair)
	cfg.TaskID = "8TuT5Z5fAuutsX9DZWSqkUw6pzDl96d3tdsDJgWH2VY"

	store := NewInMemoryRunStore()
	seq := NewSequencer(cfg, pinnedOptions(), store)

	res, err := seq.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Result)
	assert.Equal(t, uint64(2), res.Result.Count)
	assert.Equal(t, uint64(84), res.Result.Sum)
	assert.Equal(t, dap.Interval{Start: seqBucket, Duration: 3600}, res.Result.Span)

	assert.Equal(t, cfg.TaskID, res.TaskID)
	assert.Equal(t, 2, res.UploadCount)
	assert.Equal(t, 2, res.TriggerCount, "the quota must have forced a second sweep")
	assert.GreaterOrEqual(t, res.PollAttempts, 2)
	assert.NotEmpty(t, res.JobURL)

	rec, steps, err := store.GetRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, rec.State)
	assert.Equal(t, cfg.TaskID, rec.TaskID)
	require.True(t, rec.HasResult)
	assert.Equal(t, uint64(84), rec.ResultSum)

	var names []string
	for _, step := range steps {
		assert.Equal(t, StepOK, step.Status)
		names = append(names, step.Step)
	}
	assert.Equal(t, []string{
		"reset", "wait-ready", "provision", "upload", "trigger",
		"build-query", "collect-create", "collect-wait", "decode",
	}, names)
}

func TestSequencerTimeIntervalTask(t *testing.T) {
	pair := startPair(t)
	cfg := pairTestConfig(pair)
	cfg.QueryType = dap.QueryTypeTimeInterval

	seq := NewSequencer(cfg, pinnedOptions(), nil)
	res, err := seq.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Result)
	assert.Equal(t, uint64(2), res.Result.Count)
	assert.Equal(t, uint64(84), res.Result.Sum)

	// time-interval collections echo the queried window
	assert.Equal(t, dap.Interval{
		Start:    seqBucket - 3600,
		Duration: 3 * 3600,
	}, res.Result.Span)
}

func TestSequencerPollBudgetExhaustion(t *testing.T) {
	pair := startPair(t)
	cfg := pairTestConfig(pair)
	// two uploads can never satisfy a three-report batch, so the job stays
	// pending through every trigger round
	cfg.MinBatchSize = 3
	cfg.PollMaxAttempts = 3
	cfg.PollInterval = Duration(time.Millisecond)

	store := NewInMemoryRunStore()
	seq := NewSequencer(cfg, pinnedOptions(), store)

	res, err := seq.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPollBudgetExhausted)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.True(t, IsKind(err, KindNotReady))

	// running out of patience is not the same as the job failing: there is
	// no server problem document on the error
	var cls *Error
	require.ErrorAs(t, err, &cls)
	assert.Nil(t, cls.Problem)

	assert.Equal(t, 3, res.PollAttempts)
	assert.Nil(t, res.Result)

	rec, steps, storeErr := store.GetRun(res.RunID)
	require.NoError(t, storeErr)
	assert.Equal(t, RunFailed, rec.State)
	assert.Contains(t, rec.Error, "poll budget exhausted")
	last := steps[len(steps)-1]
	assert.Equal(t, "collect-wait", last.Step)
	assert.Equal(t, StepFailed, last.Status)
}

func TestSequencerAbortsOnCancelledContext(t *testing.T) {
	pair := startPair(t)
	cfg := pairTestConfig(pair)
	store := NewInMemoryRunStore()
	seq := NewSequencer(cfg, pinnedOptions(), store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := seq.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res.Result)

	rec, _, storeErr := store.GetRun(res.RunID)
	require.NoError(t, storeErr)
	assert.Equal(t, RunFailed, rec.State)
}

func TestCollectAuthDistinctFromPending(t *testing.T) {
	pair := startPair(t)
	cfg := pairTestConfig(pair)
	opts := pinnedOptions()
	ctx := context.Background()

	prov := NewProvisioner(cfg, opts)
	task, err := prov.Provision(ctx)
	require.NoError(t, err)

	up := quietClient(opts.Now)
	for i := 0; i < 2; i++ {
		_, err = up.Upload(ctx, task, 42)
		require.NoError(t, err)
	}
	trig := NewTrigger(cfg, opts)
	_, err = trig.Trigger(ctx)
	require.NoError(t, err)

	goodDriver := NewCollectDriver(cfg, opts, task)
	query, err := goodDriver.CurrentBatch(ctx)
	require.NoError(t, err)

	// a wrong collector token fails job creation outright
	badTask := *task
	badTask.CollectorAuthToken = "I-am-an-impostor"
	badDriver := NewCollectDriver(cfg, opts, &badTask)
	err = badDriver.Create(ctx, dap.FixedSizeQuery(query))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAuth))
	assert.ErrorIs(t, err, ErrAuth)

	require.NoError(t, goodDriver.Create(ctx, dap.FixedSizeQuery(query)))

	// polling with the wrong token is an auth refusal, never mistaken for a
	// job that is still pending, and it does not burn the poll budget
	badDriver.jobURL = goodDriver.JobURL()
	_, err = badDriver.Poll(ctx)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAuth))

	_, err = badDriver.Wait(ctx)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAuth))

	// the legitimate collector still completes once aggregation catches up
	goodDriver.Nudge = func(ctx context.Context) error {
		_, err := trig.Trigger(ctx)
		return err
	}
	goodDriver.NudgeBudget = 1
	coll, err := goodDriver.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), coll.ReportCount)
}

func TestDecodeRejectsMismatchedParameters(t *testing.T) {
	pair := startPair(t)
	cfg := pairTestConfig(pair)
	opts := pinnedOptions()
	ctx := context.Background()

	prov := NewProvisioner(cfg, opts)
	task, err := prov.Provision(ctx)
	require.NoError(t, err)

	up := quietClient(opts.Now)
	for i := 0; i < 2; i++ {
		_, err = up.Upload(ctx, task, 42)
		require.NoError(t, err)
	}
	trig := NewTrigger(cfg, opts)
	_, err = trig.Trigger(ctx)
	require.NoError(t, err)

	driver := NewCollectDriver(cfg, opts, task)
	batchID, err := driver.CurrentBatch(ctx)
	require.NoError(t, err)
	query := dap.FixedSizeQuery(batchID)
	require.NoError(t, driver.Create(ctx, query))
	driver.Nudge = func(ctx context.Context) error {
		_, err := trig.Trigger(ctx)
		return err
	}
	driver.NudgeBudget = 1
	coll, err := driver.Wait(ctx)
	require.NoError(t, err)

	rc, err := prov.CollectorConfig()
	require.NoError(t, err)

	good, err := Decode(coll, task, rc, query, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(84), good.Sum)

	// a bit width other than the one the shares were produced under must
	// fail, not hand back a plausible-looking number
	narrow := *task
	narrow.Vdaf.Bits = "4"
	_, err = Decode(coll, &narrow, rc, query, 2)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindDecode))
	assert.ErrorIs(t, err, ErrDecode)

	wide := *task
	wide.Vdaf.Bits = "16"
	_, err = Decode(coll, &wide, rc, query, 2)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindDecode))

	// a different query than the job was created with breaks the AAD
	otherID := batchID
	otherID[0] ^= 0xff
	_, err = Decode(coll, task, rc, dap.FixedSizeQuery(otherID), 2)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindDecode))

	// a report-count mismatch is a decode failure too
	_, err = Decode(coll, task, rc, query, 3)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindDecode))
}
