package interop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/thibmeu/daphne/client"
	"github.com/thibmeu/daphne/dap"
)

// Uploader submits one measurement for a task. client.Client satisfies it.
type Uploader interface {
	Upload(ctx context.Context, task *dap.TaskDescriptor, measurement uint64) (dap.ReportID, error)
}

// Sequencer drives the full exchange in fixed order: reset and provision
// both aggregators, upload the reports, nudge aggregation, open a
// collection job, wait it out, decode the shares. Everything a run touches
// lives on the struct or in its store; two sequencers share nothing.
type Sequencer struct {
	// Uploader submits the run's measurements. Defaults to a client.Client
	// built from the options.
	Uploader Uploader

	cfg   Config
	opts  Options
	log   *slog.Logger
	now   func() time.Time
	store RunStore

	prov    *Provisioner
	trigger *Trigger
}

// NewSequencer builds a sequencer. A nil store keeps runs in memory.
func NewSequencer(cfg Config, opts Options, store RunStore) *Sequencer {
	a := newAPI(cfg, opts)
	if store == nil {
		store = NewInMemoryRunStore()
	}
	return &Sequencer{
		Uploader: client.New(client.Config{
			HTTPClient: opts.HTTPClient,
			Timeout:    cfg.RequestTimeout.Std(),
			Log:        a.log,
			Now:        a.now,
		}),
		cfg:     cfg,
		opts:    opts,
		log:     a.log,
		now:     a.now,
		store:   store,
		prov:    NewProvisioner(cfg, opts),
		trigger: NewTrigger(cfg, opts),
	}
}

// RunResult is what one run produced, as far as it got.
type RunResult struct {
	RunID        string           `json:"run_id"`
	TaskID       string           `json:"task_id"`
	JobURL       string           `json:"job_url,omitempty"`
	UploadCount  int              `json:"upload_count"`
	TriggerCount int              `json:"trigger_count"`
	PollAttempts int              `json:"poll_attempts"`
	Result       *AggregateResult `json:"result,omitempty"`
}

// Run executes the pipeline once. On failure the returned result still
// reports how far the run got; the error carries the failing step's
// classification. Cancelling ctx aborts between and within steps.
func (s *Sequencer) Run(ctx context.Context) (RunResult, error) {
	res := RunResult{RunID: uuid.New().String(), TaskID: s.cfg.TaskID}
	started := s.now()
	if err := s.store.CreateRun(RunRecord{
		ID:        res.RunID,
		TaskID:    res.TaskID,
		State:     RunRunning,
		StartedAt: started,
	}); err != nil {
		return res, fmt.Errorf("recording run: %w", err)
	}
	s.log.Info("run started", "run_id", res.RunID)

	runErr := s.runSteps(ctx, &res)
	s.finish(&res, started, runErr)
	return res, runErr
}

func (s *Sequencer) runSteps(ctx context.Context, res *RunResult) error {
	if err := s.step(ctx, res, "reset", func() error {
		return s.prov.Reset(ctx)
	}); err != nil {
		return err
	}
	if err := s.step(ctx, res, "wait-ready", func() error {
		return s.prov.WaitReady(ctx)
	}); err != nil {
		return err
	}

	var task *dap.TaskDescriptor
	if err := s.step(ctx, res, "provision", func() error {
		var err error
		task, err = s.prov.Provision(ctx)
		if err == nil {
			res.TaskID = task.TaskID.String()
		}
		return err
	}); err != nil {
		return err
	}

	if err := s.step(ctx, res, "upload", func() error {
		for i := 0; i < s.cfg.MinReportCount; i++ {
			if _, err := s.Uploader.Upload(ctx, task, s.cfg.Measurement); err != nil {
				return classifyClientErr("upload", err)
			}
			res.UploadCount++
		}
		return nil
	}); err != nil {
		return err
	}

	if delay := s.cfg.SettleDelay.Std(); delay > 0 {
		if err := s.step(ctx, res, "settle", func() error {
			return sleep(ctx, delay)
		}); err != nil {
			return err
		}
	}

	if err := s.step(ctx, res, "trigger", func() error {
		if _, err := s.trigger.Trigger(ctx); err != nil {
			return err
		}
		res.TriggerCount++
		return nil
	}); err != nil {
		return err
	}

	driver := NewCollectDriver(s.cfg, s.opts, task)
	driver.NudgeBudget = s.cfg.TriggerRounds - 1
	driver.Nudge = func(ctx context.Context) error {
		if _, err := s.trigger.Trigger(ctx); err != nil {
			return err
		}
		res.TriggerCount++
		return nil
	}

	var query dap.Query
	if err := s.step(ctx, res, "build-query", func() error {
		var err error
		query, err = s.buildQuery(ctx, driver, task)
		return err
	}); err != nil {
		return err
	}

	if err := s.step(ctx, res, "collect-create", func() error {
		if err := driver.Create(ctx, query); err != nil {
			return err
		}
		res.JobURL = driver.JobURL()
		return nil
	}); err != nil {
		return err
	}

	var coll *dap.Collection
	if err := s.step(ctx, res, "collect-wait", func() error {
		var err error
		coll, err = driver.Wait(ctx)
		res.PollAttempts = driver.PollCount()
		return err
	}); err != nil {
		return err
	}

	return s.step(ctx, res, "decode", func() error {
		rc, err := s.prov.CollectorConfig()
		if err != nil {
			return err
		}
		result, err := Decode(coll, task, rc, query, uint64(res.UploadCount))
		if err != nil {
			return err
		}
		res.Result = &result
		return nil
	})
}

// buildQuery phrases the collection query for the task's batching mode.
// Fixed-size tasks ask the leader which batch it is filling; time-interval
// tasks query a window around the reports this run just uploaded.
func (s *Sequencer) buildQuery(ctx context.Context, driver *CollectDriver, task *dap.TaskDescriptor) (dap.Query, error) {
	switch task.QueryType {
	case dap.QueryTypeFixedSize:
		id, err := driver.CurrentBatch(ctx)
		if err != nil {
			return dap.Query{}, err
		}
		return dap.FixedSizeQuery(id), nil
	case dap.QueryTypeTimeInterval:
		precision := task.TimePrecision
		start := dap.Time(s.now().Unix()).Truncate(precision)
		// one bucket of slack either side, in case an upload straddled a
		// boundary
		if start >= dap.Time(precision) {
			start -= dap.Time(precision)
		}
		return dap.TimeIntervalQuery(dap.Interval{Start: start, Duration: 3 * precision}), nil
	default:
		return dap.Query{}, fmt.Errorf("task has unsupported query type %d", task.QueryType)
	}
}

// step runs one pipeline stage, records it in the store, and logs the
// outcome. A ctx already cancelled skips the stage.
func (s *Sequencer) step(ctx context.Context, res *RunResult, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := fn()
	status, detail := StepOK, ""
	if err != nil {
		status, detail = StepFailed, err.Error()
	}
	if storeErr := s.store.RecordStep(StepRecord{
		RunID:  res.RunID,
		Step:   name,
		Status: status,
		Detail: detail,
		At:     s.now(),
	}); storeErr != nil {
		s.log.Warn("recording step failed", "run_id", res.RunID, "step", name, "err", storeErr)
	}
	if err != nil {
		s.log.Error("step failed", "run_id", res.RunID, "step", name, "err", err)
		var cls *Error
		if errors.As(err, &cls) {
			// classified errors already name their step
			return err
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	s.log.Info("step complete", "run_id", res.RunID, "step", name)
	return nil
}

func (s *Sequencer) finish(res *RunResult, started time.Time, runErr error) {
	rec := RunRecord{
		ID:           res.RunID,
		TaskID:       res.TaskID,
		State:        RunSucceeded,
		JobURL:       res.JobURL,
		UploadCount:  res.UploadCount,
		TriggerCount: res.TriggerCount,
		PollAttempts: res.PollAttempts,
		StartedAt:    started,
		FinishedAt:   s.now(),
	}
	if res.Result != nil {
		rec.ResultCount = res.Result.Count
		rec.ResultSum = res.Result.Sum
		rec.HasResult = true
	}
	if runErr != nil {
		rec.State = RunFailed
		rec.Error = runErr.Error()
	}
	if err := s.store.FinishRun(rec); err != nil {
		s.log.Warn("recording run outcome failed", "run_id", res.RunID, "err", err)
	}
	if runErr != nil {
		s.log.Error("run failed", "run_id", res.RunID, "err", runErr)
		return
	}
	s.log.Info("run complete",
		"run_id", res.RunID,
		"task_id", res.TaskID,
		"count", rec.ResultCount,
		"sum", rec.ResultSum,
		"uploads", res.UploadCount,
		"triggers", res.TriggerCount,
		"polls", res.PollAttempts)
}
