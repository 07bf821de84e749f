package interop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/thibmeu/daphne/dap"
)

// CollectDriver walks one collection job through its lifecycle: create the
// job, then poll its handle until the leader resolves it. Decoding the
// returned shares is a separate step so its failures stay distinct from
// transport and job-state ones.
type CollectDriver struct {
	cfg  Config
	api  *api
	task *dap.TaskDescriptor

	// Nudge, when set, is called between not-ready polls to request more
	// aggregation work, at most NudgeBudget times. Fatal nudge errors abort
	// the wait; transient ones are logged and the next poll proceeds.
	Nudge       func(ctx context.Context) error
	NudgeBudget int

	jobURL string
	polls  int
}

func NewCollectDriver(cfg Config, opts Options, task *dap.TaskDescriptor) *CollectDriver {
	return &CollectDriver{cfg: cfg, api: newAPI(cfg, opts), task: task}
}

// CurrentBatch asks the leader which batch it is currently filling for this
// task. Only meaningful for fixed-size tasks; the collector needs the ID to
// phrase its query.
func (d *CollectDriver) CurrentBatch(ctx context.Context) (dap.BatchID, error) {
	var id dap.BatchID
	endpoint, err := joinURL(d.cfg.Leader, "internal", "current_batch", "task", d.task.TaskID.String())
	if err != nil {
		return id, err
	}
	_, body, err := d.api.do(ctx, call{
		step:   "current-batch",
		method: http.MethodGet,
		url:    endpoint,
		retry:  true,
	})
	if err != nil {
		return id, err
	}
	var resp struct {
		BatchID string `json:"batch_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return id, decodeErr("current-batch", endpoint, fmt.Errorf("parsing response: %w", err))
	}
	id, err = dap.ParseBatchID(resp.BatchID)
	if err != nil {
		return id, decodeErr("current-batch", endpoint, err)
	}
	return id, nil
}

// Create opens a collection job for the query. The leader answers with a
// 303 whose Location is the job handle; the driver remembers the resolved
// URL for polling. Creation is not retried, a retry after an ambiguous
// failure would open a second job.
func (d *CollectDriver) Create(ctx context.Context, query dap.Query) error {
	endpoint, err := joinURL(d.cfg.Leader, "collect")
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(dap.CollectionReq{TaskID: d.task.TaskID, Query: query})
	if err != nil {
		return fmt.Errorf("collect-create: encoding request: %w", err)
	}
	resp, _, err := d.api.do(ctx, call{
		step:        "collect-create",
		method:      http.MethodPost,
		url:         endpoint,
		token:       d.task.CollectorAuthToken,
		contentType: dap.MediaTypeCollectReq,
		body:        reqBody,
		okStatus:    http.StatusSeeOther,
	})
	if err != nil {
		return err
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return decodeErr("collect-create", endpoint,
			fmt.Errorf("no Location header on %d response", resp.StatusCode))
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return decodeErr("collect-create", endpoint, fmt.Errorf("Location %q: %w", loc, err))
	}
	d.jobURL = resp.Request.URL.ResolveReference(ref).String()
	d.polls = 0
	d.api.log.Info("created collection job", "task_id", d.task.TaskID.String(), "job_url", d.jobURL)
	return nil
}

// Poll asks the job handle for its state once. A still-pending job surfaces
// as a not-ready classified error; a resolved job returns the collection
// envelope, still encrypted.
func (d *CollectDriver) Poll(ctx context.Context) (*dap.Collection, error) {
	if d.jobURL == "" {
		return nil, errors.New("collect-poll: no collection job created")
	}
	d.polls++
	_, body, err := d.api.do(ctx, call{
		step:   "collect-poll",
		method: http.MethodPost,
		url:    d.jobURL,
		token:  d.task.CollectorAuthToken,
	})
	if err != nil {
		return nil, err
	}
	var coll dap.Collection
	if err := coll.UnmarshalBinary(body); err != nil {
		return nil, decodeErr("collect-poll", d.jobURL, fmt.Errorf("parsing collection: %w", err))
	}
	return &coll, nil
}

// Wait polls until the job resolves or the attempt budget runs out.
// Retryable failures (transport trouble, job still pending) consume
// attempts with a backoff between them; fatal ones return immediately.
// Exhausting the budget is its own failure, distinct from the job itself
// failing.
func (d *CollectDriver) Wait(ctx context.Context) (*dap.Collection, error) {
	nudges := 0
	var lastErr error
	for attempt := 0; attempt < d.cfg.PollMaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, d.api.backoff.Delay(attempt-1)); err != nil {
				return nil, networkErr("collect-wait", d.jobURL, err)
			}
		}

		coll, err := d.Poll(ctx)
		if err == nil {
			return coll, nil
		}
		var cls *Error
		if !errors.As(err, &cls) || !cls.Kind.Retryable() {
			return nil, err
		}
		lastErr = err
		d.api.log.Info("collection job not resolved yet",
			"attempt", attempt+1, "max_attempts", d.cfg.PollMaxAttempts, "kind", cls.Kind.String())

		if cls.Kind == KindNotReady && d.Nudge != nil && nudges < d.NudgeBudget {
			nudges++
			if nudgeErr := d.Nudge(ctx); nudgeErr != nil {
				if !IsKind(nudgeErr, KindNetwork) {
					return nil, nudgeErr
				}
				d.api.log.Warn("nudge failed, polling anyway", "err", nudgeErr)
			}
		}
	}
	return nil, &Error{
		Kind: KindNotReady,
		Step: "collect-wait",
		URL:  d.jobURL,
		Err:  fmt.Errorf("%w after %d polls: %w", ErrPollBudgetExhausted, d.cfg.PollMaxAttempts, lastErr),
	}
}

// JobURL returns the handle of the most recently created job, empty before
// Create succeeds.
func (d *CollectDriver) JobURL() string { return d.jobURL }

// PollCount reports how many polls the driver has issued for the current
// job.
func (d *CollectDriver) PollCount() int { return d.polls }
