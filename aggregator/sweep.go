package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"

	"github.com/thibmeu/daphne/dap"
	"github.com/thibmeu/daphne/hpke"
	"github.com/thibmeu/daphne/metrics"
)

// Messages on the leader-to-helper internal routes. These stay JSON: the
// pair is a test double and only the DAP-facing surfaces keep the binary
// wire forms.
type aggregateEntry struct {
	ReportID       dap.ReportID `json:"report_id"`
	Time           dap.Time     `json:"time"`
	Batch          string       `json:"batch"`
	PublicShare    dap.Bytes    `json:"public_share,omitempty"`
	EncryptedShare dap.Bytes    `json:"encrypted_share"`
}

type aggregateReq struct {
	TaskID  dap.TaskID       `json:"task_id"`
	Reports []aggregateEntry `json:"reports"`
}

type aggregateShareReq struct {
	TaskID dap.TaskID `json:"task_id"`
	Query  dap.Query  `json:"query"`

	// ReportCount is the leader's count for the window; the helper refuses
	// to hand out a share when its own count disagrees.
	ReportCount uint64 `json:"report_count"`

	// CollectorHpkeConfig is the TLS-encoded config the share is sealed
	// to. The helper's task descriptor does not carry it, so the leader
	// forwards it with the request.
	CollectorHpkeConfig dap.Bytes `json:"collector_hpke_config"`
}

type aggregateShareResp struct {
	ReportCount             uint64    `json:"report_count"`
	EncryptedAggregateShare dap.Bytes `json:"encrypted_aggregate_share"`
}

// SweepResult is the telemetry one process call returns.
type SweepResult struct {
	ReportsSwept int `json:"reports_swept"`
	JobsResolved int `json:"jobs_resolved"`
}

// recoveredShare is a drained report after the leader opened its own input
// share and picked the batch it belongs to.
type recoveredShare struct {
	key   string
	time  dap.Time
	share []byte
}

// Sweep runs one leader aggregation pass: drain pending reports up to the
// quota, forward the helper shares, accumulate the leader shares, then
// resolve any satisfiable collection jobs. One call makes no completeness
// promise; callers nudge repeatedly until the work they wait for is done.
func (a *Aggregator) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if a.role != dap.RoleNameLeader {
		return res, dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest, "helper has no aggregation sweep")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	remaining := a.sweepQuota
	for taskID, ts := range a.tasks {
		if a.sweepQuota > 0 && remaining == 0 {
			break
		}
		swept, err := a.sweepTask(ctx, taskID, ts, remaining)
		if err != nil {
			return res, err
		}
		res.ReportsSwept += swept
		if a.sweepQuota > 0 {
			remaining -= swept
		}
	}

	for taskID, ts := range a.tasks {
		resolved, err := a.resolveJobs(ctx, taskID, ts)
		if err != nil {
			return res, err
		}
		res.JobsResolved += resolved
	}

	metrics.IncSweep()
	metrics.AddReportsSwept(res.ReportsSwept)
	a.log.Info("sweep finished", "reports_swept", res.ReportsSwept, "jobs_resolved", res.JobsResolved)
	return res, nil
}

// sweepTask drains up to limit pending reports for one task. Reports whose
// leader share cannot be opened are dropped; a helper forwarding failure
// requeues the batch so no share is lost.
func (a *Aggregator) sweepTask(ctx context.Context, taskID dap.TaskID, ts *taskState, limit int) (int, error) {
	n := len(ts.pending)
	if a.sweepQuota > 0 && n > limit {
		n = limit
	}
	if n == 0 {
		return 0, nil
	}
	drained := ts.pending[:n]
	rest := ts.pending[n:]

	var (
		recovered []recoveredShare
		entries   []aggregateEntry
		assigned  = map[string]uint64{}
	)
	for _, sr := range drained {
		report := sr.report
		rc, ok := a.receiverFor(report.EncryptedInputShares[0].ConfigID)
		if !ok {
			a.log.Warn("dropping report, HPKE config vanished", "report_id", report.Metadata.ID.String())
			continue
		}
		aad := dap.ReportAad(report.TaskID, report.Metadata, report.PublicShare)
		leaderShare, err := rc.Open(report.EncryptedInputShares[0], hpke.InputShareInfo(dap.RoleLeader), aad)
		if err != nil {
			a.log.Warn("dropping undecryptable report", "report_id", report.Metadata.ID.String(), "err", err)
			continue
		}

		key := a.assignBatch(ts, report.Metadata.Time, assigned)
		assigned[key]++

		helperCT, err := report.EncryptedInputShares[1].MarshalBinary()
		if err != nil {
			return 0, fmt.Errorf("encoding helper ciphertext: %w", err)
		}
		entries = append(entries, aggregateEntry{
			ReportID:       report.Metadata.ID,
			Time:           report.Metadata.Time,
			Batch:          key,
			PublicShare:    report.PublicShare,
			EncryptedShare: helperCT,
		})
		recovered = append(recovered, recoveredShare{key: key, time: report.Metadata.Time, share: leaderShare})
	}

	if len(entries) > 0 {
		req := aggregateReq{TaskID: taskID, Reports: entries}
		err := a.postHelper(ctx, ts.descriptor, "/internal/aggregate", ts.descriptor.LeaderAuthToken, req, nil)
		if err != nil {
			// keep the batch pending so the next sweep retries it
			return 0, fmt.Errorf("forwarding shares to helper: %w", err)
		}
	}

	ts.pending = rest
	for _, r := range recovered {
		if err := ts.accumulate(r.key, r.time, r.share); err != nil {
			return 0, fmt.Errorf("accumulating leader share: %w", err)
		}
	}
	return n, nil
}

// assignBatch picks the accumulator for a report, rotating the current
// fixed-size batch once it is full.
func (a *Aggregator) assignBatch(ts *taskState, t dap.Time, assigned map[string]uint64) string {
	if ts.descriptor.QueryType == dap.QueryTypeTimeInterval {
		return batchKeyForTime(t.Truncate(ts.descriptor.TimePrecision))
	}

	max := ts.descriptor.MaxBatchSize
	if max > 0 {
		key := batchKeyForID(ts.currentBatch)
		var have uint64
		if b, ok := ts.batches[key]; ok {
			have = b.count
		}
		if have+assigned[key] >= max {
			if id, err := dap.NewBatchID(); err == nil {
				ts.currentBatch = id
				a.log.Info("rotated current batch", "batch_id", id.String())
			}
		}
	}
	return batchKeyForID(ts.currentBatch)
}

// resolveJobs completes or fails pending collection jobs whose window is
// fully aggregated. A job only ever advances here, inside a sweep, which is
// what makes "poll before any trigger" reliably pending.
func (a *Aggregator) resolveJobs(ctx context.Context, taskID dap.TaskID, ts *taskState) (int, error) {
	if len(ts.jobs) == 0 {
		return 0, nil
	}
	if len(ts.pending) > 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(ts.jobs))
	for id, job := range ts.jobs {
		if job.state == jobPending {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	resolved := 0
	for _, id := range ids {
		job := ts.jobs[id]
		done, err := a.resolveJob(ctx, taskID, ts, job)
		if err != nil {
			return resolved, err
		}
		if done {
			resolved++
		}
	}
	return resolved, nil
}

func (a *Aggregator) resolveJob(ctx context.Context, taskID dap.TaskID, ts *taskState, job *collectJob) (bool, error) {
	keys, err := batchKeysForQuery(ts.descriptor, job.query)
	if err != nil {
		var problem *dap.Problem
		if errors.As(err, &problem) {
			job.state = jobFailed
			job.failure = problem
			metrics.IncCollectJobResolved(jobFailed)
			return true, nil
		}
		return false, err
	}

	count, agg, span, err := ts.windowTotals(keys)
	if err != nil {
		return false, fmt.Errorf("summing batch window: %w", err)
	}
	if count < ts.descriptor.MinBatchSize {
		return false, nil
	}

	collectorCfg, err := ts.descriptor.CollectorConfig()
	if err != nil {
		return false, err
	}
	aad, err := dap.AggShareAad(taskID, job.query)
	if err != nil {
		return false, err
	}
	leaderShare, err := hpke.Seal(collectorCfg, hpke.AggShareInfo(dap.RoleLeader), aad, agg)
	if err != nil {
		return false, fmt.Errorf("sealing leader aggregate share: %w", err)
	}

	shareReq := aggregateShareReq{
		TaskID:              taskID,
		Query:               job.query,
		ReportCount:         count,
		CollectorHpkeConfig: ts.descriptor.CollectorHpkeConfig,
	}
	var shareResp aggregateShareResp
	if err := a.postHelper(ctx, ts.descriptor, "/internal/aggregate_share", ts.descriptor.LeaderAuthToken, shareReq, &shareResp); err != nil {
		var problem *dap.Problem
		if errors.As(err, &problem) {
			// the helper disagrees about the batch; that is terminal
			job.state = jobFailed
			job.failure = problem
			metrics.IncCollectJobResolved(jobFailed)
			a.log.Warn("collection job failed", "job_id", job.id, "err", problem.Error())
			return true, nil
		}
		// transient; leave the job pending for the next sweep
		return false, fmt.Errorf("fetching helper aggregate share: %w", err)
	}

	var helperShare dap.HpkeCiphertext
	if err := helperShare.UnmarshalBinary(shareResp.EncryptedAggregateShare); err != nil {
		return false, fmt.Errorf("parsing helper aggregate share: %w", err)
	}

	interval := span
	if job.query.BatchInterval != nil {
		interval = *job.query.BatchInterval
	}
	collection := dap.Collection{
		ReportCount:        count,
		Interval:           interval,
		EncryptedAggShares: []dap.HpkeCiphertext{leaderShare, helperShare},
	}
	encoded, err := collection.MarshalBinary()
	if err != nil {
		return false, fmt.Errorf("encoding collection: %w", err)
	}

	job.state = jobComplete
	job.collection = encoded
	metrics.IncCollectJobResolved(jobComplete)
	a.log.Info("collection job complete", "job_id", job.id, "report_count", count)
	return true, nil
}

// AcceptAggregate ingests shares the leader forwarded. Entries already seen
// are skipped so a retried forward cannot double-count.
func (a *Aggregator) AcceptAggregate(req aggregateReq) error {
	if a.role != dap.RoleNameHelper {
		return dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest, "only the helper accepts forwarded shares")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ts, ok := a.tasks[req.TaskID]
	if !ok {
		return dap.NewProblem(dap.ErrorUnrecognizedTask, http.StatusBadRequest, fmt.Sprintf("no task %s", req.TaskID))
	}

	for _, entry := range req.Reports {
		if ts.seen[entry.ReportID] {
			continue
		}
		var ct dap.HpkeCiphertext
		if err := ct.UnmarshalBinary(entry.EncryptedShare); err != nil {
			return a.reject(dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest, err.Error()))
		}
		rc, ok := a.receiverFor(ct.ConfigID)
		if !ok {
			return a.reject(dap.NewProblem(dap.ErrorOutdatedConfig, http.StatusBadRequest,
				fmt.Sprintf("no HPKE config with ID %d", ct.ConfigID)))
		}
		md := dap.ReportMetadata{ID: entry.ReportID, Time: entry.Time}
		aad := dap.ReportAad(req.TaskID, md, entry.PublicShare)
		seed, err := rc.Open(ct, hpke.InputShareInfo(dap.RoleHelper), aad)
		if err != nil {
			return a.reject(dap.NewProblem(dap.ErrorReportRejected, http.StatusBadRequest,
				fmt.Sprintf("cannot open share for report %s: %v", entry.ReportID, err)))
		}
		share, err := ts.vdaf.ExpandSeed(seed, entry.ReportID[:])
		if err != nil {
			return a.reject(dap.NewProblem(dap.ErrorReportRejected, http.StatusBadRequest, err.Error()))
		}
		if err := ts.accumulate(entry.Batch, entry.Time, share); err != nil {
			return fmt.Errorf("accumulating helper share: %w", err)
		}
		ts.seen[entry.ReportID] = true
		metrics.IncReportStored(a.role)
	}
	return nil
}

// BuildAggregateShare answers the leader's collect-time request with this
// role's sealed aggregate share for the window.
func (a *Aggregator) BuildAggregateShare(req aggregateShareReq) (aggregateShareResp, error) {
	var resp aggregateShareResp
	if a.role != dap.RoleNameHelper {
		return resp, dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest, "only the helper serves aggregate shares")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ts, ok := a.tasks[req.TaskID]
	if !ok {
		return resp, dap.NewProblem(dap.ErrorUnrecognizedTask, http.StatusBadRequest, fmt.Sprintf("no task %s", req.TaskID))
	}
	keys, err := batchKeysForQuery(ts.descriptor, req.Query)
	if err != nil {
		return resp, err
	}
	count, agg, _, err := ts.windowTotals(keys)
	if err != nil {
		return resp, fmt.Errorf("summing batch window: %w", err)
	}
	if count != req.ReportCount {
		return resp, dap.NewProblem(dap.ErrorBatchMismatch, http.StatusBadRequest,
			fmt.Sprintf("leader reports %d reports in the window, helper has %d", req.ReportCount, count))
	}

	var collectorCfg dap.HpkeConfig
	if err := collectorCfg.UnmarshalBinary(req.CollectorHpkeConfig); err != nil {
		return resp, dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest,
			fmt.Sprintf("collector HPKE config: %v", err))
	}
	aad, err := dap.AggShareAad(req.TaskID, req.Query)
	if err != nil {
		return resp, err
	}
	sealed, err := hpke.Seal(collectorCfg, hpke.AggShareInfo(dap.RoleHelper), aad, agg)
	if err != nil {
		return resp, fmt.Errorf("sealing helper aggregate share: %w", err)
	}
	encoded, err := sealed.MarshalBinary()
	if err != nil {
		return resp, err
	}
	resp = aggregateShareResp{ReportCount: count, EncryptedAggregateShare: encoded}
	return resp, nil
}

// postHelper sends one JSON request to the helper's internal API. Problem
// documents come back as *dap.Problem errors; anything else is a transport
// error.
func (a *Aggregator) postHelper(ctx context.Context, td *dap.TaskDescriptor, path, token string, body, out any) error {
	u, err := url.Parse(td.Helper)
	if err != nil {
		return fmt.Errorf("helper URL %q: %w", td.Helper, err)
	}
	u = u.JoinPath(path)

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(dap.AuthHeader, token)

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", u, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("POST %s: %w", u, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if p := dap.ParseProblem(resp.Header.Get("Content-Type"), respBody); p != nil {
			return fmt.Errorf("POST %s: %w", u, p)
		}
		return fmt.Errorf("POST %s: unexpected status %d", u, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("POST %s: parsing response: %w", u, err)
		}
	}
	return nil
}
