package aggregator

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thibmeu/daphne/dap"
	"github.com/thibmeu/daphne/hpke"
	"github.com/thibmeu/daphne/metrics"
	"github.com/thibmeu/daphne/vdaf"
)

// maxQueryBuckets bounds how many time-precision buckets one collect query
// may span, so a hostile interval cannot make the aggregator enumerate
// forever.
const maxQueryBuckets = 100000

// Config parameterizes one aggregator instance.
type Config struct {
	// Role is dap.RoleNameLeader or dap.RoleNameHelper.
	Role string

	// SweepQuota caps how many pending reports one process call drains.
	// Zero means drain everything. A quota of one reproduces deployments
	// that need several sweeps before a collection job becomes satisfiable.
	SweepQuota int

	// HTTPClient carries leader-to-helper traffic. Defaults to a client
	// with a short timeout.
	HTTPClient *http.Client

	// Log receives per-request and per-sweep lines. Defaults to
	// slog.Default.
	Log *slog.Logger
}

// Aggregator holds one role's entire state behind a single mutex.
type Aggregator struct {
	role       string
	sweepQuota int
	http       *http.Client
	log        *slog.Logger

	mu      sync.RWMutex
	configs []hpke.ReceiverConfig
	tasks   map[dap.TaskID]*taskState
}

// storedReport is an upload waiting for a sweep.
type storedReport struct {
	report dap.Report
}

// batchState accumulates one batch's aggregate share for this role.
type batchState struct {
	count uint64
	agg   []byte

	// span covers the time buckets of the included reports, used to fill
	// the Collection interval for fixed-size queries.
	spanSet bool
	spanMin dap.Time
	spanMax dap.Time
}

type collectJob struct {
	id        string
	query     dap.Query
	createdAt time.Time

	state      string // "pending", "complete", "failed"
	failure    *dap.Problem
	collection []byte
}

const (
	jobPending  = "pending"
	jobComplete = "complete"
	jobFailed   = "failed"
)

type taskState struct {
	descriptor *dap.TaskDescriptor
	vdaf       vdaf.Vdaf

	pending []storedReport
	seen    map[dap.ReportID]bool
	batches map[string]*batchState

	// leader-only fixed-size bookkeeping
	currentBatch dap.BatchID

	// leader-only collection jobs by job ID
	jobs map[string]*collectJob
}

// New builds an aggregator for the given role.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Role != dap.RoleNameLeader && cfg.Role != dap.RoleNameHelper {
		return nil, fmt.Errorf("role must be %q or %q, got %q", dap.RoleNameLeader, dap.RoleNameHelper, cfg.Role)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		role:       cfg.Role,
		sweepQuota: cfg.SweepQuota,
		http:       httpClient,
		log:        log.With("role", cfg.Role),
		tasks:      make(map[dap.TaskID]*taskState),
	}, nil
}

// Role returns the instance's role name.
func (a *Aggregator) Role() string { return a.role }

// ResetAll drops every task, report, config and job. This is the test-only
// destructive reset the harness calls before provisioning.
func (a *Aggregator) ResetAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.configs = nil
	a.tasks = make(map[dap.TaskID]*taskState)
	a.log.Info("reset all state")
}

// AddReceiverConfig provisions an HPKE receiver config. Republishing the
// identical config is idempotent; reusing an ID for different key material
// is a conflict.
func (a *Aggregator) AddReceiverConfig(rc hpke.ReceiverConfig) error {
	if len(rc.Config.PublicKey) == 0 || len(rc.PrivateKey) == 0 {
		return dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest, "receiver config is missing key material")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.configs {
		if existing.Config.ID != rc.Config.ID {
			continue
		}
		if existing.Config.Equal(rc.Config) {
			return nil
		}
		return dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest,
			fmt.Sprintf("HPKE config with ID %d already exists", rc.Config.ID))
	}
	a.configs = append(a.configs, rc)
	a.log.Info("added HPKE config", "config_id", rc.Config.ID)
	return nil
}

// ConfigList returns the public configs, newest last.
func (a *Aggregator) ConfigList() []dap.HpkeConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	configs := make([]dap.HpkeConfig, 0, len(a.configs))
	for _, rc := range a.configs {
		configs = append(configs, rc.Config)
	}
	return configs
}

func (a *Aggregator) receiverFor(configID uint8) (hpke.ReceiverConfig, bool) {
	for _, rc := range a.configs {
		if rc.Config.ID == configID {
			return rc, true
		}
	}
	return hpke.ReceiverConfig{}, false
}

// AddTask registers a task. The descriptor must be addressed to this
// instance's role; an identical re-registration is idempotent.
func (a *Aggregator) AddTask(td *dap.TaskDescriptor) error {
	if err := td.Validate(); err != nil {
		return dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest, err.Error())
	}
	if td.Role != a.role {
		return dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest,
			fmt.Sprintf("descriptor role %q does not match aggregator role %q", td.Role, a.role))
	}
	v, err := vdaf.New(td.Vdaf.Type, td.Vdaf.Bits)
	if err != nil {
		return dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest, err.Error())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.tasks[td.TaskID]; ok {
		if existing.descriptor.Equal(td) {
			return nil
		}
		return dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest,
			fmt.Sprintf("task %s already exists with a different configuration", td.TaskID))
	}

	ts := &taskState{
		descriptor: td,
		vdaf:       v,
		seen:       make(map[dap.ReportID]bool),
		batches:    make(map[string]*batchState),
		jobs:       make(map[string]*collectJob),
	}
	if td.QueryType == dap.QueryTypeFixedSize && a.role == dap.RoleNameLeader {
		id, err := dap.NewBatchID()
		if err != nil {
			return fmt.Errorf("opening first batch: %w", err)
		}
		ts.currentBatch = id
	}
	a.tasks[td.TaskID] = ts
	a.log.Info("added task", "task_id", td.TaskID.String(), "vdaf", td.Vdaf.Type, "query_type", td.QueryType.String())
	return nil
}

// reject records a refused report share before handing the problem back.
func (a *Aggregator) reject(p *dap.Problem) error {
	metrics.IncReportRejected(a.role, p.Title)
	return p
}

// StoreReport validates an upload and parks it for the next sweep. Only the
// Leader accepts uploads.
func (a *Aggregator) StoreReport(report dap.Report) error {
	if a.role != dap.RoleNameLeader {
		return dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest, "helper does not accept uploads")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ts, ok := a.tasks[report.TaskID]
	if !ok {
		return a.reject(dap.NewProblem(dap.ErrorUnrecognizedTask, http.StatusBadRequest,
			fmt.Sprintf("no task %s", report.TaskID)))
	}
	if report.Metadata.Time >= ts.descriptor.TaskExpiration {
		return a.reject(dap.NewProblem(dap.ErrorReportRejected, http.StatusBadRequest,
			fmt.Sprintf("report time %d is after task expiration %d", report.Metadata.Time, ts.descriptor.TaskExpiration)))
	}
	if _, ok := a.receiverFor(report.EncryptedInputShares[0].ConfigID); !ok {
		return a.reject(dap.NewProblem(dap.ErrorOutdatedConfig, http.StatusBadRequest,
			fmt.Sprintf("no HPKE config with ID %d", report.EncryptedInputShares[0].ConfigID)))
	}
	if ts.seen[report.Metadata.ID] {
		return a.reject(dap.NewProblem(dap.ErrorReplayedReport, http.StatusBadRequest,
			fmt.Sprintf("report ID %s was already uploaded", report.Metadata.ID)))
	}

	ts.seen[report.Metadata.ID] = true
	ts.pending = append(ts.pending, storedReport{report: report})
	metrics.IncReportStored(a.role)
	a.log.Info("stored report",
		"task_id", report.TaskID.String(),
		"report_id", report.Metadata.ID.String(),
		"pending", len(ts.pending),
	)
	return nil
}

// PendingReports returns how many uploads still await a sweep.
func (a *Aggregator) PendingReports(taskID dap.TaskID) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ts, ok := a.tasks[taskID]
	if !ok {
		return 0
	}
	return len(ts.pending)
}

// CurrentBatch returns the Leader's open fixed-size batch for the task.
func (a *Aggregator) CurrentBatch(taskID dap.TaskID) (dap.BatchID, error) {
	var id dap.BatchID
	if a.role != dap.RoleNameLeader {
		return id, dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest, "only the leader tracks the current batch")
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	ts, ok := a.tasks[taskID]
	if !ok {
		return id, dap.NewProblem(dap.ErrorUnrecognizedTask, http.StatusBadRequest, fmt.Sprintf("no task %s", taskID))
	}
	if ts.descriptor.QueryType != dap.QueryTypeFixedSize {
		return id, dap.NewProblem(dap.ErrorBatchInvalid, http.StatusBadRequest,
			fmt.Sprintf("task %s is not a fixed-size task", taskID))
	}
	return ts.currentBatch, nil
}

// Batch keys name the accumulator a report lands in. Both aggregators derive
// identical keys so the Leader's forwarding and the Helper's accumulation
// line up.
func batchKeyForTime(t dap.Time) string   { return fmt.Sprintf("time:%d", uint64(t)) }
func batchKeyForID(id dap.BatchID) string { return "fixed:" + id.String() }

// batchKeysForQuery expands a resolved query into accumulator keys.
func batchKeysForQuery(td *dap.TaskDescriptor, q dap.Query) ([]string, error) {
	switch {
	case q.BatchID != nil:
		return []string{batchKeyForID(*q.BatchID)}, nil
	case q.BatchInterval != nil:
		iv := *q.BatchInterval
		if err := iv.Validate(td.TimePrecision); err != nil {
			return nil, dap.NewProblem(dap.ErrorBatchInvalid, http.StatusBadRequest, err.Error())
		}
		buckets := uint64(iv.Duration) / uint64(td.TimePrecision)
		if buckets > maxQueryBuckets {
			return nil, dap.NewProblem(dap.ErrorBatchInvalid, http.StatusBadRequest,
				fmt.Sprintf("query spans %d buckets, limit is %d", buckets, maxQueryBuckets))
		}
		keys := make([]string, 0, buckets)
		for b := uint64(0); b < buckets; b++ {
			keys = append(keys, batchKeyForTime(iv.Start+dap.Time(b*uint64(td.TimePrecision))))
		}
		return keys, nil
	default:
		return nil, dap.NewProblem(dap.ErrorBatchInvalid, http.StatusBadRequest, "query names no batch")
	}
}

// accumulate folds one recovered share into a batch.
func (ts *taskState) accumulate(key string, t dap.Time, share []byte) error {
	b, ok := ts.batches[key]
	if !ok {
		b = &batchState{agg: ts.vdaf.AggregateInit()}
		ts.batches[key] = b
	}
	agg, err := ts.vdaf.AggregateUpdate(b.agg, share)
	if err != nil {
		return err
	}
	b.agg = agg
	b.count++
	bucket := t.Truncate(ts.descriptor.TimePrecision)
	if !b.spanSet || bucket < b.spanMin {
		b.spanMin = bucket
	}
	if !b.spanSet || bucket > b.spanMax {
		b.spanMax = bucket
	}
	b.spanSet = true
	return nil
}

// windowTotals sums count and aggregate share over the query's batches.
func (ts *taskState) windowTotals(keys []string) (uint64, []byte, dap.Interval, error) {
	agg := ts.vdaf.AggregateInit()
	var count uint64
	var span batchState
	for _, key := range keys {
		b, ok := ts.batches[key]
		if !ok {
			continue
		}
		combined, err := ts.vdaf.AggregateUpdate(agg, b.agg)
		if err != nil {
			return 0, nil, dap.Interval{}, err
		}
		agg = combined
		count += b.count
		if b.spanSet {
			if !span.spanSet || b.spanMin < span.spanMin {
				span.spanMin = b.spanMin
			}
			if !span.spanSet || b.spanMax > span.spanMax {
				span.spanMax = b.spanMax
			}
			span.spanSet = true
		}
	}
	interval := dap.Interval{}
	if span.spanSet {
		interval = dap.Interval{
			Start:    span.spanMin,
			Duration: dap.Duration(uint64(span.spanMax-span.spanMin) + uint64(ts.descriptor.TimePrecision)),
		}
	}
	return count, agg, interval, nil
}

// CreateCollectionJob opens a collection job for a query and returns its ID.
// current_batch queries resolve to the Leader's open batch at creation time.
func (a *Aggregator) CreateCollectionJob(req dap.CollectionReq) (string, error) {
	if a.role != dap.RoleNameLeader {
		return "", dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest, "only the leader serves collection")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ts, ok := a.tasks[req.TaskID]
	if !ok {
		return "", dap.NewProblem(dap.ErrorUnrecognizedTask, http.StatusBadRequest, fmt.Sprintf("no task %s", req.TaskID))
	}

	query := req.Query
	switch ts.descriptor.QueryType {
	case dap.QueryTypeTimeInterval:
		if query.BatchInterval == nil {
			return "", dap.NewProblem(dap.ErrorBatchInvalid, http.StatusBadRequest,
				"time-interval task requires a batch_interval query")
		}
		if err := query.BatchInterval.Validate(ts.descriptor.TimePrecision); err != nil {
			return "", dap.NewProblem(dap.ErrorBatchInvalid, http.StatusBadRequest, err.Error())
		}
	case dap.QueryTypeFixedSize:
		if query.IsCurrentBatch() {
			query = dap.FixedSizeQuery(ts.currentBatch)
		}
		if query.BatchID == nil {
			return "", dap.NewProblem(dap.ErrorBatchInvalid, http.StatusBadRequest,
				"fixed-size task requires a batch_id or current_batch query")
		}
	}

	job := &collectJob{
		id:        uuid.NewString(),
		query:     query,
		createdAt: time.Now(),
		state:     jobPending,
	}
	ts.jobs[job.id] = job
	metrics.IncCollectJobCreated()
	a.log.Info("created collection job",
		"task_id", req.TaskID.String(),
		"job_id", job.id,
		"query", query.Type,
	)
	return job.id, nil
}

// JobState describes one poll's outcome.
type JobState struct {
	State      string
	Collection []byte
	Failure    *dap.Problem
}

// PollCollectionJob reports a job's current state.
func (a *Aggregator) PollCollectionJob(taskID dap.TaskID, jobID string) (JobState, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ts, ok := a.tasks[taskID]
	if !ok {
		return JobState{}, dap.NewProblem(dap.ErrorUnrecognizedTask, http.StatusBadRequest, fmt.Sprintf("no task %s", taskID))
	}
	job, ok := ts.jobs[jobID]
	if !ok {
		return JobState{}, dap.NewProblem(dap.ErrorUnrecognizedAggregationJob, http.StatusNotFound,
			fmt.Sprintf("no collection job %s for task %s", jobID, taskID))
	}
	return JobState{State: job.state, Collection: job.collection, Failure: job.failure}, nil
}

// CollectorToken returns the token collection requests must carry for the
// task, or empty when the task is unknown.
func (a *Aggregator) CollectorToken(taskID dap.TaskID) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ts, ok := a.tasks[taskID]
	if !ok {
		return ""
	}
	return ts.descriptor.CollectorAuthToken
}

// LeaderToken returns the token leader-to-helper requests must carry.
func (a *Aggregator) LeaderToken(taskID dap.TaskID) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ts, ok := a.tasks[taskID]
	if !ok {
		return ""
	}
	return ts.descriptor.LeaderAuthToken
}
