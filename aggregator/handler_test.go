package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/thibmeu/daphne/client"
	"github.com/thibmeu/daphne/dap"
	"github.com/thibmeu/daphne/hpke"
	"github.com/thibmeu/daphne/vdaf"
)

// Wall clock pinned for every pair test so report buckets are deterministic:
// 1700003600 truncates to the 1700002800 hour bucket.
var (
	testNow    = time.Unix(1700003600, 0)
	testBucket = dap.Time(1700002800)
)

// noRedirect does not follow the 303 a collect creation answers with; the
// Location header is the job handle and must be polled with POST.
var noRedirect = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// testServer mounts one aggregator under /v09 the way the real binary does.
func testServer(t *testing.T, role string, quota int) (*Aggregator, string) {
	t.Helper()
	agg, err := New(Config{Role: role, SweepQuota: quota, Log: testLogger()})
	require.NoError(t, err)
	router := chi.NewRouter()
	router.Route("/v09", func(r chi.Router) {
		NewHandler(agg, "/v09").RegisterRoutes(r)
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return agg, srv.URL
}

type pair struct {
	leader     *Aggregator
	helper     *Aggregator
	leaderBase string // server URL without the version path
	leaderURL  string // server URL including /v09
	helperURL  string

	leaderCfg *hpke.ReceiverConfig
	helperCfg *hpke.ReceiverConfig
	collector *hpke.ReceiverConfig
	task      *dap.TaskDescriptor
}

func newPair(t *testing.T, quota int, opts ...taskOption) *pair {
	t.Helper()

	leader, leaderBase := testServer(t, dap.RoleNameLeader, quota)
	helper, helperBase := testServer(t, dap.RoleNameHelper, 0)

	leaderCfg, err := hpke.Generate(1)
	require.NoError(t, err)
	helperCfg, err := hpke.Generate(2)
	require.NoError(t, err)
	collector, err := hpke.Generate(3)
	require.NoError(t, err)
	require.NoError(t, leader.AddReceiverConfig(*leaderCfg))
	require.NoError(t, helper.AddReceiverConfig(*helperCfg))

	task := newLeaderTask(t, leaderBase+"/v09", helperBase+"/v09", collector.Config, opts...)
	require.NoError(t, leader.AddTask(task))
	require.NoError(t, helper.AddTask(task.HelperView()))

	return &pair{
		leader:     leader,
		helper:     helper,
		leaderBase: leaderBase,
		leaderURL:  leaderBase + "/v09",
		helperURL:  helperBase + "/v09",
		leaderCfg:  leaderCfg,
		helperCfg:  helperCfg,
		collector:  collector,
		task:       task,
	}
}

// upload runs the real client against the pair with the pinned clock.
func (p *pair) upload(t *testing.T, measurement uint64) dap.ReportID {
	t.Helper()
	c := client.New(client.Config{Log: testLogger(), Now: func() time.Time { return testNow }})
	id, err := c.Upload(context.Background(), p.task, measurement)
	require.NoError(t, err)
	return id
}

func (p *pair) createJob(t *testing.T, query dap.Query, token string) *http.Response {
	t.Helper()
	body, err := json.Marshal(dap.CollectionReq{TaskID: p.task.TaskID, Query: query})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, p.leaderURL+"/collect", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", dap.MediaTypeCollectReq)
	if token != "" {
		req.Header.Set(dap.AuthHeader, token)
	}
	resp, err := noRedirect.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (p *pair) pollJob(t *testing.T, location, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, p.leaderBase+location, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set(dap.AuthHeader, token)
	}
	resp, err := noRedirect.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (p *pair) process(t *testing.T) SweepResult {
	t.Helper()
	resp, err := http.Post(p.leaderURL+"/internal/process", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out SweepResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (p *pair) currentBatch(t *testing.T) dap.BatchID {
	t.Helper()
	resp, err := http.Get(p.leaderURL + "/internal/current_batch/task/" + p.task.TaskID.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		BatchID string `json:"batch_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	id, err := dap.ParseBatchID(out.BatchID)
	require.NoError(t, err)
	return id
}

// openCollection decrypts both aggregate shares and recombines the sum.
func (p *pair) openCollection(t *testing.T, resp *http.Response, query dap.Query) (dap.Collection, uint64) {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, dap.MediaTypeCollection, resp.Header.Get("Content-Type"))

	body := new(bytes.Buffer)
	_, err := body.ReadFrom(resp.Body)
	require.NoError(t, err)
	var coll dap.Collection
	require.NoError(t, coll.UnmarshalBinary(body.Bytes()))

	aad, err := dap.AggShareAad(p.task.TaskID, query)
	require.NoError(t, err)
	leaderAgg, err := p.collector.Open(coll.EncryptedAggShares[0], hpke.AggShareInfo(dap.RoleLeader), aad)
	require.NoError(t, err)
	helperAgg, err := p.collector.Open(coll.EncryptedAggShares[1], hpke.AggShareInfo(dap.RoleHelper), aad)
	require.NoError(t, err)

	v, err := vdaf.New(p.task.Vdaf.Type, p.task.Vdaf.Bits)
	require.NoError(t, err)
	sum, err := v.Unshard(leaderAgg, helperAgg, coll.ReportCount)
	require.NoError(t, err)
	return coll, sum
}

func readProblem(t *testing.T, resp *http.Response) *dap.Problem {
	t.Helper()
	body := new(bytes.Buffer)
	_, err := body.ReadFrom(resp.Body)
	require.NoError(t, err)
	p := dap.ParseProblem(resp.Header.Get("Content-Type"), body.Bytes())
	require.NotNil(t, p, "expected a problem document, got %q", body.String())
	return p
}

func TestPairFixedSizeCollect(t *testing.T) {
	p := newPair(t, 0, withQueryType(dap.QueryTypeFixedSize), withBatchSizes(2, 10))

	p.upload(t, 42)
	p.upload(t, 42)
	require.Equal(t, 2, p.leader.PendingReports(p.task.TaskID))

	batchID := p.currentBatch(t)
	query := dap.FixedSizeQuery(batchID)

	resp := p.createJob(t, query, p.task.CollectorAuthToken)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	location := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(location, "/v09/collect/task/"+p.task.TaskID.String()+"/req/"), location)

	// nothing has been aggregated yet, so the job must still be pending
	poll := p.pollJob(t, location, p.task.CollectorAuthToken)
	require.Equal(t, http.StatusAccepted, poll.StatusCode)

	sweep := p.process(t)
	require.Equal(t, 2, sweep.ReportsSwept)
	require.Equal(t, 1, sweep.JobsResolved)
	require.Equal(t, 0, p.leader.PendingReports(p.task.TaskID))

	done := p.pollJob(t, location, p.task.CollectorAuthToken)
	coll, sum := p.openCollection(t, done, query)
	require.Equal(t, uint64(2), coll.ReportCount)
	require.Equal(t, uint64(84), sum)
	require.Equal(t, dap.Interval{Start: testBucket, Duration: 3600}, coll.Interval)
}

func TestPairTimeIntervalCollect(t *testing.T) {
	p := newPair(t, 0)

	p.upload(t, 17)
	p.upload(t, 25)

	query := dap.TimeIntervalQuery(dap.Interval{Start: testBucket, Duration: 3600})
	resp := p.createJob(t, query, p.task.CollectorAuthToken)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	location := resp.Header.Get("Location")

	p.process(t)

	done := p.pollJob(t, location, p.task.CollectorAuthToken)
	coll, sum := p.openCollection(t, done, query)
	require.Equal(t, uint64(2), coll.ReportCount)
	require.Equal(t, uint64(42), sum)

	// a time-interval collection reports the queried window back
	require.Equal(t, *query.BatchInterval, coll.Interval)
}

func TestSweepQuotaNeedsRepeatedProcessing(t *testing.T) {
	p := newPair(t, 1)

	p.upload(t, 42)
	p.upload(t, 42)

	query := dap.TimeIntervalQuery(dap.Interval{Start: testBucket, Duration: 3600})
	resp := p.createJob(t, query, p.task.CollectorAuthToken)
	location := resp.Header.Get("Location")

	// first sweep drains one report; the window is not drained, so the job
	// cannot resolve yet
	sweep := p.process(t)
	require.Equal(t, 1, sweep.ReportsSwept)
	require.Equal(t, 0, sweep.JobsResolved)
	poll := p.pollJob(t, location, p.task.CollectorAuthToken)
	require.Equal(t, http.StatusAccepted, poll.StatusCode)

	sweep = p.process(t)
	require.Equal(t, 1, sweep.ReportsSwept)
	require.Equal(t, 1, sweep.JobsResolved)

	done := p.pollJob(t, location, p.task.CollectorAuthToken)
	coll, sum := p.openCollection(t, done, query)
	require.Equal(t, uint64(2), coll.ReportCount)
	require.Equal(t, uint64(84), sum)
}

func TestCollectAuthDistinctFromPending(t *testing.T) {
	p := newPair(t, 0)
	query := dap.TimeIntervalQuery(dap.Interval{Start: testBucket, Duration: 3600})

	// creation without a token
	resp := p.createJob(t, query, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	problem := readProblem(t, resp)
	require.Equal(t, dap.ErrorUnauthorizedRequest, problem.Type)
	require.Equal(t, p.task.TaskID.String(), problem.TaskID)

	// creation with the wrong token
	resp = p.createJob(t, query, "not-the-collector")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, dap.ErrorUnauthorizedRequest, readProblem(t, resp).Type)

	// a real job, then the same two failures when polling it
	resp = p.createJob(t, query, p.task.CollectorAuthToken)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	location := resp.Header.Get("Location")

	poll := p.pollJob(t, location, "")
	require.Equal(t, http.StatusUnauthorized, poll.StatusCode)
	require.Equal(t, dap.ErrorUnauthorizedRequest, readProblem(t, poll).Type)

	poll = p.pollJob(t, location, "not-the-collector")
	require.Equal(t, http.StatusForbidden, poll.StatusCode)
	require.Equal(t, dap.ErrorUnauthorizedRequest, readProblem(t, poll).Type)

	poll = p.pollJob(t, location, p.task.CollectorAuthToken)
	require.Equal(t, http.StatusAccepted, poll.StatusCode)
}

func TestUploadReplayOverHTTP(t *testing.T) {
	p := newPair(t, 0)
	report := makeReport(t, p.task, p.leaderCfg.Config, p.helperCfg.Config, 7, dap.Time(testNow.Unix()))
	encoded, err := report.MarshalBinary()
	require.NoError(t, err)

	post := func() *http.Response {
		resp, err := http.Post(p.leaderURL+"/upload", dap.MediaTypeReport, bytes.NewReader(encoded))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	require.Equal(t, http.StatusOK, post().StatusCode)

	dup := post()
	require.Equal(t, http.StatusBadRequest, dup.StatusCode)
	require.Equal(t, dap.ErrorReplayedReport, readProblem(t, dup).Type)
}

func TestHelperInternalRoutesRequireLeaderToken(t *testing.T) {
	p := newPair(t, 0)
	body, err := json.Marshal(aggregateReq{TaskID: p.task.TaskID})
	require.NoError(t, err)

	post := func(token string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, p.helperURL+"/internal/aggregate", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set(dap.AuthHeader, token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post("")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, dap.ErrorUnauthorizedRequest, readProblem(t, resp).Type)

	resp = post("not-the-leader")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = post(p.task.LeaderAuthToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the collection surface is not mounted on the helper at all
	missing, err := http.Post(p.helperURL+"/collect", dap.MediaTypeCollectReq, nil)
	require.NoError(t, err)
	defer missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestBatchMismatchFailsJob(t *testing.T) {
	p := newPair(t, 0)

	p.upload(t, 42)
	p.upload(t, 42)

	// slip the helper an extra share the leader never saw, so the counts
	// disagree at collect time
	extraID, err := dap.NewReportID()
	require.NoError(t, err)
	seed := make([]byte, vdaf.SeedSize)
	md := dap.ReportMetadata{ID: extraID, Time: testBucket}
	aad := dap.ReportAad(p.task.TaskID, md, nil)
	ct, err := hpke.Seal(p.helperCfg.Config, hpke.InputShareInfo(dap.RoleHelper), aad, seed)
	require.NoError(t, err)
	ctBytes, err := ct.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, p.helper.AcceptAggregate(aggregateReq{
		TaskID: p.task.TaskID,
		Reports: []aggregateEntry{{
			ReportID:       extraID,
			Time:           testBucket,
			Batch:          batchKeyForTime(testBucket),
			EncryptedShare: ctBytes,
		}},
	}))

	query := dap.TimeIntervalQuery(dap.Interval{Start: testBucket, Duration: 3600})
	resp := p.createJob(t, query, p.task.CollectorAuthToken)
	location := resp.Header.Get("Location")

	sweep := p.process(t)
	require.Equal(t, 2, sweep.ReportsSwept)
	require.Equal(t, 1, sweep.JobsResolved)

	failed := p.pollJob(t, location, p.task.CollectorAuthToken)
	require.Equal(t, http.StatusBadRequest, failed.StatusCode)
	require.Equal(t, dap.ErrorBatchMismatch, readProblem(t, failed).Type)
}

func TestClientRoutesAnswerCrossOrigin(t *testing.T) {
	p := newPair(t, 0)

	get, err := http.NewRequest(http.MethodGet, p.leaderURL+"/hpke_config", nil)
	require.NoError(t, err)
	get.Header.Set("Origin", "https://example.com")
	resp, err := http.DefaultClient.Do(get)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	// a browser preflights the upload POST before sending the report
	pre, err := http.NewRequest(http.MethodOptions, p.leaderURL+"/upload", nil)
	require.NoError(t, err)
	pre.Header.Set("Origin", "https://example.com")
	pre.Header.Set("Access-Control-Request-Method", http.MethodPost)
	pre.Header.Set("Access-Control-Request-Headers", "Content-Type")
	preResp, err := http.DefaultClient.Do(pre)
	require.NoError(t, err)
	defer preResp.Body.Close()
	require.Equal(t, http.StatusOK, preResp.StatusCode)
	require.Equal(t, "*", preResp.Header.Get("Access-Control-Allow-Origin"))

	// the auth header is not an allowed cross-origin header, so a
	// preflighted collect is refused
	col, err := http.NewRequest(http.MethodOptions, p.leaderURL+"/collect", nil)
	require.NoError(t, err)
	col.Header.Set("Origin", "https://example.com")
	col.Header.Set("Access-Control-Request-Method", http.MethodPost)
	col.Header.Set("Access-Control-Request-Headers", dap.AuthHeader)
	colResp, err := http.DefaultClient.Do(col)
	require.NoError(t, err)
	defer colResp.Body.Close()
	require.Empty(t, colResp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAdminProvisioningOverHTTP(t *testing.T) {
	agg, base := testServer(t, dap.RoleNameLeader, 0)
	url := base + "/v09"

	postJSON := func(path string, body any) *http.Response {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		resp, err := http.Post(url+path, "application/json", bytes.NewReader(encoded))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	ready, err := http.Post(url+"/internal/test/ready", "application/json", nil)
	require.NoError(t, err)
	defer ready.Body.Close()
	require.Equal(t, http.StatusOK, ready.StatusCode)

	rc, err := hpke.Generate(1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, postJSON("/internal/test/add_hpke_config", rc).StatusCode)
	// republishing the identical config succeeds
	require.Equal(t, http.StatusOK, postJSON("/internal/test/add_hpke_config", rc).StatusCode)

	collector, err := hpke.Generate(3)
	require.NoError(t, err)
	task := newLeaderTask(t, url, url, collector.Config)
	require.Equal(t, http.StatusOK, postJSON("/internal/test/add_task", task).StatusCode)
	require.Equal(t, http.StatusOK, postJSON("/internal/test/add_task", task).StatusCode)

	drifted := *task
	drifted.MinBatchSize = 9
	conflict := postJSON("/internal/test/add_task", &drifted)
	require.Equal(t, http.StatusBadRequest, conflict.StatusCode)
	require.Equal(t, dap.ErrorInvalidMessage, readProblem(t, conflict).Type)

	// delete_all wipes tasks and configs
	wipe, err := http.Post(url+"/internal/delete_all", "application/json", nil)
	require.NoError(t, err)
	defer wipe.Body.Close()
	require.Equal(t, http.StatusOK, wipe.StatusCode)
	require.Empty(t, agg.ConfigList())

	// and the identical provisioning sequence works again from scratch
	require.Equal(t, http.StatusOK, postJSON("/internal/test/add_hpke_config", rc).StatusCode)
	require.Equal(t, http.StatusOK, postJSON("/internal/test/add_task", task).StatusCode)
}
