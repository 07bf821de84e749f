package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/thibmeu/daphne/dap"
	"github.com/thibmeu/daphne/hpke"
	"github.com/thibmeu/daphne/vdaf"
)

// fakeAggregators serves hpke_config for both roles and captures uploads,
// standing in for a Leader/Helper pair.
type fakeAggregators struct {
	t         *testing.T
	leaderCfg *hpke.ReceiverConfig
	helperCfg *hpke.ReceiverConfig

	mu      sync.Mutex
	reports []dap.Report
}

func newFakeAggregators(t *testing.T) *fakeAggregators {
	t.Helper()

	leaderCfg, err := hpke.Generate(1)
	require.NoError(t, err)
	helperCfg, err := hpke.Generate(2)
	require.NoError(t, err)

	return &fakeAggregators{t: t, leaderCfg: leaderCfg, helperCfg: helperCfg}
}

func (f *fakeAggregators) start(t *testing.T) (leaderURL, helperURL string) {
	t.Helper()

	leader := chi.NewRouter()
	leader.Get("/v09/hpke_config", f.serveConfig(f.leaderCfg))
	leader.Post("/v09/upload", f.handleUpload)
	leaderSrv := httptest.NewServer(leader)
	t.Cleanup(leaderSrv.Close)

	helper := chi.NewRouter()
	helper.Get("/v09/hpke_config", f.serveConfig(f.helperCfg))
	helperSrv := httptest.NewServer(helper)
	t.Cleanup(helperSrv.Close)

	return leaderSrv.URL + "/v09", helperSrv.URL + "/v09"
}

func (f *fakeAggregators) serveConfig(rc *hpke.ReceiverConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(f.t, r.URL.Query().Get("task_id"))
		list, err := dap.EncodeConfigList([]dap.HpkeConfig{rc.Config})
		require.NoError(f.t, err)
		w.Header().Set("Content-Type", dap.MediaTypeHpkeConfigList)
		_, _ = w.Write(list)
	}
}

func (f *fakeAggregators) handleUpload(w http.ResponseWriter, r *http.Request) {
	require.Equal(f.t, dap.MediaTypeReport, r.Header.Get("Content-Type"))

	body, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)

	var report dap.Report
	require.NoError(f.t, report.UnmarshalBinary(body))

	f.mu.Lock()
	f.reports = append(f.reports, report)
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func testTask(t *testing.T, leaderURL, helperURL string) *dap.TaskDescriptor {
	t.Helper()

	taskID, err := dap.ParseTaskID("8TuT5Z5fAuutsX9DZWSqkUw6pzDl96d3tdsDJgWH2VY")
	require.NoError(t, err)

	collectorCfg, err := hpke.Generate(23)
	require.NoError(t, err)
	encCollector, err := collectorCfg.Config.MarshalBinary()
	require.NoError(t, err)

	return &dap.TaskDescriptor{
		TaskID:              taskID,
		Leader:              leaderURL,
		Helper:              helperURL,
		Vdaf:                dap.VdafSpec{Type: "Prio3Sum", Bits: "8"},
		LeaderAuthToken:     "I-am-the-leader",
		CollectorAuthToken:  "I-am-the-collector",
		Role:                dap.RoleNameLeader,
		VdafVerifyKey:       make(dap.Bytes, 16),
		QueryType:           dap.QueryTypeTimeInterval,
		MinBatchSize:        1,
		TimePrecision:       3600,
		CollectorHpkeConfig: encCollector,
		TaskExpiration:      dap.Time(time.Now().Add(time.Hour).Unix()),
	}
}

func TestUploadProducesDecryptableReport(t *testing.T) {
	fake := newFakeAggregators(t)
	leaderURL, helperURL := fake.start(t)
	task := testTask(t, leaderURL, helperURL)

	fixed := time.Unix(1700003600, 0)
	c := New(Config{Now: func() time.Time { return fixed }})

	reportID, err := c.Upload(context.Background(), task, 42)
	require.NoError(t, err)

	require.Len(t, fake.reports, 1)
	report := fake.reports[0]
	require.Equal(t, task.TaskID, report.TaskID)
	require.Equal(t, reportID, report.Metadata.ID)
	require.Equal(t, dap.Time(1700002800), report.Metadata.Time, "report time is truncated to the precision bucket")

	// both aggregators can recover their shares and they recombine to 42
	aad := dap.ReportAad(report.TaskID, report.Metadata, report.PublicShare)
	leaderShare, err := fake.leaderCfg.Open(report.EncryptedInputShares[0], hpke.InputShareInfo(dap.RoleLeader), aad)
	require.NoError(t, err)
	helperSeed, err := fake.helperCfg.Open(report.EncryptedInputShares[1], hpke.InputShareInfo(dap.RoleHelper), aad)
	require.NoError(t, err)

	v, err := vdaf.New("Prio3Sum", "8")
	require.NoError(t, err)
	helperShare, err := v.ExpandSeed(helperSeed, report.Metadata.ID[:])
	require.NoError(t, err)

	leaderAgg, err := v.AggregateUpdate(v.AggregateInit(), leaderShare)
	require.NoError(t, err)
	helperAgg, err := v.AggregateUpdate(v.AggregateInit(), helperShare)
	require.NoError(t, err)
	got, err := v.Unshard(leaderAgg, helperAgg, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(42), got)
}

func TestUploadsAreIndependent(t *testing.T) {
	fake := newFakeAggregators(t)
	leaderURL, helperURL := fake.start(t)
	task := testTask(t, leaderURL, helperURL)

	c := New(Config{})
	first, err := c.Upload(context.Background(), task, 42)
	require.NoError(t, err)
	second, err := c.Upload(context.Background(), task, 42)
	require.NoError(t, err)

	require.NotEqual(t, first, second, "each upload gets a fresh report ID")
	require.Len(t, fake.reports, 2)
	require.NotEqual(t,
		fake.reports[0].EncryptedInputShares[0].Payload,
		fake.reports[1].EncryptedInputShares[0].Payload,
		"equal measurements still produce unrelated ciphertexts",
	)
}

func TestUploadSurfacesRejection(t *testing.T) {
	fake := newFakeAggregators(t)

	leader := chi.NewRouter()
	leader.Get("/v09/hpke_config", fake.serveConfig(fake.leaderCfg))
	leader.Post("/v09/upload", func(w http.ResponseWriter, r *http.Request) {
		dap.WriteProblem(w, dap.NewProblem(dap.ErrorUnrecognizedTask, http.StatusBadRequest, "no such task"))
	})
	leaderSrv := httptest.NewServer(leader)
	t.Cleanup(leaderSrv.Close)

	helper := chi.NewRouter()
	helper.Get("/v09/hpke_config", fake.serveConfig(fake.helperCfg))
	helperSrv := httptest.NewServer(helper)
	t.Cleanup(helperSrv.Close)

	task := testTask(t, leaderSrv.URL+"/v09", helperSrv.URL+"/v09")
	c := New(Config{})

	_, err := c.Upload(context.Background(), task, 42)
	require.Error(t, err)

	var problem *dap.Problem
	require.True(t, errors.As(err, &problem), "rejections carry the problem document")
	require.True(t, problem.IsType(dap.ErrorUnrecognizedTask))
	require.Contains(t, err.Error(), "no such task")
}

func TestUploadSurfacesNetworkFailure(t *testing.T) {
	fake := newFakeAggregators(t)
	leaderURL, helperURL := fake.start(t)
	task := testTask(t, leaderURL, helperURL)

	// point the leader at a closed port
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	task.Leader = dead.URL + "/v09"

	c := New(Config{Timeout: time.Second})
	_, err := c.Upload(context.Background(), task, 42)
	require.Error(t, err)

	var problem *dap.Problem
	require.False(t, errors.As(err, &problem), "transport failures are not protocol rejections")
}

func TestUploadRejectsOutOfRangeMeasurement(t *testing.T) {
	fake := newFakeAggregators(t)
	leaderURL, helperURL := fake.start(t)
	task := testTask(t, leaderURL, helperURL)

	c := New(Config{})
	_, err := c.Upload(context.Background(), task, 300)
	require.ErrorContains(t, err, "8-bit range")
	require.Empty(t, fake.reports, "nothing reaches the wire")
}
