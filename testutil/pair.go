package testutil

import (
	"io"
	"log/slog"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"

	"github.com/thibmeu/daphne/aggregator"
	"github.com/thibmeu/daphne/api/httpserver"
	"github.com/thibmeu/daphne/dap"
)

// PairOption adjusts the aggregator pair before it starts serving.
type PairOption func(*pairConfig)

type pairConfig struct {
	sweepQuota int
	log        *slog.Logger
}

// WithSweepQuota caps how many parked reports each leader process call
// drains, so a run needs several triggers before its job resolves.
func WithSweepQuota(n int) PairOption {
	return func(cfg *pairConfig) { cfg.sweepQuota = n }
}

// WithLog routes both aggregators' logging. The default discards it.
func WithLog(log *slog.Logger) PairOption {
	return func(cfg *pairConfig) { cfg.log = log }
}

// Pair is an in-process leader and helper serving every route a deployed
// aggregator would, with the leader pointed at the helper.
type Pair struct {
	Leader *aggregator.Aggregator
	Helper *aggregator.Aggregator

	// LeaderURL and HelperURL include the version prefix, ready to use as
	// task endpoints.
	LeaderURL string
	HelperURL string

	leaderSrv *httptest.Server
	helperSrv *httptest.Server
}

// StartPair boots a leader and a helper on loopback listeners. Callers own
// the pair and must Close it.
func StartPair(options ...PairOption) (*Pair, error) {
	cfg := pairConfig{
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range options {
		opt(&cfg)
	}

	helper, err := aggregator.New(aggregator.Config{
		Role: dap.RoleNameHelper,
		Log:  cfg.log,
	})
	if err != nil {
		return nil, err
	}
	helperSrv := httptest.NewServer(routerFor(helper))

	leader, err := aggregator.New(aggregator.Config{
		Role:       dap.RoleNameLeader,
		SweepQuota: cfg.sweepQuota,
		Log:        cfg.log,
	})
	if err != nil {
		helperSrv.Close()
		return nil, err
	}
	leaderSrv := httptest.NewServer(routerFor(leader))

	return &Pair{
		Leader:    leader,
		Helper:    helper,
		LeaderURL: leaderSrv.URL + httpserver.DefaultBasePath,
		HelperURL: helperSrv.URL + httpserver.DefaultBasePath,
		leaderSrv: leaderSrv,
		helperSrv: helperSrv,
	}, nil
}

func routerFor(agg *aggregator.Aggregator) chi.Router {
	r := chi.NewRouter()
	httpserver.NewAggregatorHandler(agg, httpserver.DefaultBasePath).RegisterRoutes(r)
	return r
}

// Close shuts both servers down.
func (p *Pair) Close() {
	p.leaderSrv.Close()
	p.helperSrv.Close()
}
