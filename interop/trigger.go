package interop

import (
	"context"
	"encoding/json"
	"net/http"
)

// Trigger nudges the leader to run one aggregation sweep. The endpoint is
// idempotent under at-least-once delivery, so transport failures are safe
// to retry; a sweep that already moved everything just reports zero work.
type Trigger struct {
	cfg Config
	api *api
}

func NewTrigger(cfg Config, opts Options) *Trigger {
	return &Trigger{cfg: cfg, api: newAPI(cfg, opts)}
}

// SweepTelemetry summarizes what one sweep moved. It is informational: a
// deployment that returns nothing parseable still counts as triggered.
type SweepTelemetry struct {
	ReportsSwept int `json:"reports_swept"`
	JobsResolved int `json:"jobs_resolved"`
}

// Trigger posts one processing nudge to the leader. The request carries no
// body; any 2xx means the sweep ran.
func (t *Trigger) Trigger(ctx context.Context) (SweepTelemetry, error) {
	var tel SweepTelemetry
	endpoint, err := joinURL(t.cfg.Leader, "internal", "process")
	if err != nil {
		return tel, err
	}
	_, body, err := t.api.do(ctx, call{
		step:   "trigger",
		method: http.MethodPost,
		url:    endpoint,
		retry:  true,
	})
	if err != nil {
		return tel, err
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &tel); err != nil {
			t.api.log.Debug("sweep telemetry not parseable", "err", err)
		}
	}
	t.api.log.Info("triggered aggregation sweep",
		"reports_swept", tel.ReportsSwept, "jobs_resolved", tel.JobsResolved)
	return tel, nil
}
