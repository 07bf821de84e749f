package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// Counter names follow the aggregator's vocabulary: uploads store reports,
// sweeps drain them, and collection jobs resolve inside sweeps.

// IncReportStored counts one accepted report share.
func IncReportStored(role string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`daphne_reports_stored_total{role=%q}`, role)).Inc()
}

// IncReportRejected counts one refused report share by rejection reason.
func IncReportRejected(role, reason string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`daphne_reports_rejected_total{role=%q,reason=%q}`, role, reason)).Inc()
}

// IncSweep counts one finished aggregation sweep.
func IncSweep() {
	metrics.GetOrCreateCounter(`daphne_sweeps_total`).Inc()
}

// AddReportsSwept adds the reports one sweep drained.
func AddReportsSwept(n int) {
	metrics.GetOrCreateCounter(`daphne_sweep_reports_total`).Add(n)
}

// IncCollectJobCreated counts one opened collection job.
func IncCollectJobCreated() {
	metrics.GetOrCreateCounter(`daphne_collect_jobs_created_total`).Inc()
}

// IncCollectJobResolved counts one collection job reaching a terminal state.
func IncCollectJobResolved(state string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`daphne_collect_jobs_resolved_total{state=%q}`, state)).Inc()
}
