// Package aggregator implements an in-memory DAP aggregator, one instance
// per role, used as the test double the harness runs against.
//
// A Leader instance accepts uploads, sweeps pending reports on demand, and
// serves the collection API. A Helper instance accumulates the shares the
// Leader forwards and answers aggregate-share requests. Both roles expose
// the admin/test surface the harness provisions through:
//
//   - POST /internal/delete_all
//   - POST /internal/test/ready
//   - POST /internal/test/add_hpke_config
//   - POST /internal/test/add_task
//   - POST /internal/process            (leader)
//   - GET  /internal/current_batch/task/{task-id} (leader)
//
// Nothing persists across restarts and no VDAF proofs are checked; the point
// is faithful protocol sequencing, not production aggregation. Server-side
// processing is deliberately lazy: uploads only park reports, and every
// state advance happens inside an explicit process sweep, so clients observe
// the same eventual consistency a real deployment shows.
package aggregator
