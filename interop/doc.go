// Package interop drives a full DAP exchange against a Leader/Helper pair:
// reset and provision, upload reports, nudge the Leader's aggregation sweep,
// open and poll a collection job, and decode the aggregate.
//
// The aggregators process asynchronously relative to the harness, so no call
// here assumes server-side work finished when the HTTP response came back.
// Every wait is condition-based with a timeout ceiling, and every failure is
// classified (network, auth, rejection, not-ready, decode) so callers know
// whether to retry, give up, or read the server's diagnostic.
package interop
