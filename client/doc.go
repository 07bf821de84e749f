// Package client implements the DAP client role: it turns one plaintext
// measurement into an encrypted Report and submits it to the Leader.
//
// Each upload fetches the aggregators' current HPKE configs, shards the
// measurement with the task's VDAF, seals the leader share to the leader
// config and the helper seed to the helper config, and posts the TLS-encoded
// Report to the Leader's upload endpoint. The Leader relays the helper's
// share; the client never talks to the Helper beyond fetching its config.
//
// Failures are always surfaced: a report either uploaded or it did not.
// Rejections carry the aggregator's problem document so callers can tell a
// malformed request from a transport failure.
package client
