// Package hpke wraps the RFC 9180 implementation from
// github.com/cloudflare/circl for the single-shot, base-mode exchanges DAP
// uses: clients seal report input shares to the aggregators, and aggregators
// seal aggregate shares to the collector.
//
// The package ties key material to the dap wire types: public halves are
// dap.HpkeConfig values, and ReceiverConfig adds the private key in a
// JSON form suitable for a collector's on-disk private config file or an
// aggregator's test provisioning route. Private configs are never sent over
// DAP-facing endpoints.
package hpke
