// Package dap defines the wire-level vocabulary of the Distributed
// Aggregation Protocol (DAP) that the harness and the mock aggregator pair
// exchange.
//
// The package covers only the messages the end-to-end flow touches:
//
//   - opaque identifiers (task, batch, report) with their base64url text form
//   - HPKE configuration and ciphertext containers
//   - the Report submitted by clients
//   - collection queries and the Collection result payload
//   - RFC 7807 problem documents with the DAP error URNs
//
// Binary messages use the TLS presentation-language conventions: fixed-width
// big-endian integers, u16 length prefixes for short opaque fields and u32
// prefixes for potentially large ones. Types implement MarshalBinary and
// UnmarshalBinary; decoders reject truncated input and trailing bytes.
//
// Bearer credentials travel in the DAP-Auth-Token header, not Authorization.
package dap
