// Package vdaf provides the minimal aggregation math the end-to-end flow
// needs: additive secret sharing of sum and count measurements over a
// 128-bit prime field.
//
// A measurement is bit-decomposed and each bit splits into two field
// shares, so a share is a vector with one element per bit position and its
// width is fixed by the VDAF parameters. The helper's vector expands
// deterministically from a short seed, so the report only carries the seed;
// the leader's vector is the element-wise field difference. Each aggregator
// adds up its own vectors, and the collector recovers the aggregate by
// combining the two aggregate shares and weighting the positions by powers
// of two.
//
// Verifiability is deliberately absent: there is no proof generation or
// validation here, only the sharing and unsharding needed to move real
// numbers through the protocol.
package vdaf
