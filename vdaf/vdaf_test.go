package vdaf

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

// runPipeline shards each measurement, aggregates both sides the way the
// leader and helper would, and unshards the combined result.
func runPipeline(t *testing.T, v Vdaf, measurements []uint64) (uint64, error) {
	t.Helper()

	leaderAgg := v.AggregateInit()
	helperAgg := v.AggregateInit()

	for i, m := range measurements {
		reportID := []byte{byte(i), 0x42}

		leaderShare, helperSeed, err := v.Shard(m, reportID)
		require.NoError(t, err)

		leaderAgg, err = v.AggregateUpdate(leaderAgg, leaderShare)
		require.NoError(t, err)

		helperShare, err := v.ExpandSeed(helperSeed, reportID)
		require.NoError(t, err)
		helperAgg, err = v.AggregateUpdate(helperAgg, helperShare)
		require.NoError(t, err)
	}

	return v.Unshard(leaderAgg, helperAgg, uint64(len(measurements)))
}

func TestSumPipeline(t *testing.T) {
	sum, err := NewSum(8)
	require.NoError(t, err)

	got, err := runPipeline(t, sum, []uint64{42, 42})
	require.NoError(t, err)
	require.Equal(t, uint64(84), got)
}

func TestSumSingleMeasurement(t *testing.T) {
	sum, err := NewSum(16)
	require.NoError(t, err)

	got, err := runPipeline(t, sum, []uint64{65535})
	require.NoError(t, err)
	require.Equal(t, uint64(65535), got)
}

func TestSumRejectsOutOfRangeMeasurement(t *testing.T) {
	sum, err := NewSum(8)
	require.NoError(t, err)

	_, _, err = sum.Shard(256, []byte{0x01})
	require.ErrorContains(t, err, "8-bit range")

	_, _, err = sum.Shard(255, []byte{0x01})
	require.NoError(t, err)
}

func TestUnshardDetectsParameterMismatch(t *testing.T) {
	wide, err := NewSum(8)
	require.NoError(t, err)

	leaderAgg := wide.AggregateInit()
	helperAgg := wide.AggregateInit()
	for i, m := range []uint64{42, 42} {
		reportID := []byte{byte(i)}
		leaderShare, helperSeed, err := wide.Shard(m, reportID)
		require.NoError(t, err)
		leaderAgg, err = wide.AggregateUpdate(leaderAgg, leaderShare)
		require.NoError(t, err)
		helperShare, err := wide.ExpandSeed(helperSeed, reportID)
		require.NoError(t, err)
		helperAgg, err = wide.AggregateUpdate(helperAgg, helperShare)
		require.NoError(t, err)
	}

	// a different bit width changes the share width, so decoding must fail
	// in both directions
	narrow, err := NewSum(1)
	require.NoError(t, err)
	_, err = narrow.Unshard(leaderAgg, helperAgg, 2)
	require.ErrorContains(t, err, "field elements")

	wider, err := NewSum(16)
	require.NoError(t, err)
	_, err = wider.Unshard(leaderAgg, helperAgg, 2)
	require.ErrorContains(t, err, "field elements")

	// matching width with an implausible per-bit count is rejected too
	one, err := NewSum(1)
	require.NoError(t, err)
	three := encodeVector([]*big.Int{big.NewInt(3)})
	_, err = one.Unshard(three, one.AggregateInit(), 2)
	require.ErrorContains(t, err, "exceeds")
}

func TestSeedExpansionDeterministic(t *testing.T) {
	sum, err := NewSum(8)
	require.NoError(t, err)

	seed := make([]byte, SeedSize)
	seed[0] = 0xaa

	a, err := sum.ExpandSeed(seed, []byte("report-1"))
	require.NoError(t, err)
	b, err := sum.ExpandSeed(seed, []byte("report-1"))
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := sum.ExpandSeed(seed, []byte("report-2"))
	require.NoError(t, err)
	require.NotEqual(t, a, c, "different reports must expand to different shares")

	_, err = sum.ExpandSeed(seed[:8], []byte("report-1"))
	require.Error(t, err)
}

func TestCount(t *testing.T) {
	got, err := runPipeline(t, Count{}, []uint64{1, 0, 1, 1})
	require.NoError(t, err)
	require.Equal(t, uint64(3), got)

	_, _, err = Count{}.Shard(2, []byte{0x01})
	require.ErrorContains(t, err, "0 or 1")
}

func TestNewFromDescriptor(t *testing.T) {
	v, err := New("Prio3Sum", "8")
	require.NoError(t, err)
	require.Equal(t, "Prio3Sum", v.Type())

	v, err = New("Prio3Count", "")
	require.NoError(t, err)
	require.Equal(t, "Prio3Count", v.Type())

	_, err = New("Prio3Sum", "")
	require.Error(t, err)
	_, err = New("Prio3Sum", "0")
	require.Error(t, err)
	_, err = New("Prio3Sum", "65")
	require.Error(t, err)
	_, err = New("Prio3Count", "8")
	require.Error(t, err)
	_, err = New("Prio3Histogram", "4")
	require.Error(t, err)
}

func TestShareEncoding(t *testing.T) {
	shares, seed, err := Sum{Bits: 8}.Shard(7, []byte{0x01})
	require.NoError(t, err)
	require.Len(t, shares, 8*ElementSize)
	require.Len(t, seed, SeedSize)

	_, err = decodeVector(make([]byte, ElementSize), 2)
	require.ErrorContains(t, err, "field elements")

	_, err = decodeElement(make([]byte, ElementSize-1))
	require.Error(t, err)

	// all-ones exceeds the field order
	tooBig := make([]byte, ElementSize)
	for i := range tooBig {
		tooBig[i] = 0xff
	}
	_, err = decodeElement(tooBig)
	require.ErrorContains(t, err, "out of range")
}
