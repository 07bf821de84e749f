package vdaf

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

// Vdaf shards one measurement into a leader share and a helper seed, and
// recombines aggregated shares into the final statistic. Implementations are
// stateless and safe for concurrent use.
type Vdaf interface {
	// Type is the descriptor name, e.g. "Prio3Sum".
	Type() string

	// Shard splits a measurement. The report ID binds the helper expansion
	// to one report so two reports with equal measurements still carry
	// unrelated shares.
	Shard(measurement uint64, reportID []byte) (leaderShare, helperSeed []byte, err error)

	// ExpandSeed recomputes the helper's share from the seed carried in a
	// report.
	ExpandSeed(seed, reportID []byte) ([]byte, error)

	// AggregateInit returns the zero aggregate share.
	AggregateInit() []byte

	// AggregateUpdate folds one share into an aggregate share.
	AggregateUpdate(agg, share []byte) ([]byte, error)

	// Unshard combines the two aggregate shares. Shares produced under
	// different parameters fail here, either on the share width or on the
	// per-position report-count bound, rather than combining into a
	// plausible-looking number.
	Unshard(leaderAgg, helperAgg []byte, reportCount uint64) (uint64, error)
}

// New constructs a Vdaf from the descriptor form used in task JSON, where
// bits is a decimal string ("8") and empty for types without a bit width.
func New(typ, bits string) (Vdaf, error) {
	switch typ {
	case "Prio3Sum":
		n, err := strconv.Atoi(bits)
		if err != nil {
			return nil, fmt.Errorf("Prio3Sum bits %q: %w", bits, err)
		}
		return NewSum(n)
	case "Prio3Count":
		if bits != "" {
			return nil, fmt.Errorf("Prio3Count takes no bits, got %q", bits)
		}
		return Count{}, nil
	default:
		return nil, fmt.Errorf("unsupported VDAF type %q", typ)
	}
}

// Sum aggregates measurements in [0, 2^Bits). A share is a vector of Bits
// field elements, one per bit position, so a share produced under a
// different bit width has a different length and does not decode.
type Sum struct {
	Bits int
}

// NewSum validates the bit width. Widths above 64 cannot round-trip through
// a uint64 measurement.
func NewSum(bits int) (Sum, error) {
	if bits < 1 || bits > 64 {
		return Sum{}, fmt.Errorf("sum bit width must be in [1,64], got %d", bits)
	}
	return Sum{Bits: bits}, nil
}

func (s Sum) Type() string { return "Prio3Sum" }

func (s Sum) Shard(measurement uint64, reportID []byte) ([]byte, []byte, error) {
	if measurement>>uint(s.Bits) != 0 {
		return nil, nil, fmt.Errorf("measurement %d exceeds %d-bit range", measurement, s.Bits)
	}

	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, nil, fmt.Errorf("generating share seed: %w", err)
	}
	helper, err := expandSeed(seed, reportID, s.Bits)
	if err != nil {
		return nil, nil, err
	}

	leader := make([]*big.Int, s.Bits)
	for i := range leader {
		bit := big.NewInt(int64((measurement >> uint(i)) & 1))
		leader[i] = fieldSubInplace(bit, helper[i])
	}
	return encodeVector(leader), seed, nil
}

func (s Sum) ExpandSeed(seed, reportID []byte) ([]byte, error) {
	v, err := expandSeed(seed, reportID, s.Bits)
	if err != nil {
		return nil, err
	}
	return encodeVector(v), nil
}

func (s Sum) AggregateInit() []byte {
	zero := make([]*big.Int, s.Bits)
	for i := range zero {
		zero[i] = big.NewInt(0)
	}
	return encodeVector(zero)
}

func (s Sum) AggregateUpdate(agg, share []byte) ([]byte, error) {
	a, err := decodeVector(agg, s.Bits)
	if err != nil {
		return nil, fmt.Errorf("aggregate share: %w", err)
	}
	b, err := decodeVector(share, s.Bits)
	if err != nil {
		return nil, fmt.Errorf("input share: %w", err)
	}
	for i := range a {
		fieldAddInplace(a[i], b[i])
	}
	return encodeVector(a), nil
}

// Unshard recombines the vectors and weights the positions by powers of two.
// Position i of the combined vector counts the reports with bit i set, so no
// position may exceed the report count.
func (s Sum) Unshard(leaderAgg, helperAgg []byte, reportCount uint64) (uint64, error) {
	l, err := decodeVector(leaderAgg, s.Bits)
	if err != nil {
		return 0, fmt.Errorf("leader aggregate share: %w", err)
	}
	h, err := decodeVector(helperAgg, s.Bits)
	if err != nil {
		return 0, fmt.Errorf("helper aggregate share: %w", err)
	}

	bound := new(big.Int).SetUint64(reportCount)
	total := new(big.Int)
	for i := range l {
		v := fieldAddInplace(l[i], h[i])
		if v.Cmp(bound) > 0 {
			return 0, fmt.Errorf("aggregate bit %d count %s exceeds %d reports", i, v, reportCount)
		}
		total.Add(total, new(big.Int).Lsh(v, uint(i)))
	}
	if !total.IsUint64() {
		return 0, fmt.Errorf("aggregate %s overflows uint64", total)
	}
	return total.Uint64(), nil
}

// Count aggregates {0,1} measurements; the aggregate is how many reports
// carried a 1.
type Count struct{}

func (Count) Type() string { return "Prio3Count" }

func (Count) Shard(measurement uint64, reportID []byte) ([]byte, []byte, error) {
	if measurement > 1 {
		return nil, nil, fmt.Errorf("count measurement must be 0 or 1, got %d", measurement)
	}
	return Sum{Bits: 1}.Shard(measurement, reportID)
}

func (Count) ExpandSeed(seed, reportID []byte) ([]byte, error) {
	return Sum{Bits: 1}.ExpandSeed(seed, reportID)
}

func (Count) AggregateInit() []byte {
	return Sum{Bits: 1}.AggregateInit()
}

func (Count) AggregateUpdate(agg, share []byte) ([]byte, error) {
	return Sum{Bits: 1}.AggregateUpdate(agg, share)
}

func (Count) Unshard(leaderAgg, helperAgg []byte, reportCount uint64) (uint64, error) {
	return Sum{Bits: 1}.Unshard(leaderAgg, helperAgg, reportCount)
}

const expandLabel = "daphne share expand"

// expandSeed stretches a seed into n field elements. HKDF keeps the
// expansion one-way so a leader share leaks nothing about the helper share
// without the seed.
func expandSeed(seed, reportID []byte, n int) ([]*big.Int, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("share seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	info := make([]byte, 0, len(expandLabel)+len(reportID))
	info = append(info, expandLabel...)
	info = append(info, reportID...)

	r := hkdf.New(sha256.New, seed, nil, info)
	out := make([]*big.Int, n)
	buf := make([]byte, 32)
	for i := range out {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("expanding share seed: %w", err)
		}
		out[i] = new(big.Int).Mod(new(big.Int).SetBytes(buf), fieldOrder)
	}
	return out, nil
}
