package vdaf

import (
	"fmt"
	"math/big"
)

// ElementSize is the encoded width of one field element in bytes. Elements
// travel little-endian inside shares and aggregates.
const ElementSize = 16

// SeedSize is the width of the seed the helper share expands from.
const SeedSize = 16

// fieldOrder is the 128-bit prime the sharing arithmetic runs in.
var fieldOrder *big.Int

func init() {
	fieldOrder, _ = big.NewInt(0).SetString("340282366920938462946865773367900766209", 10)
}

// fieldAddInplace performs modular addition in-place: l = (l + r) mod fieldOrder.
// The result is stored in l and also returned.
func fieldAddInplace(l *big.Int, r *big.Int) *big.Int {
	l.Add(l, r)
	if l.Cmp(fieldOrder) >= 0 {
		l.Sub(l, fieldOrder)
	}
	return l
}

// fieldSubInplace performs modular subtraction in-place: l = (l - r) mod fieldOrder.
// The result is stored in l and also returned.
func fieldSubInplace(l *big.Int, r *big.Int) *big.Int {
	l.Sub(l, r)
	if l.Sign() < 0 {
		l.Add(l, fieldOrder)
	}
	return l
}

// encodeElement serializes a reduced field element as ElementSize
// little-endian bytes.
func encodeElement(x *big.Int) []byte {
	out := make([]byte, ElementSize)
	be := x.Bytes()
	for i, b := range be {
		out[len(be)-1-i] = b
	}
	return out
}

// decodeElement parses a little-endian field element, rejecting wrong widths
// and values outside the field.
func decodeElement(data []byte) (*big.Int, error) {
	if len(data) != ElementSize {
		return nil, fmt.Errorf("field element must be %d bytes, got %d", ElementSize, len(data))
	}
	be := make([]byte, ElementSize)
	for i, b := range data {
		be[len(data)-1-i] = b
	}
	x := new(big.Int).SetBytes(be)
	if x.Cmp(fieldOrder) >= 0 {
		return nil, fmt.Errorf("field element out of range")
	}
	return x, nil
}

// encodeVector concatenates the elements' encodings.
func encodeVector(v []*big.Int) []byte {
	out := make([]byte, 0, len(v)*ElementSize)
	for _, x := range v {
		out = append(out, encodeElement(x)...)
	}
	return out
}

// decodeVector parses exactly n field elements. The length check is what
// makes shares produced under different VDAF parameters undecodable.
func decodeVector(data []byte, n int) ([]*big.Int, error) {
	if len(data) != n*ElementSize {
		return nil, fmt.Errorf("share must be %d field elements (%d bytes), got %d bytes",
			n, n*ElementSize, len(data))
	}
	out := make([]*big.Int, n)
	for i := range out {
		x, err := decodeElement(data[i*ElementSize : (i+1)*ElementSize])
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = x
	}
	return out, nil
}
