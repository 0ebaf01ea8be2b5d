package zkp

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/privutxo/internal/curve"
	"github.com/ccoin/privutxo/pkg/types"
)

var rangeBinding = []byte("range-test")

func TestRangeBits(t *testing.T) {
	cases := []struct {
		min, max int64
		k        int
		upper    bool
	}{
		{0, 255, 8, false},
		{0, 100, 7, true},
		{10, 10, 1, true},
		{0, 1, 1, false},
		{5, 12, 3, false},
	}
	for _, tc := range cases {
		k, upper := rangeBits(bi(tc.min), bi(tc.max))
		assert.Equal(t, tc.k, k, "[%d, %d]", tc.min, tc.max)
		assert.Equal(t, tc.upper, upper, "[%d, %d]", tc.min, tc.max)
	}
}

func TestRangeProofAcceptsValuesInRange(t *testing.T) {
	e := testEngine(t, 11)
	for _, tc := range []struct{ v, min, max int64 }{
		{0, 0, 255},
		{255, 0, 255},
		{100, 0, 100},
		{37, 0, 100},
		{10, 10, 10},
		{12, 5, 12},
	} {
		r, err := e.GenerateBlindingFactor()
		require.NoError(t, err)
		proof, err := e.GenerateRangeProof(bi(tc.v), r, bi(tc.min), bi(tc.max), rangeBinding)
		require.NoError(t, err)
		assert.True(t, e.VerifyRangeProof(proof, bi(tc.min), bi(tc.max), rangeBinding), "v=%d", tc.v)

		c, err := CreateCommitment(bi(tc.v), r)
		require.NoError(t, err)
		assert.True(t, proof.Commitment.Equal(c.Point))
	}
}

func TestRangeProofErrors(t *testing.T) {
	e := testEngine(t, 12)

	_, err := e.GenerateRangeProof(bi(101), bi(1), bi(0), bi(100), nil)
	assert.ErrorIs(t, err, types.ErrOutOfRange)

	_, err = e.GenerateRangeProof(bi(4), bi(1), bi(5), bi(100), nil)
	assert.ErrorIs(t, err, types.ErrOutOfRange)

	_, err = e.GenerateRangeProof(bi(4), bi(1), bi(10), bi(5), nil)
	assert.ErrorIs(t, err, types.ErrOutOfRange)

	_, err = e.GenerateRangeProof(bi(4), curve.Order(), bi(0), bi(100), nil)
	assert.ErrorIs(t, err, types.ErrInvalidBlinding)

	_, err = e.GenerateRangeProof(bi(4), bi(-3), bi(0), bi(100), nil)
	assert.ErrorIs(t, err, types.ErrInvalidBlinding)
}

func TestRangeProofRejectsTampering(t *testing.T) {
	e := testEngine(t, 13)
	r, err := e.GenerateBlindingFactor()
	require.NoError(t, err)
	proof, err := e.GenerateRangeProof(bi(77), r, bi(0), bi(100), rangeBinding)
	require.NoError(t, err)
	require.True(t, e.VerifyRangeProof(proof, bi(0), bi(100), rangeBinding))

	// different binding
	assert.False(t, e.VerifyRangeProof(proof, bi(0), bi(100), []byte("other")))

	// different bounds
	assert.False(t, e.VerifyRangeProof(proof, bi(0), bi(200), rangeBinding))

	// swap the main commitment
	other, err := CreateCommitment(bi(77), bi(1))
	require.NoError(t, err)
	swapped := *proof
	swapped.Commitment = other.Point
	assert.False(t, e.VerifyRangeProof(&swapped, bi(0), bi(100), rangeBinding))

	// corrupt one response
	corrupt := *proof
	corrupt.Lower = append([]*BitProof(nil), proof.Lower...)
	bp := *corrupt.Lower[2]
	bp.S0 = new(big.Int).Add(bp.S0, big.NewInt(1))
	corrupt.Lower[2] = &bp
	assert.False(t, e.VerifyRangeProof(&corrupt, bi(0), bi(100), rangeBinding))

	// drop the upper decomposition
	truncated := *proof
	truncated.Upper = nil
	assert.False(t, e.VerifyRangeProof(&truncated, bi(0), bi(100), rangeBinding))

	// missing scalar
	holey := *proof
	holey.Lower = append([]*BitProof(nil), proof.Lower...)
	missing := *holey.Lower[0]
	missing.E1 = nil
	holey.Lower[0] = &missing
	assert.False(t, e.VerifyRangeProof(&holey, bi(0), bi(100), rangeBinding))

	assert.False(t, e.VerifyRangeProof(nil, bi(0), bi(100), rangeBinding))
}

func TestRangeProofCannotHideOutOfRangeValue(t *testing.T) {
	// A proof for 77 in [0, 127] must not verify for [0, 100] even though 77 fits:
	// the bounds are part of the transcript.
	e := testEngine(t, 14)
	proof, err := e.GenerateRangeProof(bi(77), bi(9), bi(0), bi(127), rangeBinding)
	require.NoError(t, err)
	assert.True(t, e.VerifyRangeProof(proof, bi(0), bi(127), rangeBinding))

	proof.Max = bi(100)
	assert.False(t, e.VerifyRangeProof(proof, bi(0), bi(100), rangeBinding))
}

func TestRangeProofDefaultWidth(t *testing.T) {
	if testing.Short() {
		t.Skip("64-bit range proof in short mode")
	}
	e := NewEngine(nil)
	lo, hi := e.Bounds()
	r, err := e.GenerateBlindingFactor()
	require.NoError(t, err)
	proof, err := e.GenerateRangeProof(new(big.Int).SetUint64(1<<63+5), r, lo, hi, rangeBinding)
	require.NoError(t, err)
	assert.Len(t, proof.Lower, 64)
	assert.Empty(t, proof.Upper)
	assert.True(t, e.VerifyRangeProof(proof, lo, hi, rangeBinding))
}
