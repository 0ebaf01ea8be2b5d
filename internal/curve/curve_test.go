package curve

import (
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/privutxo/pkg/types"
)

func gnarkMul(t *testing.T, p Point, k *big.Int) Point {
	t.Helper()
	base := p.toAffine()
	var res bn254.G1Affine
	res.ScalarMultiplication(&base, k)
	return FromAffine(res)
}

func gnarkAdd(p, q Point) Point {
	a, b := p.toAffine(), q.toAffine()
	var ja, jb bn254.G1Jac
	ja.FromAffine(&a)
	jb.FromAffine(&b)
	ja.AddAssign(&jb)
	var res bn254.G1Affine
	res.FromJacobian(&ja)
	return FromAffine(res)
}

func TestFieldInverse(t *testing.T) {
	for _, v := range []uint64{1, 2, 3, 7, 1 << 40} {
		a := FieldFromUint64(v)
		inv, err := FieldInv(a)
		require.NoError(t, err)
		prod := FieldMul(a, inv)
		assert.True(t, prod.IsOne(), "v=%d", v)
	}

	pMinus1 := new(big.Int).Sub(Modulus(), big.NewInt(1))
	a, err := FieldFromBig(pMinus1)
	require.NoError(t, err)
	inv, err := FieldInv(a)
	require.NoError(t, err)
	// (p-1)⁻¹ = p-1
	assert.Equal(t, pMinus1, FieldToBig(inv))
}

func TestFieldInverseOfZero(t *testing.T) {
	_, err := FieldInv(Element{})
	assert.ErrorIs(t, err, types.ErrDivisionByZero)
}

func TestFieldFromBigRange(t *testing.T) {
	_, err := FieldFromBig(Modulus())
	assert.ErrorIs(t, err, types.ErrInvalidPoint)
	_, err = FieldFromBig(big.NewInt(-1))
	assert.ErrorIs(t, err, types.ErrInvalidPoint)

	a, err := FieldFromBig(big.NewInt(5))
	require.NoError(t, err)
	b := FieldFromUint64(7)
	assert.Equal(t, big.NewInt(12), FieldToBig(FieldAdd(a, b)))
	assert.Equal(t, big.NewInt(35), FieldToBig(FieldMul(a, b)))

	// 5 - 7 wraps to p - 2
	want := new(big.Int).Sub(Modulus(), big.NewInt(2))
	assert.Equal(t, want, FieldToBig(FieldSub(a, b)))
}

func TestGeneratorOnCurve(t *testing.T) {
	g := Generator()
	assert.True(t, IsOnCurve(g))
	assert.Equal(t, big.NewInt(1), FieldToBig(g.X))
	assert.Equal(t, big.NewInt(2), FieldToBig(g.Y))
	assert.True(t, IsOnCurve(Identity()))
}

func TestOffCurvePoint(t *testing.T) {
	_, err := PointFromCoordinates(big.NewInt(1), big.NewInt(3))
	assert.ErrorIs(t, err, types.ErrInvalidPoint)

	bad := Point{X: fp.NewElement(1), Y: fp.NewElement(3)}
	assert.False(t, IsOnCurve(bad))
	_, err = ScalarMultiply(bad, big.NewInt(2))
	assert.ErrorIs(t, err, types.ErrInvalidPoint)
}

func TestAdditionRules(t *testing.T) {
	g := Generator()
	id := Identity()

	assert.True(t, AddPoints(g, id).Equal(g))
	assert.True(t, AddPoints(id, g).Equal(g))
	assert.True(t, AddPoints(g, Neg(g)).IsIdentity())
	assert.True(t, AddPoints(g, g).Equal(DoublePoint(g)))
	assert.True(t, Sub(g, g).IsIdentity())

	g2 := DoublePoint(g)
	g3 := AddPoints(g2, g)
	assert.True(t, IsOnCurve(g3))
	assert.True(t, g3.Equal(gnarkAdd(g2, g)))

	// commutativity and associativity on a few multiples
	g5, err := ScalarMultiply(g, big.NewInt(5))
	require.NoError(t, err)
	assert.True(t, AddPoints(g2, g3).Equal(AddPoints(g3, g2)))
	assert.True(t, AddPoints(AddPoints(g2, g3), g5).Equal(AddPoints(g2, AddPoints(g3, g5))))
}

func TestScalarMultiplyAgainstGnark(t *testing.T) {
	g := Generator()
	n := Order()
	scalars := []*big.Int{
		big.NewInt(1),
		big.NewInt(2),
		big.NewInt(255),
		new(big.Int).SetUint64(^uint64(0)),
		new(big.Int).Sub(n, big.NewInt(1)),
		new(big.Int).Rsh(n, 3),
	}
	for _, k := range scalars {
		got, err := ScalarMultiply(g, k)
		require.NoError(t, err)
		assert.True(t, IsOnCurve(got))
		assert.True(t, got.Equal(gnarkMul(t, g, k)), "k=%s", k)
	}
}

func TestScalarMultiplyReducesScalar(t *testing.T) {
	g := Generator()
	n := Order()

	zero, err := ScalarMultiply(g, big.NewInt(0))
	require.NoError(t, err)
	assert.True(t, zero.IsIdentity())

	atOrder, err := ScalarMultiply(g, n)
	require.NoError(t, err)
	assert.True(t, atOrder.IsIdentity())

	seven, err := ScalarMultiply(g, big.NewInt(7))
	require.NoError(t, err)
	wrapped, err := ScalarMultiply(g, new(big.Int).Add(n, big.NewInt(7)))
	require.NoError(t, err)
	assert.True(t, seven.Equal(wrapped))

	negOne, err := ScalarMultiply(g, big.NewInt(-1))
	require.NoError(t, err)
	assert.True(t, negOne.Equal(Neg(g)))

	idMul, err := ScalarMultiply(Identity(), big.NewInt(9))
	require.NoError(t, err)
	assert.True(t, idMul.IsIdentity())
}

func TestMultiScalarMultiply(t *testing.T) {
	g := Generator()
	g2 := DoublePoint(g)
	sum, err := MultiScalarMultiply([]Point{g, g2}, []*big.Int{big.NewInt(3), big.NewInt(4)})
	require.NoError(t, err)
	want, err := ScalarMultiply(g, big.NewInt(11))
	require.NoError(t, err)
	assert.True(t, sum.Equal(want))

	_, err = MultiScalarMultiply([]Point{g}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidScalar)
}

func TestEncodingRoundTrip(t *testing.T) {
	g := Generator()
	p, err := ScalarMultiply(g, big.NewInt(123456789))
	require.NoError(t, err)

	for _, pt := range []Point{g, p, Neg(p), Identity()} {
		enc := pt.Bytes()
		dec, err := PointFromBytes(enc[:])
		require.NoError(t, err)
		assert.True(t, dec.Equal(pt))

		text, err := pt.MarshalText()
		require.NoError(t, err)
		var back Point
		require.NoError(t, back.UnmarshalText(text))
		assert.True(t, back.Equal(pt))
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := PointFromBytes([]byte{1, 2, 3})
	assert.ErrorIs(t, err, types.ErrInvalidPoint)

	var p Point
	assert.Error(t, p.UnmarshalText([]byte("0xzz")))
}
