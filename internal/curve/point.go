package curve

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fp"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/ccoin/privutxo/pkg/types"
)

// Point is an affine point on BN254 G1. The zero value is the identity.
type Point struct {
	X, Y Element
}

var (
	curveB = fp.NewElement(3)

	genOnce   sync.Once
	generator Point
)

// Identity returns the point at infinity
func Identity() Point {
	return Point{}
}

// Generator returns the standard G1 generator (1, 2)
func Generator() Point {
	genOnce.Do(func() {
		_, _, g1, _ := bn254.Generators()
		generator = Point{X: g1.X, Y: g1.Y}
		if !IsOnCurve(generator) {
			panic("curve: generator is not on the curve")
		}
	})
	return generator
}

// Order returns the prime order n of the G1 group
func Order() *big.Int {
	return fr.Modulus()
}

// ReduceScalar returns k mod n in [0, n). A nil scalar is treated as zero.
func ReduceScalar(k *big.Int) *big.Int {
	if k == nil {
		return new(big.Int)
	}
	r := new(big.Int).Mod(k, fr.Modulus())
	return r
}

// IsIdentity reports whether p is the point at infinity
func (p Point) IsIdentity() bool {
	return p.X.IsZero() && p.Y.IsZero()
}

// Equal reports whether two points are the same
func (p Point) Equal(q Point) bool {
	return p.X.Equal(&q.X) && p.Y.Equal(&q.Y)
}

// String returns the hex encoding of the compressed point
func (p Point) String() string {
	b := p.Bytes()
	return types.Commitment(b).String()
}

// IsOnCurve checks y² = x³ + 3. The identity is always valid.
func IsOnCurve(p Point) bool {
	if p.IsIdentity() {
		return true
	}
	var lhs, rhs Element
	lhs.Square(&p.Y)
	rhs.Square(&p.X)
	rhs.Mul(&rhs, &p.X)
	rhs.Add(&rhs, &curveB)
	return lhs.Equal(&rhs)
}

// Neg returns -p
func Neg(p Point) Point {
	if p.IsIdentity() {
		return p
	}
	var y Element
	y.Neg(&p.Y)
	return Point{X: p.X, Y: y}
}

// AddPoints returns p1 + p2 using the affine chord rule
func AddPoints(p1, p2 Point) Point {
	if p1.IsIdentity() {
		return p2
	}
	if p2.IsIdentity() {
		return p1
	}
	if p1.X.Equal(&p2.X) {
		if p1.Y.Equal(&p2.Y) {
			return DoublePoint(p1)
		}
		return Identity()
	}

	// λ = (y2 - y1) / (x2 - x1)
	num := FieldSub(p2.Y, p1.Y)
	den := FieldSub(p2.X, p1.X)
	lambda := FieldMul(num, mustInv(den))

	var x3, y3 Element
	x3.Square(&lambda)
	x3.Sub(&x3, &p1.X)
	x3.Sub(&x3, &p2.X)

	y3.Sub(&p1.X, &x3)
	y3.Mul(&y3, &lambda)
	y3.Sub(&y3, &p1.Y)

	return Point{X: x3, Y: y3}
}

// Sub returns p1 - p2
func Sub(p1, p2 Point) Point {
	return AddPoints(p1, Neg(p2))
}

// DoublePoint returns 2p using the tangent rule (a = 0)
func DoublePoint(p Point) Point {
	if p.IsIdentity() || p.Y.IsZero() {
		return Identity()
	}

	// λ = 3x² / 2y
	var num, den Element
	num.Square(&p.X)
	num.Mul(&num, &threeElem)
	den.Double(&p.Y)
	lambda := FieldMul(num, mustInv(den))

	var x3, y3 Element
	x3.Square(&lambda)
	x3.Sub(&x3, &p.X)
	x3.Sub(&x3, &p.X)

	y3.Sub(&p.X, &x3)
	y3.Mul(&y3, &lambda)
	y3.Sub(&y3, &p.Y)

	return Point{X: x3, Y: y3}
}

var threeElem = fp.NewElement(3)

// ScalarMultiply returns k·p by MSB-first double-and-add. k is reduced into [0, n)
// first, so negative scalars and multiples of n are accepted. The loop is not
// constant time.
func ScalarMultiply(p Point, k *big.Int) (Point, error) {
	if !IsOnCurve(p) {
		return Identity(), fmt.Errorf("%w: scalar multiplication base is not on the curve", types.ErrInvalidPoint)
	}
	s := ReduceScalar(k)
	if s.Sign() == 0 || p.IsIdentity() {
		return Identity(), nil
	}

	result := Identity()
	for i := s.BitLen() - 1; i >= 0; i-- {
		result = DoublePoint(result)
		if s.Bit(i) == 1 {
			result = AddPoints(result, p)
		}
	}
	return result, nil
}

// MultiScalarMultiply returns Σ kᵢ·pᵢ
func MultiScalarMultiply(points []Point, scalars []*big.Int) (Point, error) {
	if len(points) != len(scalars) {
		return Identity(), fmt.Errorf("%w: %d points for %d scalars", types.ErrInvalidScalar, len(points), len(scalars))
	}
	acc := Identity()
	for i := range points {
		term, err := ScalarMultiply(points[i], scalars[i])
		if err != nil {
			return Identity(), err
		}
		acc = AddPoints(acc, term)
	}
	return acc, nil
}

// PointFromCoordinates builds a point from integer coordinates, rejecting anything
// outside the field or off the curve.
func PointFromCoordinates(x, y *big.Int) (Point, error) {
	fx, err := FieldFromBig(x)
	if err != nil {
		return Point{}, err
	}
	fy, err := FieldFromBig(y)
	if err != nil {
		return Point{}, err
	}
	p := Point{X: fx, Y: fy}
	if !IsOnCurve(p) {
		return Point{}, fmt.Errorf("%w: (%s, %s)", types.ErrInvalidPoint, x, y)
	}
	return p, nil
}
