// Package curve implements modular field arithmetic and affine point operations on the
// BN254 G1 curve y² = x³ + 3 over F_p.
//
// Field elements are gnark-crypto fp.Element values, which are always kept reduced
// into [0, p). Points use the simplified affine form in which (0, 0) is the additive
// identity; (0, 0) does not satisfy the curve equation, so it cannot collide with a
// real point.
package curve

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fp"

	"github.com/ccoin/privutxo/pkg/types"
)

// Element is a base field element
type Element = fp.Element

// Modulus returns the base field modulus p
func Modulus() *big.Int {
	return fp.Modulus()
}

// FieldAdd returns a + b mod p
func FieldAdd(a, b Element) Element {
	var z Element
	z.Add(&a, &b)
	return z
}

// FieldSub returns a - b mod p
func FieldSub(a, b Element) Element {
	var z Element
	z.Sub(&a, &b)
	return z
}

// FieldMul returns a * b mod p
func FieldMul(a, b Element) Element {
	var z Element
	z.Mul(&a, &b)
	return z
}

// FieldInv returns a⁻¹ mod p using gnark-crypto's binary extended Euclidean inversion.
// The result is checked against a·a⁻¹ ≡ 1 before it is returned.
func FieldInv(a Element) (Element, error) {
	if a.IsZero() {
		return Element{}, types.ErrDivisionByZero
	}
	var inv, check Element
	inv.Inverse(&a)
	check.Mul(&a, &inv)
	if !check.IsOne() {
		return Element{}, types.ErrInverseVerificationFailed
	}
	return inv, nil
}

// FieldFromBig converts v into a field element. Unlike fp.Element.SetBigInt it does not
// reduce: values outside [0, p) are rejected.
func FieldFromBig(v *big.Int) (Element, error) {
	if v == nil || v.Sign() < 0 || v.Cmp(fp.Modulus()) >= 0 {
		return Element{}, fmt.Errorf("%w: coordinate outside [0, p)", types.ErrInvalidPoint)
	}
	var z Element
	z.SetBigInt(v)
	return z, nil
}

// FieldFromUint64 converts a small integer into a field element
func FieldFromUint64(v uint64) Element {
	return fp.NewElement(v)
}

// FieldToBig returns the canonical integer representative of a
func FieldToBig(a Element) *big.Int {
	return a.BigInt(new(big.Int))
}

// mustInv is used where the denominator is provably non-zero. A failure here means the
// arithmetic itself is broken and the operation cannot continue.
func mustInv(a Element) Element {
	inv, err := FieldInv(a)
	if err != nil {
		panic(fmt.Sprintf("curve: invariant violated: %v", err))
	}
	return inv
}
