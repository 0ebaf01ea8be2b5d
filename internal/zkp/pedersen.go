// Package zkp implements the commitment scheme, nullifiers and the zero-knowledge
// proofs that authorize private UTXO state transitions.
package zkp

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254"

	"github.com/ccoin/privutxo/internal/curve"
	"github.com/ccoin/privutxo/pkg/types"
)

// Domain strings for deriving the second generator H
const (
	generatorHMessage = "privutxo pedersen H"
	generatorHDST     = "PRIVUTXO-V1-BN254G1_XMD:SHA-256_SVDW_RO_"
)

// Generator points for Pedersen commitments. H is hashed to the curve so its discrete
// log relative to G is unknown.
var (
	generatorG curve.Point
	generatorH curve.Point

	generatorsOnce sync.Once
	generatorsErr  error
)

// InitializeGenerators sets up G and H once and validates both on the curve
func InitializeGenerators() error {
	generatorsOnce.Do(func() {
		generatorG = curve.Generator()

		h, err := bn254.HashToG1([]byte(generatorHMessage), []byte(generatorHDST))
		if err != nil {
			generatorsErr = fmt.Errorf("derive generator H: %w", err)
			return
		}
		generatorH = curve.FromAffine(h)

		if !curve.IsOnCurve(generatorG) || !curve.IsOnCurve(generatorH) || generatorH.IsIdentity() {
			generatorsErr = errors.New("pedersen generators failed validation")
		}
	})
	return generatorsErr
}

// Generators returns G and H. It panics if they could not be derived, which only
// happens if the curve library is broken.
func Generators() (g, h curve.Point) {
	if err := InitializeGenerators(); err != nil {
		panic(err)
	}
	return generatorG, generatorH
}

// PedersenCommitment represents a Pedersen commitment: C = v*G + r*H
type PedersenCommitment struct {
	Point curve.Point
}

// CreateCommitment computes value*G + blinding*H. value must be in [0, n) and
// blinding in [0, n).
func CreateCommitment(value, blinding *big.Int) (*PedersenCommitment, error) {
	if err := checkScalar(value); err != nil {
		return nil, fmt.Errorf("%w: value", err)
	}
	if err := checkScalar(blinding); err != nil {
		return nil, fmt.Errorf("%w: blinding", err)
	}
	g, h := Generators()

	vG, err := curve.ScalarMultiply(g, value)
	if err != nil {
		return nil, err
	}
	rH, err := curve.ScalarMultiply(h, blinding)
	if err != nil {
		return nil, err
	}
	c := curve.AddPoints(vG, rH)
	if !curve.IsOnCurve(c) {
		panic("zkp: generated commitment is not on the curve")
	}
	return &PedersenCommitment{Point: c}, nil
}

// VerifyCommitment reports whether c opens to (value, blinding). It never fails
// loudly: malformed encodings, off-curve points and out of range scalars yield false.
func VerifyCommitment(c types.Commitment, value, blinding *big.Int) bool {
	commitment, err := ParseCommitment(c)
	if err != nil {
		return false
	}
	return commitment.Verify(value, blinding)
}

// ParseCommitment decodes a stored commitment
func ParseCommitment(c types.Commitment) (*PedersenCommitment, error) {
	p, err := curve.PointFromCommitment(c)
	if err != nil {
		return nil, err
	}
	return &PedersenCommitment{Point: p}, nil
}

// Verify checks if a commitment opens to the given value and blinder
func (c *PedersenCommitment) Verify(value, blinding *big.Int) bool {
	if c == nil || !curve.IsOnCurve(c.Point) {
		return false
	}
	expected, err := CreateCommitment(value, blinding)
	if err != nil {
		return false
	}
	return c.Point.Equal(expected.Point)
}

// Add returns C1 + C2 = (v1 + v2)*G + (r1 + r2)*H
func (c *PedersenCommitment) Add(other *PedersenCommitment) *PedersenCommitment {
	return &PedersenCommitment{Point: curve.AddPoints(c.Point, other.Point)}
}

// Sub returns C1 - C2 = (v1 - v2)*G + (r1 - r2)*H
func (c *PedersenCommitment) Sub(other *PedersenCommitment) *PedersenCommitment {
	return &PedersenCommitment{Point: curve.Sub(c.Point, other.Point)}
}

// Commitment returns the canonical encoding
func (c *PedersenCommitment) Commitment() types.Commitment {
	return c.Point.Commitment()
}

// String returns the hex encoding
func (c *PedersenCommitment) String() string {
	return c.Point.String()
}

// SumCommitments adds commitments homomorphically. The empty sum is the identity.
func SumCommitments(cs ...*PedersenCommitment) *PedersenCommitment {
	acc := curve.Identity()
	for _, c := range cs {
		acc = curve.AddPoints(acc, c.Point)
	}
	return &PedersenCommitment{Point: acc}
}

func checkScalar(s *big.Int) error {
	if s == nil || s.Sign() < 0 || s.Cmp(curve.Order()) >= 0 {
		return types.ErrInvalidScalar
	}
	return nil
}
