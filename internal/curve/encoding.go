package curve

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254"

	"github.com/ccoin/privutxo/pkg/types"
)

// EncodedSize is the size of the canonical point encoding
const EncodedSize = bn254.SizeOfG1AffineCompressed

// Bytes returns the 32-byte compressed encoding. The identity has its own flag, so the
// encoding is lossless.
func (p Point) Bytes() [EncodedSize]byte {
	a := bn254.G1Affine{X: p.X, Y: p.Y}
	return a.Bytes()
}

// Commitment returns the encoding typed as a commitment
func (p Point) Commitment() types.Commitment {
	return types.Commitment(p.Bytes())
}

// PointFromBytes decodes a compressed (32 byte) or uncompressed (64 byte) point.
// Points that are not on the curve are rejected.
func PointFromBytes(b []byte) (Point, error) {
	var a bn254.G1Affine
	if _, err := a.SetBytes(b); err != nil {
		return Point{}, fmt.Errorf("%w: %v", types.ErrInvalidPoint, err)
	}
	p := Point{X: a.X, Y: a.Y}
	if !IsOnCurve(p) {
		return Point{}, types.ErrInvalidPoint
	}
	return p, nil
}

// PointFromCommitment decodes a stored commitment
func PointFromCommitment(c types.Commitment) (Point, error) {
	return PointFromBytes(c[:])
}

// MarshalText implements encoding.TextMarshaler
func (p Point) MarshalText() ([]byte, error) {
	return p.Commitment().MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Point) UnmarshalText(text []byte) error {
	var c types.Commitment
	if err := c.UnmarshalText(text); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidPoint, err)
	}
	decoded, err := PointFromCommitment(c)
	if err != nil {
		return err
	}
	*p = decoded
	return nil
}

// toAffine converts to the gnark representation
func (p Point) toAffine() bn254.G1Affine {
	return bn254.G1Affine{X: p.X, Y: p.Y}
}

// FromAffine converts a gnark affine point. gnark also uses (0, 0) for infinity.
func FromAffine(a bn254.G1Affine) Point {
	return Point{X: a.X, Y: a.Y}
}
