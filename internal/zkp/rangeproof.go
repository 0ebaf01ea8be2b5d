package zkp

import (
	"fmt"
	"math/big"

	"github.com/ccoin/privutxo/internal/curve"
	"github.com/ccoin/privutxo/pkg/types"
)

// maxRangeBits keeps both decompositions below n so their sum cannot wrap
const maxRangeBits = 250

// BitProof commits to one bit and carries a CDS OR-proof that the bit is 0 or 1.
// The prover simulates the branch it does not know; E0 + E1 must equal the challenge.
type BitProof struct {
	Commitment curve.Point `json:"commitment"`
	E0         *big.Int    `json:"e0"`
	E1         *big.Int    `json:"e1"`
	S0         *big.Int    `json:"s0"`
	S1         *big.Int    `json:"s1"`
}

// RangeProof shows min <= v <= max for the value v hidden in Commitment.
//
// Lower decomposes v - min into bit commitments with Σ 2^i·C_i = C - min·G. When
// max - min + 1 is not a power of two, Upper decomposes max - v the same way against
// max·G - C. Proof size is linear in the bit length of max - min.
type RangeProof struct {
	Commitment curve.Point `json:"commitment"`
	Min        *big.Int    `json:"min"`
	Max        *big.Int    `json:"max"`
	Lower      []*BitProof `json:"lower"`
	Upper      []*BitProof `json:"upper,omitempty"`
}

// rangeBits returns the decomposition width for [min, max] and whether the upper
// decomposition is needed.
func rangeBits(min, max *big.Int) (int, bool) {
	span := new(big.Int).Sub(max, min)
	k := span.BitLen()
	if k == 0 {
		k = 1
	}
	width := new(big.Int).Lsh(big.NewInt(1), uint(k))
	return k, span.Add(span, big.NewInt(1)).Cmp(width) != 0
}

func checkBounds(min, max *big.Int) error {
	if min == nil || max == nil || min.Sign() < 0 || max.Cmp(min) < 0 {
		return fmt.Errorf("%w: invalid bounds", types.ErrOutOfRange)
	}
	if max.BitLen() > maxRangeBits {
		return fmt.Errorf("%w: range wider than %d bits", types.ErrOutOfRange, maxRangeBits)
	}
	return nil
}

// GenerateRangeProof proves min <= value <= max for the commitment value*G + blinding*H
func (e *Engine) GenerateRangeProof(value, blinding, min, max *big.Int, binding []byte) (*RangeProof, error) {
	if blinding == nil || blinding.Sign() < 0 || blinding.Cmp(curve.Order()) >= 0 {
		return nil, types.ErrInvalidBlinding
	}
	if err := checkBounds(min, max); err != nil {
		return nil, err
	}
	if value == nil || value.Cmp(min) < 0 || value.Cmp(max) > 0 {
		return nil, fmt.Errorf("%w: %v not in [%s, %s]", types.ErrOutOfRange, value, min, max)
	}

	c, err := CreateCommitment(value, blinding)
	if err != nil {
		return nil, err
	}

	proof := &RangeProof{
		Commitment: c.Point,
		Min:        new(big.Int).Set(min),
		Max:        new(big.Int).Set(max),
	}
	k, upper := rangeBits(min, max)

	proof.Lower, err = e.decompose(proof, "lower", new(big.Int).Sub(value, min), blinding, k, binding)
	if err != nil {
		return nil, err
	}
	if upper {
		// max·G - C = (max - v)·G + (-r)·H
		negR := new(big.Int).Neg(blinding)
		negR.Mod(negR, curve.Order())
		proof.Upper, err = e.decompose(proof, "upper", new(big.Int).Sub(max, value), negR, k, binding)
		if err != nil {
			return nil, err
		}
	}
	return proof, nil
}

// decompose commits to the k low bits of x. The bit blindings are chosen so that
// Σ 2^i·r_i = r (mod n); the last one absorbs the difference.
func (e *Engine) decompose(rp *RangeProof, label string, x, r *big.Int, k int, binding []byte) ([]*BitProof, error) {
	n := curve.Order()
	blinds := make([]*big.Int, k)
	acc := new(big.Int)
	for i := 0; i < k-1; i++ {
		ri, err := GenerateBlindingFactor(e.rng)
		if err != nil {
			return nil, err
		}
		blinds[i] = ri
		acc.Add(acc, new(big.Int).Lsh(ri, uint(i)))
	}
	last := new(big.Int).Sub(r, acc)
	invTop := new(big.Int).ModInverse(new(big.Int).Lsh(big.NewInt(1), uint(k-1)), n)
	last.Mul(last, invTop)
	last.Mod(last, n)
	blinds[k-1] = last

	proofs := make([]*BitProof, k)
	for i := 0; i < k; i++ {
		bp, err := e.proveBit(rp, label, i, x.Bit(i), blinds[i], binding)
		if err != nil {
			return nil, err
		}
		proofs[i] = bp
	}
	return proofs, nil
}

func (e *Engine) proveBit(rp *RangeProof, label string, index int, bit uint, r *big.Int, binding []byte) (*BitProof, error) {
	n := curve.Order()
	g, h := Generators()

	ci, err := CreateCommitment(big.NewInt(int64(bit)), r)
	if err != nil {
		return nil, err
	}
	// statements: P0 = C_i = r·H when the bit is 0, P1 = C_i - G = r·H when it is 1
	statements := [2]curve.Point{ci.Point, curve.Sub(ci.Point, g)}
	known, sim := int(bit), 1-int(bit)

	var es, ss [2]*big.Int
	var rs [2]curve.Point

	es[sim], err = RandomScalar(e.rng)
	if err != nil {
		return nil, err
	}
	ss[sim], err = RandomScalar(e.rng)
	if err != nil {
		return nil, err
	}
	rs[sim], err = commitmentForResponse(h, statements[sim], ss[sim], es[sim])
	if err != nil {
		return nil, err
	}

	k, err := GenerateBlindingFactor(e.rng)
	if err != nil {
		return nil, err
	}
	rs[known], err = curve.ScalarMultiply(h, k)
	if err != nil {
		return nil, err
	}

	c := e.bitChallenge(rp, label, index, ci.Point, rs[0], rs[1], binding)
	es[known] = new(big.Int).Sub(c, es[sim])
	es[known].Mod(es[known], n)
	ss[known] = new(big.Int).Mul(es[known], r)
	ss[known].Add(ss[known], k)
	ss[known].Mod(ss[known], n)

	return &BitProof{Commitment: ci.Point, E0: es[0], E1: es[1], S0: ss[0], S1: ss[1]}, nil
}

// commitmentForResponse recomputes R = s·H - e·P
func commitmentForResponse(h, statement curve.Point, s, e *big.Int) (curve.Point, error) {
	sH, err := curve.ScalarMultiply(h, s)
	if err != nil {
		return curve.Point{}, err
	}
	eP, err := curve.ScalarMultiply(statement, e)
	if err != nil {
		return curve.Point{}, err
	}
	return curve.Sub(sH, eP), nil
}

func (e *Engine) bitChallenge(rp *RangeProof, label string, index int, ci, r0, r1 curve.Point, binding []byte) *big.Int {
	t := newTranscript(e.hasher, domainBit, binding)
	t.appendPoint("commitment", rp.Commitment)
	t.appendScalar("min", rp.Min)
	t.appendScalar("max", rp.Max)
	t.appendBytes("decomposition", []byte(label))
	t.appendUint("index", uint64(index))
	t.appendPoint("bit", ci)
	t.appendPoint("R0", r0)
	t.appendPoint("R1", r1)
	return t.challenge()
}

func (e *Engine) verifyBit(rp *RangeProof, label string, index int, bp *BitProof, binding []byte) bool {
	if bp == nil || !curve.IsOnCurve(bp.Commitment) {
		return false
	}
	for _, s := range []*big.Int{bp.E0, bp.E1, bp.S0, bp.S1} {
		if checkScalar(s) != nil {
			return false
		}
	}
	g, h := Generators()
	r0, err := commitmentForResponse(h, bp.Commitment, bp.S0, bp.E0)
	if err != nil {
		return false
	}
	r1, err := commitmentForResponse(h, curve.Sub(bp.Commitment, g), bp.S1, bp.E1)
	if err != nil {
		return false
	}
	c := e.bitChallenge(rp, label, index, bp.Commitment, r0, r1, binding)
	sum := new(big.Int).Add(bp.E0, bp.E1)
	sum.Mod(sum, curve.Order())
	return sum.Cmp(c) == 0
}

// VerifyRangeProof checks proof against the expected bounds. It returns false for any
// malformed proof.
func (e *Engine) VerifyRangeProof(proof *RangeProof, min, max *big.Int, binding []byte) (ok bool) {
	defer recoverFalse(&ok)
	if proof == nil || proof.Min == nil || proof.Max == nil || min == nil || max == nil {
		return false
	}
	if proof.Min.Cmp(min) != 0 || proof.Max.Cmp(max) != 0 || checkBounds(min, max) != nil {
		return false
	}
	if !curve.IsOnCurve(proof.Commitment) {
		return false
	}
	k, upper := rangeBits(min, max)
	if len(proof.Lower) != k {
		return false
	}
	if upper && len(proof.Upper) != k || !upper && len(proof.Upper) != 0 {
		return false
	}

	g, _ := Generators()
	minG, err := curve.ScalarMultiply(g, min)
	if err != nil {
		return false
	}
	if !e.verifyDecomposition(proof, "lower", proof.Lower, curve.Sub(proof.Commitment, minG), binding) {
		return false
	}
	if upper {
		maxG, err := curve.ScalarMultiply(g, max)
		if err != nil {
			return false
		}
		if !e.verifyDecomposition(proof, "upper", proof.Upper, curve.Sub(maxG, proof.Commitment), binding) {
			return false
		}
	}
	return true
}

func (e *Engine) verifyDecomposition(rp *RangeProof, label string, bits []*BitProof, target curve.Point, binding []byte) bool {
	for i, bp := range bits {
		if !e.verifyBit(rp, label, i, bp, binding) {
			return false
		}
	}
	// Horner: Σ 2^i·C_i
	acc := curve.Identity()
	for i := len(bits) - 1; i >= 0; i-- {
		acc = curve.DoublePoint(acc)
		acc = curve.AddPoints(acc, bits[i].Commitment)
	}
	return acc.Equal(target)
}
