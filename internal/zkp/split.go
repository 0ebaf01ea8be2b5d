package zkp

import (
	"fmt"
	"math/big"

	"github.com/ccoin/privutxo/internal/curve"
	"github.com/ccoin/privutxo/pkg/types"
)

// SplitProof binds one input commitment to its outputs. Each output carries a range
// proof, and Balance proves C_in - Σ C_out is a multiple of H alone, so the values
// on both sides are equal.
type SplitProof struct {
	InputCommitment   curve.Point   `json:"input"`
	OutputCommitments []curve.Point `json:"outputs"`
	RangeProofs       []*RangeProof `json:"range_proofs"`
	Balance           *SchnorrProof `json:"balance"`
}

// GenerateSplitProof proves that the input value is split into outputValues. The sum
// and length checks run before any curve arithmetic.
func (e *Engine) GenerateSplitProof(inputValue *big.Int, outputValues []*big.Int, inputBlinding *big.Int, outputBlindings []*big.Int, binding []byte) (*SplitProof, error) {
	if len(outputValues) == 0 {
		return nil, fmt.Errorf("%w: no outputs", types.ErrValueConservationViolation)
	}
	if len(outputBlindings) != len(outputValues) {
		return nil, fmt.Errorf("%w: %d blinding factors for %d outputs",
			types.ErrValueConservationViolation, len(outputBlindings), len(outputValues))
	}
	if inputValue == nil {
		return nil, types.ErrInvalidAmount
	}
	sum := new(big.Int)
	for _, v := range outputValues {
		if v == nil {
			return nil, types.ErrInvalidAmount
		}
		sum.Add(sum, v)
	}
	if sum.Cmp(inputValue) != 0 {
		return nil, fmt.Errorf("%w: outputs sum to %s, input is %s",
			types.ErrValueConservationViolation, sum, inputValue)
	}
	if checkScalar(inputBlinding) != nil {
		return nil, types.ErrInvalidBlinding
	}

	in, err := CreateCommitment(inputValue, inputBlinding)
	if err != nil {
		return nil, err
	}

	n := curve.Order()
	proof := &SplitProof{InputCommitment: in.Point}
	excess := new(big.Int).Set(inputBlinding)
	outSum := curve.Identity()
	for i, v := range outputValues {
		rp, err := e.GenerateRangeProof(v, outputBlindings[i], e.minValue, e.maxValue, binding)
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		proof.RangeProofs = append(proof.RangeProofs, rp)
		proof.OutputCommitments = append(proof.OutputCommitments, rp.Commitment)
		outSum = curve.AddPoints(outSum, rp.Commitment)
		excess.Sub(excess, outputBlindings[i])
	}
	excess.Mod(excess, n)

	_, h := Generators()
	statement := curve.Sub(in.Point, outSum)
	proof.Balance, err = e.proveKnowledge(domainBalance, binding, h, statement, excess, splitBound(proof)...)
	if err != nil {
		return nil, err
	}
	return proof, nil
}

// VerifySplitProof checks range proofs on every output and the balance proof
func (e *Engine) VerifySplitProof(proof *SplitProof, binding []byte) (ok bool) {
	defer recoverFalse(&ok)
	if proof == nil || len(proof.OutputCommitments) == 0 || len(proof.RangeProofs) != len(proof.OutputCommitments) {
		return false
	}
	if !curve.IsOnCurve(proof.InputCommitment) {
		return false
	}
	outSum := curve.Identity()
	for i, out := range proof.OutputCommitments {
		rp := proof.RangeProofs[i]
		if rp == nil || !rp.Commitment.Equal(out) {
			return false
		}
		if !e.VerifyRangeProof(rp, e.minValue, e.maxValue, binding) {
			return false
		}
		outSum = curve.AddPoints(outSum, out)
	}

	_, h := Generators()
	statement := curve.Sub(proof.InputCommitment, outSum)
	return e.verifyKnowledge(domainBalance, binding, h, statement, proof.Balance, splitBound(proof)...)
}

func splitBound(proof *SplitProof) []curve.Point {
	bound := make([]curve.Point, 0, len(proof.OutputCommitments)+1)
	bound = append(bound, proof.InputCommitment)
	return append(bound, proof.OutputCommitments...)
}
