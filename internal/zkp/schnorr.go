package zkp

import (
	"fmt"
	"math/big"

	"github.com/ccoin/privutxo/internal/curve"
	"github.com/ccoin/privutxo/pkg/types"
)

// Transcript domains
const (
	domainBalance  = "privutxo/split/balance"
	domainEquality = "privutxo/transfer/equality"
	domainOpening  = "privutxo/opening"
	domainBit      = "privutxo/range/bit"
)

// SchnorrProof proves knowledge of x with statement = x*base
type SchnorrProof struct {
	R curve.Point `json:"r"`
	S *big.Int    `json:"s"`
}

// EqualityProof proves two commitments hide the same value: A - B = (rA - rB)*H
type EqualityProof struct {
	CommitmentA curve.Point   `json:"commitment_a"`
	CommitmentB curve.Point   `json:"commitment_b"`
	Proof       *SchnorrProof `json:"proof"`
}

// OpeningProof reveals the value of a commitment and proves knowledge of its
// blinding factor: C - v*G = r*H
type OpeningProof struct {
	Commitment curve.Point   `json:"commitment"`
	Value      *big.Int      `json:"value"`
	Proof      *SchnorrProof `json:"proof"`
}

// proveKnowledge produces a Fiat-Shamir Schnorr proof. extra points are bound into the
// challenge alongside the statement.
func (e *Engine) proveKnowledge(domain string, binding []byte, base, statement curve.Point, witness *big.Int, extra ...curve.Point) (*SchnorrProof, error) {
	k, err := GenerateBlindingFactor(e.rng)
	if err != nil {
		return nil, err
	}
	r, err := curve.ScalarMultiply(base, k)
	if err != nil {
		return nil, err
	}

	c := e.knowledgeChallenge(domain, binding, base, statement, r, extra)

	n := curve.Order()
	s := new(big.Int).Mul(c, witness)
	s.Add(s, k)
	s.Mod(s, n)
	return &SchnorrProof{R: r, S: s}, nil
}

func (e *Engine) verifyKnowledge(domain string, binding []byte, base, statement curve.Point, proof *SchnorrProof, extra ...curve.Point) bool {
	if proof == nil || checkScalar(proof.S) != nil || !curve.IsOnCurve(proof.R) {
		return false
	}
	c := e.knowledgeChallenge(domain, binding, base, statement, proof.R, extra)

	// s*base == R + c*statement
	lhs, err := curve.ScalarMultiply(base, proof.S)
	if err != nil {
		return false
	}
	cs, err := curve.ScalarMultiply(statement, c)
	if err != nil {
		return false
	}
	return lhs.Equal(curve.AddPoints(proof.R, cs))
}

func (e *Engine) knowledgeChallenge(domain string, binding []byte, base, statement, r curve.Point, extra []curve.Point) *big.Int {
	t := newTranscript(e.hasher, domain, binding)
	t.appendPoint("base", base)
	t.appendPoint("statement", statement)
	for _, p := range extra {
		t.appendPoint("bound", p)
	}
	t.appendPoint("R", r)
	return t.challenge()
}

// GenerateEqualityProof proves that a and b both commit to value
func (e *Engine) GenerateEqualityProof(a, b *PedersenCommitment, value, blindingA, blindingB *big.Int, binding []byte) (*EqualityProof, error) {
	if !a.Verify(value, blindingA) || !b.Verify(value, blindingB) {
		return nil, fmt.Errorf("%w: equality proof openings do not match", types.ErrCorruptedCommitment)
	}
	_, h := Generators()

	witness := new(big.Int).Sub(blindingA, blindingB)
	witness.Mod(witness, curve.Order())
	statement := curve.Sub(a.Point, b.Point)

	proof, err := e.proveKnowledge(domainEquality, binding, h, statement, witness, a.Point, b.Point)
	if err != nil {
		return nil, err
	}
	return &EqualityProof{CommitmentA: a.Point, CommitmentB: b.Point, Proof: proof}, nil
}

// VerifyEqualityProof checks an equality proof against its binding
func (e *Engine) VerifyEqualityProof(proof *EqualityProof, binding []byte) (ok bool) {
	defer recoverFalse(&ok)
	if proof == nil || !curve.IsOnCurve(proof.CommitmentA) || !curve.IsOnCurve(proof.CommitmentB) {
		return false
	}
	_, h := Generators()
	statement := curve.Sub(proof.CommitmentA, proof.CommitmentB)
	return e.verifyKnowledge(domainEquality, binding, h, statement, proof.Proof, proof.CommitmentA, proof.CommitmentB)
}

// GenerateOpeningProof reveals the value of c
func (e *Engine) GenerateOpeningProof(c *PedersenCommitment, value, blinding *big.Int, binding []byte) (*OpeningProof, error) {
	if !c.Verify(value, blinding) {
		return nil, fmt.Errorf("%w: commitment does not open to the remembered value", types.ErrCorruptedCommitment)
	}
	g, h := Generators()
	vG, err := curve.ScalarMultiply(g, value)
	if err != nil {
		return nil, err
	}
	statement := curve.Sub(c.Point, vG)

	proof, err := e.proveKnowledge(domainOpening, binding, h, statement, blinding, c.Point)
	if err != nil {
		return nil, err
	}
	return &OpeningProof{Commitment: c.Point, Value: new(big.Int).Set(value), Proof: proof}, nil
}

// VerifyOpeningProof checks that proof.Commitment hides proof.Value
func (e *Engine) VerifyOpeningProof(proof *OpeningProof, binding []byte) (ok bool) {
	defer recoverFalse(&ok)
	if proof == nil || checkScalar(proof.Value) != nil || !curve.IsOnCurve(proof.Commitment) {
		return false
	}
	g, h := Generators()
	vG, err := curve.ScalarMultiply(g, proof.Value)
	if err != nil {
		return false
	}
	statement := curve.Sub(proof.Commitment, vG)
	return e.verifyKnowledge(domainOpening, binding, h, statement, proof.Proof, proof.Commitment)
}

// recoverFalse turns a panic while checking untrusted input into a rejection
func recoverFalse(ok *bool) {
	if r := recover(); r != nil {
		*ok = false
	}
}
