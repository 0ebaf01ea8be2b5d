// Package protocol defines the bundles a wallet submits to a verifier, the receipts it
// gets back and the EIP-712 attestation that authorizes each operation.
package protocol

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ccoin/privutxo/internal/zkp"
	"github.com/ccoin/privutxo/pkg/types"
)

// Attestation is the owner's EIP-712 signature over the bundle's Statement
type Attestation struct {
	Signer    types.Address `json:"signer"`
	Signature hexutil.Bytes `json:"signature"`
}

// OutputRecord registers a new UTXO with the verifier. The nullifier is fixed at
// creation; spending the commitment later must present exactly this value. Note is
// the MiMC note hash of the same opening, which conservation proofs refer to.
type OutputRecord struct {
	Commitment types.Commitment `json:"commitment"`
	Owner      types.Address    `json:"owner"`
	Nullifier  types.Nullifier  `json:"nullifier"`
	Note       types.Hash       `json:"note"`
}

// DepositBundle converts a public amount into a commitment
type DepositBundle struct {
	Token       types.Address     `json:"token"`
	Amount      *big.Int          `json:"amount"`
	Output      OutputRecord      `json:"output"`
	RangeProof  *zkp.RangeProof   `json:"range_proof"`
	Opening     *zkp.OpeningProof `json:"opening"`
	Attestation Attestation       `json:"attestation"`
}

// SplitBundle spends one commitment into several
type SplitBundle struct {
	Token           types.Address    `json:"token"`
	InputCommitment types.Commitment `json:"input_commitment"`
	Nullifier       types.Nullifier  `json:"nullifier"`
	Outputs         []OutputRecord   `json:"outputs"`
	Proof           *zkp.SplitProof  `json:"proof"`
	Conservation    *zkp.ProofData   `json:"conservation,omitempty"`
	Attestation     Attestation      `json:"attestation"`
}

// TransferBundle re-commits the same value to a new owner
type TransferBundle struct {
	Token           types.Address      `json:"token"`
	InputCommitment types.Commitment   `json:"input_commitment"`
	Nullifier       types.Nullifier    `json:"nullifier"`
	Output          OutputRecord       `json:"output"`
	Proof           *zkp.EqualityProof `json:"proof"`
	Attestation     Attestation        `json:"attestation"`
}

// WithdrawBundle reveals the value of a commitment and releases it to Recipient
type WithdrawBundle struct {
	Token       types.Address     `json:"token"`
	Commitment  types.Commitment  `json:"commitment"`
	Nullifier   types.Nullifier   `json:"nullifier"`
	Recipient   types.Address     `json:"recipient"`
	Amount      *big.Int          `json:"amount"`
	Proof       *zkp.OpeningProof `json:"proof"`
	Attestation Attestation       `json:"attestation"`
}

// Receipt confirms an accepted operation
type Receipt struct {
	ID          string              `json:"id"`
	Kind        types.OperationKind `json:"kind"`
	Sequence    uint64              `json:"sequence"`
	Nullifier   types.Nullifier     `json:"nullifier"`
	Commitments []types.Commitment  `json:"commitments,omitempty"`
	Revealed    *big.Int            `json:"revealed,omitempty"`
	Root        types.Hash          `json:"root"`
	AcceptedAt  time.Time           `json:"accepted_at"`
}

// ProofBinding is the context every proof of an operation is bound to. The nullifier
// is unique per spend (or per deposit output), so a proof cannot be replayed into
// another operation.
func ProofBinding(kind types.OperationKind, token types.Address, nullifier types.Nullifier) []byte {
	b := make([]byte, 0, len(kind)+types.AddressSize+types.HashSize)
	b = append(b, kind...)
	b = append(b, token[:]...)
	return append(b, nullifier[:]...)
}

// OutputsDigest commits to the ordered list of outputs
func OutputsDigest(outputs ...OutputRecord) types.Hash {
	parts := make([][]byte, 0, 4*len(outputs))
	for i := range outputs {
		parts = append(parts, outputs[i].Commitment[:], outputs[i].Owner[:], outputs[i].Nullifier[:], outputs[i].Note[:])
	}
	return types.Hash(crypto.Keccak256Hash(parts...))
}

// Statement returns what the depositor signs
func (b *DepositBundle) Statement() Statement {
	return Statement{
		Kind:          types.OpDeposit,
		Token:         b.Token,
		OutputsDigest: OutputsDigest(b.Output),
		Nullifier:     b.Output.Nullifier,
		Amount:        b.Amount,
	}
}

// Statement returns what the input owner signs
func (b *SplitBundle) Statement() Statement {
	return Statement{
		Kind:            types.OpSplit,
		Token:           b.Token,
		InputCommitment: b.InputCommitment,
		OutputsDigest:   OutputsDigest(b.Outputs...),
		Nullifier:       b.Nullifier,
	}
}

// Statement returns what the input owner signs
func (b *TransferBundle) Statement() Statement {
	return Statement{
		Kind:            types.OpTransfer,
		Token:           b.Token,
		InputCommitment: b.InputCommitment,
		OutputsDigest:   OutputsDigest(b.Output),
		Nullifier:       b.Nullifier,
	}
}

// Statement returns what the input owner signs
func (b *WithdrawBundle) Statement() Statement {
	return Statement{
		Kind:            types.OpWithdraw,
		Token:           b.Token,
		InputCommitment: b.Commitment,
		Nullifier:       b.Nullifier,
		Amount:          b.Amount,
		Recipient:       b.Recipient,
	}
}
