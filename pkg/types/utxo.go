package types

import (
	"math/big"
	"time"
)

// UTXOType records which operation created a UTXO. A withdrawal creates no record;
// the spent input keeps its type and points at the withdraw receipt.
type UTXOType uint8

const (
	// UTXODeposit is created by converting a public token balance
	UTXODeposit UTXOType = iota + 1

	// UTXOSplit is an output of a split
	UTXOSplit

	// UTXOTransfer is the output of a transfer to a new owner
	UTXOTransfer
)

// String returns the wire name of the type
func (t UTXOType) String() string {
	switch t {
	case UTXODeposit:
		return "DEPOSIT"
	case UTXOSplit:
		return "SPLIT"
	case UTXOTransfer:
		return "TRANSFER"
	default:
		return "UNKNOWN"
	}
}

// UTXOState is the lifecycle state of a UTXO
type UTXOState uint8

const (
	// StateCreated means the record exists locally but the verifier has not confirmed it
	StateCreated UTXOState = iota

	// StateConfirmed means the verifier accepted the commitment and it is spendable
	StateConfirmed

	// StateSpent is terminal
	StateSpent
)

// String returns the state name
func (s UTXOState) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateConfirmed:
		return "CONFIRMED"
	case StateSpent:
		return "SPENT"
	default:
		return "UNKNOWN"
	}
}

// UTXO is a privacy-preserving unspent output. Value and BlindingFactor are only
// known to the owner; everything the verifier sees is derived from Commitment.
type UTXO struct {
	// ID is the local identifier (uuid)
	ID string `json:"id"`

	// Commitment is the compressed Pedersen commitment C = v*G + r*H
	Commitment Commitment `json:"commitment"`

	// Value is the hidden amount
	Value *big.Int `json:"value,omitempty"`

	// TokenAddress is the fungible token this UTXO denominates
	TokenAddress Address `json:"token"`

	// Owner is the address allowed to spend the UTXO
	Owner Address `json:"owner"`

	// BlindingFactor is the scalar r of the commitment
	BlindingFactor *big.Int `json:"blinding,omitempty"`

	// Nullifier is presented exactly once, when the UTXO is spent
	Nullifier Nullifier `json:"nullifier"`

	// Nonce is the per-output nonce the nullifier was derived from
	Nonce Hash `json:"nonce"`

	// ParentID is the spent input this UTXO was produced from (empty for deposits)
	ParentID string `json:"parent,omitempty"`

	// Type is the creating operation
	Type UTXOType `json:"type"`

	// Spent is set once, when the verifier accepts the nullifier
	Spent bool `json:"spent"`

	// Confirmed is set when the verifier accepted the creating operation
	Confirmed bool `json:"confirmed"`

	// CreatedAt is the local creation time
	CreatedAt time.Time `json:"created_at"`

	// ReceiptID references the verifier receipt that confirmed the UTXO
	ReceiptID string `json:"receipt,omitempty"`

	// SpentReceiptID references the verifier receipt that consumed the UTXO
	SpentReceiptID string `json:"spent_receipt,omitempty"`

	// Sealed holds the encrypted value and blinding when stored by a sealing repository
	Sealed []byte `json:"sealed,omitempty"`
}

// State derives the lifecycle state from the flags
func (u *UTXO) State() UTXOState {
	switch {
	case u.Spent:
		return StateSpent
	case u.Confirmed:
		return StateConfirmed
	default:
		return StateCreated
	}
}

// RecordID returns the ledger key
func (u *UTXO) RecordID() string {
	return u.ID
}

// RecordOwner returns the ledger owner index key
func (u *UTXO) RecordOwner() Address {
	return u.Owner
}

// Clone returns a deep copy so callers cannot mutate ledger state
func (u *UTXO) Clone() *UTXO {
	if u == nil {
		return nil
	}
	c := *u
	if u.Value != nil {
		c.Value = new(big.Int).Set(u.Value)
	}
	if u.BlindingFactor != nil {
		c.BlindingFactor = new(big.Int).Set(u.BlindingFactor)
	}
	if u.Sealed != nil {
		c.Sealed = append([]byte(nil), u.Sealed...)
	}
	return &c
}

// OperationKind identifies a state transition
type OperationKind string

const (
	OpDeposit  OperationKind = "DEPOSIT"
	OpSplit    OperationKind = "SPLIT"
	OpTransfer OperationKind = "TRANSFER"
	OpWithdraw OperationKind = "WITHDRAW"
)

// OutputSpec describes one output of an operation
type OutputSpec struct {
	Value *big.Int
	Owner Address
}

// Operation is an ephemeral, validated request. It is never persisted.
type Operation struct {
	Kind      OperationKind
	Token     Address
	InputID   string
	Outputs   []OutputSpec
	Recipient Address
}

// OutputSum returns the sum of the output values
func (op *Operation) OutputSum() *big.Int {
	sum := new(big.Int)
	for _, out := range op.Outputs {
		if out.Value != nil {
			sum.Add(sum, out.Value)
		}
	}
	return sum
}
