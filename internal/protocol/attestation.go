package protocol

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ccoin/privutxo/pkg/types"
)

// EIP-712 domain constants
const (
	DomainName    = "PrivateUTXO"
	DomainVersion = "1"

	operationType = "Operation"
)

// ErrBadSignature is returned for signatures that cannot be recovered
var ErrBadSignature = errors.New("malformed signature")

// Domain identifies the deployment an attestation is valid for
type Domain struct {
	ChainID           int64         `json:"chain_id"`
	VerifyingContract types.Address `json:"verifying_contract"`
}

// Statement is the signed summary of an operation
type Statement struct {
	Kind            types.OperationKind
	Token           types.Address
	InputCommitment types.Commitment
	OutputsDigest   types.Hash
	Nullifier       types.Nullifier
	Amount          *big.Int
	Recipient       types.Address
}

var operationFields = []apitypes.Type{
	{Name: "kind", Type: "string"},
	{Name: "token", Type: "address"},
	{Name: "inputCommitment", Type: "bytes32"},
	{Name: "outputsDigest", Type: "bytes32"},
	{Name: "nullifier", Type: "bytes32"},
	{Name: "amount", Type: "uint256"},
	{Name: "recipient", Type: "address"},
}

// TypedData builds the EIP-712 payload for a statement
func (d Domain) TypedData(s Statement) apitypes.TypedData {
	amount := "0"
	if s.Amount != nil {
		amount = s.Amount.String()
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			operationType: operationFields,
		},
		PrimaryType: operationType,
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           math.NewHexOrDecimal256(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"kind":            string(s.Kind),
			"token":           s.Token.Hex(),
			"inputCommitment": s.InputCommitment.String(),
			"outputsDigest":   s.OutputsDigest.String(),
			"nullifier":       s.Nullifier.String(),
			"amount":          amount,
			"recipient":       s.Recipient.Hex(),
		},
	}
}

// Hash returns the EIP-712 digest of a statement
func (d Domain) Hash(s Statement) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(d.TypedData(s))
	return hash, err
}

// RecoverSigner returns the address that produced sig over the statement
func (d Domain) RecoverSigner(s Statement, sig []byte) (types.Address, error) {
	if len(sig) != types.SignatureSize {
		return types.Address{}, fmt.Errorf("%w: %d bytes", ErrBadSignature, len(sig))
	}
	hash, err := d.Hash(s)
	if err != nil {
		return types.Address{}, err
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return types.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// CheckAttestation verifies that att is a valid signature by expected. Every failure
// maps to types.ErrAuthorizationFailure.
func (d Domain) CheckAttestation(s Statement, att Attestation, expected types.Address) error {
	if att.Signer != expected {
		return fmt.Errorf("%w: attested by %s, owner is %s", types.ErrAuthorizationFailure, att.Signer.Hex(), expected.Hex())
	}
	signer, err := d.RecoverSigner(s, att.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrAuthorizationFailure, err)
	}
	if signer != expected {
		return fmt.Errorf("%w: signature recovers to %s", types.ErrAuthorizationFailure, signer.Hex())
	}
	return nil
}
