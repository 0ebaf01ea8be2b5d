package types

import "errors"

// Engine error taxonomy. Every failure surfaced by the engine wraps exactly one of these.
var (
	ErrInvalidAmount              = errors.New("invalid amount")
	ErrInvalidScalar              = errors.New("invalid scalar")
	ErrInvalidPoint               = errors.New("invalid curve point")
	ErrDivisionByZero             = errors.New("division by zero")
	ErrInverseVerificationFailed  = errors.New("inverse verification failed")
	ErrOutOfRange                 = errors.New("value out of range")
	ErrInvalidBlinding            = errors.New("invalid blinding factor")
	ErrValueConservationViolation = errors.New("value conservation violation")
	ErrUTXONotFound               = errors.New("utxo not found")
	ErrUTXOAlreadySpent           = errors.New("utxo already spent")
	ErrCorruptedCommitment        = errors.New("corrupted commitment")
	ErrNullifierAlreadyUsed       = errors.New("nullifier already used")
	ErrAuthorizationFailure       = errors.New("authorization failure")
	ErrVerifierUnavailable        = errors.New("verifier unavailable")
	ErrInvalidProof               = errors.New("invalid proof")
)

// ErrorKind names a taxonomy entry. It is stable and used on the wire.
type ErrorKind string

const (
	KindNone                       ErrorKind = ""
	KindInvalidAmount              ErrorKind = "InvalidAmount"
	KindInvalidScalar              ErrorKind = "InvalidScalar"
	KindInvalidPoint               ErrorKind = "InvalidPoint"
	KindDivisionByZero             ErrorKind = "DivisionByZero"
	KindInverseVerificationFailed  ErrorKind = "InverseVerificationFailed"
	KindOutOfRange                 ErrorKind = "OutOfRange"
	KindInvalidBlinding            ErrorKind = "InvalidBlinding"
	KindValueConservationViolation ErrorKind = "ValueConservationViolation"
	KindUTXONotFound               ErrorKind = "UTXONotFound"
	KindUTXOAlreadySpent           ErrorKind = "UTXOAlreadySpent"
	KindCorruptedCommitment        ErrorKind = "CorruptedCommitment"
	KindNullifierAlreadyUsed       ErrorKind = "NullifierAlreadyUsed"
	KindAuthorizationFailure       ErrorKind = "AuthorizationFailure"
	KindVerifierUnavailable        ErrorKind = "VerifierUnavailable"
	KindInvalidProof               ErrorKind = "InvalidProof"
	KindInternal                   ErrorKind = "Internal"
)

var kindTable = []struct {
	kind ErrorKind
	err  error
}{
	{KindInvalidAmount, ErrInvalidAmount},
	{KindInvalidScalar, ErrInvalidScalar},
	{KindInvalidPoint, ErrInvalidPoint},
	{KindDivisionByZero, ErrDivisionByZero},
	{KindInverseVerificationFailed, ErrInverseVerificationFailed},
	{KindOutOfRange, ErrOutOfRange},
	{KindInvalidBlinding, ErrInvalidBlinding},
	{KindValueConservationViolation, ErrValueConservationViolation},
	{KindUTXONotFound, ErrUTXONotFound},
	{KindUTXOAlreadySpent, ErrUTXOAlreadySpent},
	{KindCorruptedCommitment, ErrCorruptedCommitment},
	{KindNullifierAlreadyUsed, ErrNullifierAlreadyUsed},
	{KindAuthorizationFailure, ErrAuthorizationFailure},
	{KindVerifierUnavailable, ErrVerifierUnavailable},
	{KindInvalidProof, ErrInvalidProof},
}

// KindOf classifies an error. Errors outside the taxonomy are KindInternal; nil is KindNone.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindInternal
}

// ErrorForKind returns the sentinel error for a kind, or nil when the kind is unknown
func ErrorForKind(kind ErrorKind) error {
	for _, entry := range kindTable {
		if entry.kind == kind {
			return entry.err
		}
	}
	return nil
}

// IsRecoverable reports whether the caller can retry after correcting its input.
// Authorization failures and nullifier replays need intervention (sync or a new signer).
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case KindAuthorizationFailure, KindNullifierAlreadyUsed, KindInternal:
		return false
	}
	return true
}
