package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Test hex encoding of hashes and commitments
func TestHashText(t *testing.T) {
	h := Hash{0xde, 0xad, 0xbe, 0xef}
	text, err := h.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(text) != h.String() {
		t.Errorf("MarshalText = %s, String = %s", text, h.String())
	}

	var back Hash
	if err := back.UnmarshalText(text); err != nil {
		t.Fatal(err)
	}
	if back != h {
		t.Error("hash did not survive a text round trip")
	}

	if err := back.UnmarshalText([]byte("0x1234")); err == nil {
		t.Error("short hex should be rejected")
	}
	if !EmptyHash.IsEmpty() || h.IsEmpty() {
		t.Error("IsEmpty is wrong")
	}
}

func TestCommitmentFromHex(t *testing.T) {
	c := Commitment{1, 2, 3}
	got, err := CommitmentFromHex(c.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != c {
		t.Error("commitment mismatch")
	}
	if _, err := CommitmentFromHex("zz"); err == nil {
		t.Error("garbage should be rejected")
	}
}

// Test UTXO state derivation and cloning
func TestUTXOState(t *testing.T) {
	u := &UTXO{ID: "a", Value: big.NewInt(5), BlindingFactor: big.NewInt(7), CreatedAt: time.Now()}
	if u.State() != StateCreated {
		t.Errorf("state = %s, want CREATED", u.State())
	}
	u.Confirmed = true
	if u.State() != StateConfirmed {
		t.Errorf("state = %s, want CONFIRMED", u.State())
	}
	u.Spent = true
	if u.State() != StateSpent {
		t.Errorf("state = %s, want SPENT", u.State())
	}

	c := u.Clone()
	c.Value.SetInt64(99)
	c.BlindingFactor.SetInt64(99)
	if u.Value.Int64() != 5 || u.BlindingFactor.Int64() != 7 {
		t.Error("clone shares big.Int storage with the original")
	}
	if (*UTXO)(nil).Clone() != nil {
		t.Error("nil clone should be nil")
	}
}

func TestUTXOJSONHidesNothingTheOwnerNeeds(t *testing.T) {
	u := &UTXO{
		ID:             "id",
		Commitment:     Commitment{9},
		Value:          big.NewInt(12),
		TokenAddress:   common.HexToAddress("0xc0"),
		Owner:          common.HexToAddress("0xa1"),
		BlindingFactor: big.NewInt(3),
		Nullifier:      Hash{4},
		Type:           UTXOSplit,
		Confirmed:      true,
	}
	data, err := json.Marshal(u)
	if err != nil {
		t.Fatal(err)
	}
	var back UTXO
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Value.Cmp(u.Value) != 0 || back.BlindingFactor.Cmp(u.BlindingFactor) != 0 {
		t.Error("opening lost in JSON")
	}
	if back.Commitment != u.Commitment || back.Nullifier != u.Nullifier || back.Type != UTXOSplit {
		t.Error("record fields lost in JSON")
	}
}

func TestOperationOutputSum(t *testing.T) {
	op := &Operation{
		Kind: OpSplit,
		Outputs: []OutputSpec{
			{Value: big.NewInt(30)},
			{Value: big.NewInt(70)},
			{},
		},
	}
	if op.OutputSum().Int64() != 100 {
		t.Errorf("OutputSum = %s, want 100", op.OutputSum())
	}
}

// Test that every kind maps back to its sentinel through wrapping
func TestErrorKinds(t *testing.T) {
	for _, entry := range kindTable {
		wrapped := fmt.Errorf("context: %w", entry.err)
		if got := KindOf(wrapped); got != entry.kind {
			t.Errorf("KindOf(%v) = %s, want %s", wrapped, got, entry.kind)
		}
		if ErrorForKind(entry.kind) != entry.err {
			t.Errorf("ErrorForKind(%s) returned the wrong sentinel", entry.kind)
		}
	}
	if KindOf(nil) != KindNone {
		t.Error("nil should be KindNone")
	}
	if KindOf(errors.New("other")) != KindInternal {
		t.Error("unknown errors should be KindInternal")
	}
	if ErrorForKind("Nope") != nil {
		t.Error("unknown kind should map to nil")
	}
}

func TestIsRecoverable(t *testing.T) {
	if IsRecoverable(ErrNullifierAlreadyUsed) || IsRecoverable(ErrAuthorizationFailure) {
		t.Error("replays and authorization failures need intervention")
	}
	if !IsRecoverable(ErrOutOfRange) || !IsRecoverable(fmt.Errorf("x: %w", ErrVerifierUnavailable)) {
		t.Error("input errors and outages are recoverable")
	}
}
