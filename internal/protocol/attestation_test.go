package protocol

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/privutxo/pkg/types"
)

var testDomain = Domain{
	ChainID:           31337,
	VerifyingContract: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
}

func sampleStatement() Statement {
	return Statement{
		Kind:            types.OpWithdraw,
		Token:           common.HexToAddress("0x00000000000000000000000000000000000000c0"),
		InputCommitment: types.Commitment{0x81, 0x02},
		Nullifier:       types.Hash{0x33},
		Amount:          big.NewInt(40),
		Recipient:       common.HexToAddress("0x00000000000000000000000000000000000000d1"),
	}
}

func TestAttestationRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	stmt := sampleStatement()
	hash, err := testDomain.Hash(stmt)
	require.NoError(t, err)
	sig, err := crypto.Sign(hash, key)
	require.NoError(t, err)

	got, err := testDomain.RecoverSigner(stmt, sig)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	// wallets commonly return V in {27, 28}
	legacy := append([]byte(nil), sig...)
	legacy[64] += 27
	got, err = testDomain.RecoverSigner(stmt, legacy)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	require.NoError(t, testDomain.CheckAttestation(stmt, Attestation{Signer: addr, Signature: sig}, addr))
}

func TestAttestationBindsStatementAndDomain(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	stmt := sampleStatement()
	hash, err := testDomain.Hash(stmt)
	require.NoError(t, err)
	sig, err := crypto.Sign(hash, key)
	require.NoError(t, err)
	att := Attestation{Signer: addr, Signature: sig}

	changed := stmt
	changed.Amount = big.NewInt(41)
	err = testDomain.CheckAttestation(changed, att, addr)
	assert.ErrorIs(t, err, types.ErrAuthorizationFailure)

	otherChain := testDomain
	otherChain.ChainID = 1
	err = otherChain.CheckAttestation(stmt, att, addr)
	assert.ErrorIs(t, err, types.ErrAuthorizationFailure)

	stranger := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	err = testDomain.CheckAttestation(stmt, Attestation{Signer: stranger, Signature: sig}, stranger)
	assert.ErrorIs(t, err, types.ErrAuthorizationFailure)

	err = testDomain.CheckAttestation(stmt, Attestation{Signer: addr, Signature: sig[:10]}, addr)
	assert.ErrorIs(t, err, types.ErrAuthorizationFailure)
}

func TestOutputsDigestOrderMatters(t *testing.T) {
	a := OutputRecord{Commitment: types.Commitment{1}, Owner: common.HexToAddress("0x01"), Nullifier: types.Hash{1}}
	b := OutputRecord{Commitment: types.Commitment{2}, Owner: common.HexToAddress("0x02"), Nullifier: types.Hash{2}}
	assert.NotEqual(t, OutputsDigest(a, b), OutputsDigest(b, a))
	assert.Equal(t, OutputsDigest(a, b), OutputsDigest(a, b))

	// the note is part of what the owner signs
	renoted := b
	renoted.Note = types.Hash{7}
	assert.NotEqual(t, OutputsDigest(a, b), OutputsDigest(a, renoted))
}

func TestStatementsDifferByKind(t *testing.T) {
	out := OutputRecord{Commitment: types.Commitment{9}, Nullifier: types.Hash{9}}
	split := (&SplitBundle{Outputs: []OutputRecord{out}, Nullifier: types.Hash{1}}).Statement()
	transfer := (&TransferBundle{Output: out, Nullifier: types.Hash{1}}).Statement()

	h1, err := testDomain.Hash(split)
	require.NoError(t, err)
	h2, err := testDomain.Hash(transfer)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, split.OutputsDigest, transfer.OutputsDigest)
}
