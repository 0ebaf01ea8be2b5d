// Package signer provides a secp256k1 key signer for wallets that hold their own key.
package signer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ccoin/privutxo/pkg/types"
)

// ErrNoKey is returned when a signer is used without a key
var ErrNoKey = errors.New("signer has no key")

// KeySigner signs with an in-memory secp256k1 key. Signatures use V in {27, 28}.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address types.Address
}

// NewKeySigner wraps an existing key
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// GenerateKeySigner creates a signer with a fresh random key
func GenerateKeySigner() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewKeySigner(key), nil
}

// KeySignerFromHex parses a hex encoded private key
func KeySignerFromHex(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewKeySigner(key), nil
}

// LoadKeySigner reads a key file. Encrypted JSON keystore files are decrypted with
// passphrase; anything else is treated as a hex private key.
func LoadKeySigner(path, passphrase string) (*KeySigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		k, err := keystore.DecryptKey(data, passphrase)
		if err != nil {
			return nil, fmt.Errorf("decrypt keystore: %w", err)
		}
		return NewKeySigner(k.PrivateKey), nil
	}
	return KeySignerFromHex(string(data))
}

// GetAddress returns the signer's address
func (s *KeySigner) GetAddress(ctx context.Context) (types.Address, error) {
	if s == nil || s.key == nil {
		return types.Address{}, ErrNoKey
	}
	return s.address, nil
}

// SignMessage signs an EIP-191 personal message. The signature is deterministic for
// a given key and message.
func (s *KeySigner) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	return s.signHash(ctx, accounts.TextHash(msg))
}

// SignTypedData signs an EIP-712 payload
func (s *KeySigner) SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return s.signHash(ctx, hash)
}

func (s *KeySigner) signHash(ctx context.Context, hash []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, ErrNoKey
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
