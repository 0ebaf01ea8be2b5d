package storage

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ccoin/privutxo/pkg/types"
)

// SealingMessage is signed to derive the sealing key. The signature must be
// deterministic, which holds for RFC 6979 secp256k1 signers.
const SealingMessage = "privutxo: repository sealing key v1"

// MessageSigner signs personal messages
type MessageSigner interface {
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
}

// SealedStore encrypts value and blinding factor before they reach the inner store.
// Everything else (commitment, nullifier, flags) stays in clear so the backend can
// still index it.
type SealedStore struct {
	inner Store
	aead  cipher.AEAD
}

type sealedSecret struct {
	Value    *big.Int `json:"v"`
	Blinding *big.Int `json:"r"`
}

// NewSealedStore derives the key from signer and wraps inner
func NewSealedStore(ctx context.Context, inner Store, signer MessageSigner) (*SealedStore, error) {
	sig, err := signer.SignMessage(ctx, []byte(SealingMessage))
	if err != nil {
		return nil, fmt.Errorf("failed to derive sealing key: %w", err)
	}
	return NewSealedStoreWithKey(inner, crypto.Keccak256(sig))
}

// NewSealedStoreWithKey wraps inner using a 32-byte key
func NewSealedStoreWithKey(inner Store, key []byte) (*SealedStore, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return &SealedStore{inner: inner, aead: aead}, nil
}

func sealingAD(owner types.Address, id string) []byte {
	return append(append([]byte{}, owner[:]...), id...)
}

// Put seals the secrets and stores the record without them
func (s *SealedStore) Put(ctx context.Context, owner types.Address, utxo *types.UTXO) error {
	if err := checkOwner(owner, utxo); err != nil {
		return err
	}
	plain, err := json.Marshal(sealedSecret{Value: utxo.Value, Blinding: utxo.BlindingFactor})
	if err != nil {
		return err
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	rec := utxo.Clone()
	rec.Sealed = s.aead.Seal(nonce, nonce, plain, sealingAD(owner, utxo.ID))
	rec.Value = nil
	rec.BlindingFactor = nil
	return s.inner.Put(ctx, owner, rec)
}

// Get opens every record. A record that fails authentication fails the whole read.
func (s *SealedStore) Get(ctx context.Context, owner types.Address) ([]*types.UTXO, error) {
	recs, err := s.inner.Get(ctx, owner)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if err := s.open(owner, rec); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func (s *SealedStore) open(owner types.Address, rec *types.UTXO) error {
	if len(rec.Sealed) < s.aead.NonceSize() {
		return fmt.Errorf("%w: utxo %s is not sealed", ErrInvalidData, rec.ID)
	}
	nonce, ct := rec.Sealed[:s.aead.NonceSize()], rec.Sealed[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ct, sealingAD(owner, rec.ID))
	if err != nil {
		return fmt.Errorf("%w: utxo %s: %v", ErrInvalidData, rec.ID, err)
	}
	var secret sealedSecret
	if err := json.Unmarshal(plain, &secret); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	rec.Value = secret.Value
	rec.BlindingFactor = secret.Blinding
	rec.Sealed = nil
	return nil
}

// Close closes the inner store
func (s *SealedStore) Close() error {
	return s.inner.Close()
}
