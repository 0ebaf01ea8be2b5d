// Package types defines the core data structures shared by the private UTXO engine,
// its verifier and its storage backends.
package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// HashSize is the size of a hash or nullifier in bytes
	HashSize = 32

	// CommitmentSize is the size of a compressed BN254 G1 point
	CommitmentSize = 32

	// AddressSize is the size of an account address in bytes
	AddressSize = common.AddressLength

	// SignatureSize is the size of a recoverable secp256k1 signature
	SignatureSize = 65
)

// Hash represents a 32-byte digest
type Hash [HashSize]byte

// Nullifier is the single-use tag presented when a UTXO is spent
type Nullifier = Hash

// Address is an externally owned account address
type Address = common.Address

// Commitment is the compressed encoding of a Pedersen commitment point
type Commitment [CommitmentSize]byte

// EmptyHash is the zero hash
var EmptyHash = Hash{}

// EmptyAddress is the zero address
var EmptyAddress = Address{}

// IsEmpty returns true if the hash is empty (all zeros)
func (h Hash) IsEmpty() bool {
	return h == EmptyHash
}

// Bytes returns the hash as a byte slice
func (h Hash) Bytes() []byte {
	return h[:]
}

// String returns the hex string representation of the hash
func (h Hash) String() string {
	return bytesToHex(h[:])
}

// MarshalText implements encoding.TextMarshaler
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *Hash) UnmarshalText(text []byte) error {
	return decodeFixedHex(string(text), h[:])
}

// HashFromBytes creates a Hash from a byte slice
func HashFromBytes(b []byte) Hash {
	var h Hash
	if len(b) >= HashSize {
		copy(h[:], b[:HashSize])
	}
	return h
}

// HashFromHex parses a 0x-prefixed or bare hex string
func HashFromHex(s string) (Hash, error) {
	var h Hash
	err := decodeFixedHex(s, h[:])
	return h, err
}

// Bytes returns the commitment encoding as a byte slice
func (c Commitment) Bytes() []byte {
	return c[:]
}

// String returns the hex string representation of the commitment
func (c Commitment) String() string {
	return bytesToHex(c[:])
}

// MarshalText implements encoding.TextMarshaler
func (c Commitment) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *Commitment) UnmarshalText(text []byte) error {
	return decodeFixedHex(string(text), c[:])
}

// CommitmentFromHex parses a hex encoded commitment
func CommitmentFromHex(s string) (Commitment, error) {
	var c Commitment
	err := decodeFixedHex(s, c[:])
	return c, err
}

func bytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

func decodeFixedHex(s string, dst []byte) error {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 2*len(dst) {
		return fmt.Errorf("expected %d hex bytes, got %d characters", len(dst), len(s))
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}
