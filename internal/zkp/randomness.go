package zkp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"

	"github.com/ccoin/privutxo/internal/curve"
	"github.com/ccoin/privutxo/pkg/types"
)

// RngProvider is the source of secret randomness. Tests inject deterministic readers.
type RngProvider = io.Reader

// HashProvider computes the 32-byte digests used for nullifiers, transcripts and the
// commitment tree.
type HashProvider interface {
	Name() string
	Sum(parts ...[]byte) types.Hash
}

// Hasher names accepted by NewHashProvider
const (
	HasherKeccak256 = "keccak256"
	HasherBlake2b   = "blake2b"
)

// scalarSampleBytes is large enough that reducing mod n has negligible bias
const scalarSampleBytes = 48

type keccakHasher struct{}

func (keccakHasher) Name() string { return HasherKeccak256 }

func (keccakHasher) Sum(parts ...[]byte) types.Hash {
	return types.Hash(crypto.Keccak256Hash(parts...))
}

type blake2bHasher struct{}

func (blake2bHasher) Name() string { return HasherBlake2b }

func (blake2bHasher) Sum(parts ...[]byte) types.Hash {
	h, _ := blake2b.New256(nil)
	return sumInto(h, parts)
}

func sumInto(h hash.Hash, parts [][]byte) types.Hash {
	for _, p := range parts {
		h.Write(p)
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Keccak256 returns the default hash provider
func Keccak256() HashProvider {
	return keccakHasher{}
}

// Blake2b returns the BLAKE2b-256 hash provider
func Blake2b() HashProvider {
	return blake2bHasher{}
}

// NewHashProvider resolves a hasher by name. The empty name selects Keccak-256.
func NewHashProvider(name string) (HashProvider, error) {
	switch strings.ToLower(name) {
	case "", HasherKeccak256:
		return keccakHasher{}, nil
	case HasherBlake2b:
		return blake2bHasher{}, nil
	default:
		return nil, fmt.Errorf("unknown hasher %q", name)
	}
}

// DefaultRng returns the operating system CSPRNG
func DefaultRng() RngProvider {
	return rand.Reader
}

// RandomScalar draws a uniform scalar in [0, n)
func RandomScalar(rng RngProvider) (*big.Int, error) {
	buf := make([]byte, scalarSampleBytes)
	if _, err := io.ReadFull(rng, buf); err != nil {
		return nil, fmt.Errorf("read randomness: %w", err)
	}
	return new(big.Int).Mod(new(big.Int).SetBytes(buf), curve.Order()), nil
}

// GenerateBlindingFactor draws a blinding factor in [1, n). Zero is excluded so a
// commitment never degenerates to v·G.
func GenerateBlindingFactor(rng RngProvider) (*big.Int, error) {
	buf := make([]byte, scalarSampleBytes)
	if _, err := io.ReadFull(rng, buf); err != nil {
		return nil, fmt.Errorf("read randomness: %w", err)
	}
	nMinus1 := new(big.Int).Sub(curve.Order(), big.NewInt(1))
	r := new(big.Int).Mod(new(big.Int).SetBytes(buf), nMinus1)
	return r.Add(r, big.NewInt(1)), nil
}

// NonceSource produces nonces that never repeat within a process:
// unix nanoseconds (8) || counter (8) || random suffix (16).
type NonceSource struct {
	mu      sync.Mutex
	rng     RngProvider
	counter uint64
	now     func() time.Time
}

// NewNonceSource creates a nonce source over rng
func NewNonceSource(rng RngProvider) *NonceSource {
	if rng == nil {
		rng = DefaultRng()
	}
	return &NonceSource{rng: rng, now: time.Now}
}

// Next returns a fresh nonce
func (s *NonceSource) Next() (types.Hash, error) {
	s.mu.Lock()
	s.counter++
	counter := s.counter
	s.mu.Unlock()

	var nonce types.Hash
	binary.BigEndian.PutUint64(nonce[0:8], uint64(s.now().UnixNano()))
	binary.BigEndian.PutUint64(nonce[8:16], counter)
	if _, err := io.ReadFull(s.rng, nonce[16:]); err != nil {
		return types.Hash{}, fmt.Errorf("read nonce suffix: %w", err)
	}
	return nonce, nil
}
