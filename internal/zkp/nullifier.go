package zkp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ccoin/privutxo/pkg/types"
)

// nullifierDomain separates nullifier hashes from every other digest in the system
const nullifierDomain = "privutxo/nullifier"

// ErrNullifierUnknown is returned when info is requested for an unrecorded nullifier
var ErrNullifierUnknown = errors.New("nullifier not recorded")

// GenerateNullifier derives the single-use spend tag of a UTXO:
// H(domain || commitment || owner || nonce). The inputs are fixed width, so the
// concatenation is unambiguous.
func GenerateNullifier(hasher HashProvider, commitment types.Commitment, owner types.Address, nonce types.Hash) types.Nullifier {
	return hasher.Sum([]byte(nullifierDomain), commitment[:], owner[:], nonce[:])
}

// NullifierSet tracks spent nullifiers to prevent double-spending
type NullifierSet struct {
	mu sync.RWMutex

	// In-memory cache of recent nullifiers
	cache map[types.Nullifier]struct{}

	// Serializes check-then-insert in MarkSpent
	writeMu sync.Mutex

	store NullifierStore

	maxCacheSize int
}

// NullifierStore defines the interface for persistent nullifier storage
type NullifierStore interface {
	// HasNullifier checks if a nullifier has been spent
	HasNullifier(ctx context.Context, nullifier types.Nullifier) (bool, error)

	// AddNullifier marks a nullifier as spent by the given receipt
	AddNullifier(ctx context.Context, info *NullifierInfo) error

	// GetNullifierInfo returns information about a spent nullifier
	GetNullifierInfo(ctx context.Context, nullifier types.Nullifier) (*NullifierInfo, error)
}

// NullifierInfo records which accepted operation consumed a nullifier
type NullifierInfo struct {
	Nullifier  types.Nullifier  `json:"nullifier"`
	Commitment types.Commitment `json:"commitment"`
	ReceiptID  string           `json:"receipt"`
	Sequence   uint64           `json:"sequence"`
	SpentAt    time.Time        `json:"spent_at"`
}

// NullifierConfig holds configuration for the nullifier set
type NullifierConfig struct {
	MaxCacheSize int
}

// DefaultNullifierConfig returns default configuration
func DefaultNullifierConfig() *NullifierConfig {
	return &NullifierConfig{
		MaxCacheSize: 100000,
	}
}

// NewNullifierSet creates a new nullifier set. A nil store keeps everything in memory.
func NewNullifierSet(store NullifierStore, cfg *NullifierConfig) *NullifierSet {
	if cfg == nil {
		cfg = DefaultNullifierConfig()
	}
	if store == nil {
		store = NewInMemoryNullifierStore()
	}

	return &NullifierSet{
		cache:        make(map[types.Nullifier]struct{}),
		store:        store,
		maxCacheSize: cfg.MaxCacheSize,
	}
}

// IsSpent checks if a nullifier has already been spent
func (ns *NullifierSet) IsSpent(ctx context.Context, nullifier types.Nullifier) (bool, error) {
	ns.mu.RLock()
	_, inCache := ns.cache[nullifier]
	ns.mu.RUnlock()

	if inCache {
		return true, nil
	}

	return ns.store.HasNullifier(ctx, nullifier)
}

// MarkSpent records a nullifier. It fails with types.ErrNullifierAlreadyUsed on replay.
func (ns *NullifierSet) MarkSpent(ctx context.Context, info *NullifierInfo) error {
	ns.writeMu.Lock()
	defer ns.writeMu.Unlock()

	spent, err := ns.IsSpent(ctx, info.Nullifier)
	if err != nil {
		return err
	}
	if spent {
		return types.ErrNullifierAlreadyUsed
	}

	if info.SpentAt.IsZero() {
		info.SpentAt = time.Now()
	}
	if err := ns.store.AddNullifier(ctx, info); err != nil {
		return err
	}

	ns.mu.Lock()
	ns.cache[info.Nullifier] = struct{}{}

	// Evict an arbitrary entry once the cache is full; the store stays authoritative
	if len(ns.cache) > ns.maxCacheSize {
		for k := range ns.cache {
			if k != info.Nullifier {
				delete(ns.cache, k)
				break
			}
		}
	}
	ns.mu.Unlock()

	return nil
}

// BatchCheck checks multiple nullifiers at once
func (ns *NullifierSet) BatchCheck(ctx context.Context, nullifiers []types.Nullifier) ([]bool, error) {
	results := make([]bool, len(nullifiers))

	for i, nullifier := range nullifiers {
		spent, err := ns.IsSpent(ctx, nullifier)
		if err != nil {
			return nil, err
		}
		results[i] = spent
	}

	return results, nil
}

// Info returns the spend record of a nullifier
func (ns *NullifierSet) Info(ctx context.Context, nullifier types.Nullifier) (*NullifierInfo, error) {
	return ns.store.GetNullifierInfo(ctx, nullifier)
}

// InMemoryNullifierStore is a map-backed NullifierStore
type InMemoryNullifierStore struct {
	mu         sync.RWMutex
	nullifiers map[types.Nullifier]*NullifierInfo
}

// NewInMemoryNullifierStore creates a new in-memory nullifier store
func NewInMemoryNullifierStore() *InMemoryNullifierStore {
	return &InMemoryNullifierStore{
		nullifiers: make(map[types.Nullifier]*NullifierInfo),
	}
}

// HasNullifier checks if a nullifier exists
func (s *InMemoryNullifierStore) HasNullifier(ctx context.Context, nullifier types.Nullifier) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.nullifiers[nullifier]
	return exists, nil
}

// AddNullifier adds a nullifier
func (s *InMemoryNullifierStore) AddNullifier(ctx context.Context, info *NullifierInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nullifiers[info.Nullifier]; exists {
		return types.ErrNullifierAlreadyUsed
	}
	cp := *info
	s.nullifiers[info.Nullifier] = &cp
	return nil
}

// GetNullifierInfo returns info about a nullifier
func (s *InMemoryNullifierStore) GetNullifierInfo(ctx context.Context, nullifier types.Nullifier) (*NullifierInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, exists := s.nullifiers[nullifier]
	if !exists {
		return nil, ErrNullifierUnknown
	}
	cp := *info
	return &cp, nil
}

// Size returns the number of nullifiers
func (s *InMemoryNullifierStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nullifiers)
}
