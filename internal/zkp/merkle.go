package zkp

import (
	"context"
	"errors"
	"sync"

	"github.com/ccoin/privutxo/pkg/types"
)

// Merkle tree errors
var (
	ErrTreeFull        = errors.New("merkle tree is full")
	ErrLeafNotFound    = errors.New("leaf not found in tree")
	ErrInvalidPosition = errors.New("invalid position")
)

// TreeDepth is the default depth of the commitment tree
const TreeDepth = 32

const merkleNodeDomain = "privutxo/merkle/node"

// CommitmentTree is an append-only Merkle tree over accepted commitments. Receipts
// carry its root so a client can later prove inclusion of its outputs.
type CommitmentTree struct {
	mu sync.RWMutex

	depth  int
	size   uint64
	root   types.Hash
	hasher HashProvider

	store TreeStore

	// empty[level] is the root of an empty subtree of that height
	empty []types.Hash

	// position of every leaf
	positions map[types.Commitment]uint64
}

// TreeStore defines the interface for Merkle tree persistence
type TreeStore interface {
	// GetNode retrieves a node by position
	GetNode(ctx context.Context, level, index uint64) (types.Hash, error)

	// SetNode stores a node
	SetNode(ctx context.Context, level, index uint64, hash types.Hash) error

	// GetSize returns the number of leaves
	GetSize(ctx context.Context) (uint64, error)

	// SetSize updates the leaf count
	SetSize(ctx context.Context, size uint64) error
}

// MerklePath represents a path from a leaf to the root
type MerklePath struct {
	// Siblings are the sibling hashes along the path
	Siblings []types.Hash `json:"siblings"`

	// PathBits indicates left (false) or right (true) at each level
	PathBits []bool `json:"path_bits"`

	LeafPosition uint64     `json:"position"`
	Root         types.Hash `json:"root"`
}

// NewCommitmentTree creates a new commitment tree
func NewCommitmentTree(store TreeStore, hasher HashProvider, depth int) *CommitmentTree {
	if depth <= 0 {
		depth = TreeDepth
	}
	if store == nil {
		store = NewInMemoryTreeStore()
	}
	if hasher == nil {
		hasher = Keccak256()
	}

	ct := &CommitmentTree{
		depth:     depth,
		hasher:    hasher,
		store:     store,
		positions: make(map[types.Commitment]uint64),
	}
	ct.empty = make([]types.Hash, depth+1)
	for level := 1; level <= depth; level++ {
		ct.empty[level] = ct.hashPair(ct.empty[level-1], ct.empty[level-1])
	}
	ct.root = ct.empty[depth]
	return ct
}

// Initialize loads the tree state from storage and rebuilds the leaf index
func (ct *CommitmentTree) Initialize(ctx context.Context) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	size, err := ct.store.GetSize(ctx)
	if err != nil {
		return err
	}
	ct.size = size
	ct.positions = make(map[types.Commitment]uint64, size)
	for i := uint64(0); i < size; i++ {
		leaf, err := ct.store.GetNode(ctx, 0, i)
		if err != nil {
			return err
		}
		ct.positions[types.Commitment(leaf)] = i
	}

	ct.root = ct.empty[ct.depth]
	if size > 0 {
		root, err := ct.store.GetNode(ctx, uint64(ct.depth), 0)
		if err != nil {
			return err
		}
		ct.root = root
	}
	return nil
}

// AddCommitment appends a commitment and returns its leaf position
func (ct *CommitmentTree) AddCommitment(ctx context.Context, commitment types.Commitment) (uint64, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.depth < 64 && ct.size >= uint64(1)<<ct.depth {
		return 0, ErrTreeFull
	}

	position := ct.size
	leaf := types.Hash(commitment)
	if err := ct.store.SetNode(ctx, 0, position, leaf); err != nil {
		return 0, err
	}

	currentHash := leaf
	currentIndex := position
	for level := 0; level < ct.depth; level++ {
		siblingHash := ct.node(ctx, level, currentIndex^1)

		if currentIndex%2 == 0 {
			currentHash = ct.hashPair(currentHash, siblingHash)
		} else {
			currentHash = ct.hashPair(siblingHash, currentHash)
		}
		currentIndex /= 2

		if err := ct.store.SetNode(ctx, uint64(level+1), currentIndex, currentHash); err != nil {
			return 0, err
		}
	}

	if err := ct.store.SetSize(ctx, position+1); err != nil {
		return 0, err
	}
	ct.size = position + 1
	ct.root = currentHash
	ct.positions[commitment] = position

	return position, nil
}

// GetRoot returns the current Merkle root
func (ct *CommitmentTree) GetRoot() types.Hash {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.root
}

// GetSize returns the number of commitments in the tree
func (ct *CommitmentTree) GetSize() uint64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.size
}

// Remaining returns how many more commitments fit in the tree
func (ct *CommitmentTree) Remaining() uint64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	if ct.depth >= 64 {
		return ^uint64(0) - ct.size
	}
	return uint64(1)<<ct.depth - ct.size
}

// GetPath returns the Merkle path for a given leaf position
func (ct *CommitmentTree) GetPath(ctx context.Context, position uint64) (*MerklePath, error) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	if position >= ct.size {
		return nil, ErrInvalidPosition
	}

	siblings := make([]types.Hash, ct.depth)
	pathBits := make([]bool, ct.depth)

	currentIndex := position
	for level := 0; level < ct.depth; level++ {
		siblings[level] = ct.node(ctx, level, currentIndex^1)
		pathBits[level] = currentIndex%2 == 1
		currentIndex /= 2
	}

	return &MerklePath{
		Siblings:     siblings,
		PathBits:     pathBits,
		LeafPosition: position,
		Root:         ct.root,
	}, nil
}

// PathFor returns the inclusion path of a commitment
func (ct *CommitmentTree) PathFor(ctx context.Context, commitment types.Commitment) (*MerklePath, error) {
	ok, position := ct.ContainsCommitment(commitment)
	if !ok {
		return nil, ErrLeafNotFound
	}
	return ct.GetPath(ctx, position)
}

// VerifyPath verifies a Merkle path leads to the expected root
func (ct *CommitmentTree) VerifyPath(commitment types.Commitment, path *MerklePath, expectedRoot types.Hash) bool {
	if path == nil || len(path.Siblings) != ct.depth || len(path.PathBits) != ct.depth {
		return false
	}

	currentHash := types.Hash(commitment)
	for i := 0; i < ct.depth; i++ {
		if path.PathBits[i] {
			currentHash = ct.hashPair(path.Siblings[i], currentHash)
		} else {
			currentHash = ct.hashPair(currentHash, path.Siblings[i])
		}
	}

	return currentHash == expectedRoot
}

// ContainsCommitment checks if a commitment exists in the tree
func (ct *CommitmentTree) ContainsCommitment(commitment types.Commitment) (bool, uint64) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	position, ok := ct.positions[commitment]
	return ok, position
}

// node reads a stored node, falling back to the empty subtree hash
func (ct *CommitmentTree) node(ctx context.Context, level int, index uint64) types.Hash {
	h, err := ct.store.GetNode(ctx, uint64(level), index)
	if err != nil {
		return ct.empty[level]
	}
	return h
}

func (ct *CommitmentTree) hashPair(left, right types.Hash) types.Hash {
	return ct.hasher.Sum([]byte(merkleNodeDomain), left[:], right[:])
}

// InMemoryTreeStore is a map-backed TreeStore
type InMemoryTreeStore struct {
	mu    sync.RWMutex
	nodes map[uint64]map[uint64]types.Hash // level -> index -> hash
	size  uint64
}

// NewInMemoryTreeStore creates a new in-memory tree store
func NewInMemoryTreeStore() *InMemoryTreeStore {
	return &InMemoryTreeStore{
		nodes: make(map[uint64]map[uint64]types.Hash),
	}
}

// GetNode retrieves a node
func (s *InMemoryTreeStore) GetNode(ctx context.Context, level, index uint64) (types.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hash, exists := s.nodes[level][index]
	if !exists {
		return types.EmptyHash, ErrLeafNotFound
	}
	return hash, nil
}

// SetNode stores a node
func (s *InMemoryTreeStore) SetNode(ctx context.Context, level, index uint64, hash types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nodes[level] == nil {
		s.nodes[level] = make(map[uint64]types.Hash)
	}
	s.nodes[level][index] = hash
	return nil
}

// GetSize returns the size
func (s *InMemoryTreeStore) GetSize(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size, nil
}

// SetSize sets the size
func (s *InMemoryTreeStore) SetSize(ctx context.Context, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = size
	return nil
}
