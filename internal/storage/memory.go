package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/ccoin/privutxo/pkg/types"
)

// MemoryStore keeps records in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	records map[types.Address]map[string]*types.UTXO
	closed  bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[types.Address]map[string]*types.UTXO)}
}

// Get returns the owner's records ordered by creation time
func (s *MemoryStore) Get(_ context.Context, owner types.Address) ([]*types.UTXO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	out := make([]*types.UTXO, 0, len(s.records[owner]))
	for _, u := range s.records[owner] {
		out = append(out, u.Clone())
	}
	sortRecords(out)
	return out, nil
}

// Put inserts or replaces a record
func (s *MemoryStore) Put(_ context.Context, owner types.Address, utxo *types.UTXO) error {
	if err := checkOwner(owner, utxo); err != nil {
		return err
	}
	if _, err := encodeUTXO(utxo); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	byID, ok := s.records[owner]
	if !ok {
		byID = make(map[string]*types.UTXO)
		s.records[owner] = byID
	}
	byID[utxo.ID] = utxo.Clone()
	return nil
}

// Close releases the records
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	return nil
}

func sortRecords(out []*types.UTXO) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}
