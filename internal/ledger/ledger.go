// Package ledger implements the private UTXO state machine on top of a generic record
// ledger.
package ledger

import (
	"errors"
	"sync"

	"github.com/ccoin/privutxo/pkg/types"
)

// ErrDuplicateRecord is returned when a record with the same ID already exists
var ErrDuplicateRecord = errors.New("record already exists")

// Record is anything the ledger can index
type Record interface {
	RecordID() string
	RecordOwner() types.Address
}

// Ledger is an ID-keyed record collection with an owner index. Records keep their
// insertion order and are never removed. Reads return copies made by clone; the live
// record is only reachable inside Update.
type Ledger[R Record] struct {
	mu    sync.RWMutex
	clone func(R) R

	records map[string]R
	order   []string

	// Owner index
	byOwner map[types.Address][]string
}

// NewLedger creates an empty ledger
func NewLedger[R Record](clone func(R) R) *Ledger[R] {
	return &Ledger[R]{
		clone:   clone,
		records: make(map[string]R),
		byOwner: make(map[types.Address][]string),
	}
}

// Put inserts a copy of r
func (l *Ledger[R]) Put(r R) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := r.RecordID()
	if _, ok := l.records[id]; ok {
		return ErrDuplicateRecord
	}
	l.records[id] = l.clone(r)
	l.order = append(l.order, id)
	owner := r.RecordOwner()
	l.byOwner[owner] = append(l.byOwner[owner], id)
	return nil
}

// Get looks a record up by ID
func (l *Ledger[R]) Get(id string) (R, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[id]
	if !ok {
		return r, false
	}
	return l.clone(r), true
}

// Has reports whether id is known
func (l *Ledger[R]) Has(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.records[id]
	return ok
}

// Update runs fn on the record under the write lock. The record's owner must not change.
func (l *Ledger[R]) Update(id string, fn func(R) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	if !ok {
		return types.ErrUTXONotFound
	}
	return fn(r)
}

// ByOwner returns the owner's records in insertion order
func (l *Ledger[R]) ByOwner(owner types.Address) []R {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := l.byOwner[owner]
	out := make([]R, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.clone(l.records[id]))
	}
	return out
}

// All returns every record in insertion order
func (l *Ledger[R]) All() []R {
	return l.Find(func(R) bool { return true })
}

// Find returns the records matching pred. pred sees the live record and must not
// modify it.
func (l *Ledger[R]) Find(pred func(R) bool) []R {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []R
	for _, id := range l.order {
		if r := l.records[id]; pred(r) {
			out = append(out, l.clone(r))
		}
	}
	return out
}

// Len returns the number of records
func (l *Ledger[R]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
