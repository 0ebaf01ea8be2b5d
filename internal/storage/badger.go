package storage

import (
	"context"
	"fmt"
	"os"

	badgerdb "github.com/dgraph-io/badger/v3"

	"github.com/ccoin/privutxo/pkg/types"
)

const badgerPrefix = "utxo/"

// BadgerStore persists records in an embedded BadgerDB.
// Keys are utxo/<owner>/<id>; values are JSON records.
type BadgerStore struct {
	db *badgerdb.DB
}

// NewBadgerStore opens (or creates) a database in dir
func NewBadgerStore(dir string) (*BadgerStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBConnection, err)
	}
	return openBadger(badgerdb.DefaultOptions(dir))
}

// NewInMemoryBadgerStore opens a database that lives only in memory
func NewInMemoryBadgerStore() (*BadgerStore, error) {
	return openBadger(badgerdb.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badgerdb.Options) (*BadgerStore, error) {
	opts = opts.WithLogger(nil)
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBConnection, err)
	}
	return &BadgerStore{db: db}, nil
}

func ownerPrefix(owner types.Address) []byte {
	return []byte(badgerPrefix + owner.Hex() + "/")
}

// Get scans the owner's prefix
func (s *BadgerStore) Get(ctx context.Context, owner types.Address) ([]*types.UTXO, error) {
	prefix := ownerPrefix(owner)
	var out []*types.UTXO

	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			u, err := decodeUTXO(val)
			if err != nil {
				return err
			}
			out = append(out, u)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan utxos: %w", err)
	}
	sortRecords(out)
	return out, nil
}

// Put writes the record under the owner's prefix
func (s *BadgerStore) Put(_ context.Context, owner types.Address, utxo *types.UTXO) error {
	if err := checkOwner(owner, utxo); err != nil {
		return err
	}
	val, err := encodeUTXO(utxo)
	if err != nil {
		return err
	}
	key := append(ownerPrefix(owner), utxo.ID...)
	if err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(key, val)
	}); err != nil {
		return fmt.Errorf("failed to save utxo: %w", err)
	}
	return nil
}

// Close flushes and closes the database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
