// Package storage implements the durable UTXO repositories used by the wallet service.
//
// Every backend stores UTXO records grouped by owner address. Records are never
// deleted; a Put with an existing ID replaces the record.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ccoin/privutxo/internal/config"
	"github.com/ccoin/privutxo/internal/log"
	"github.com/ccoin/privutxo/pkg/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidData  = errors.New("invalid data")
	ErrDBConnection = errors.New("database connection error")
	ErrClosed       = errors.New("store closed")
)

// Store is a UTXO repository keyed by owner address
type Store interface {
	Get(ctx context.Context, owner types.Address) ([]*types.UTXO, error)
	Put(ctx context.Context, owner types.Address, utxo *types.UTXO) error
	Close() error
}

// Open creates the backend selected by cfg. Sealing is applied separately with
// NewSealedStore because it needs the owner's signer.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Store, error) {
	logger = log.Module(logger, "storage").With(zap.String("backend", cfg.Backend))

	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case config.BackendMemory, "":
		store = NewMemoryStore()
	case config.BackendBadger:
		store, err = NewBadgerStore(cfg.BadgerDir)
	case config.BackendPostgres:
		store, err = NewPostgresStore(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	case config.BackendRedis:
		store, err = NewRedisStore(ctx, &RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		return nil, err
	}
	logger.Info("store opened")
	return store, nil
}

func encodeUTXO(u *types.UTXO) ([]byte, error) {
	if u == nil || u.ID == "" {
		return nil, fmt.Errorf("%w: utxo without id", ErrInvalidData)
	}
	return json.Marshal(u)
}

func decodeUTXO(data []byte) (*types.UTXO, error) {
	var u types.UTXO
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return &u, nil
}

func checkOwner(owner types.Address, u *types.UTXO) error {
	if u == nil {
		return fmt.Errorf("%w: nil utxo", ErrInvalidData)
	}
	if u.Owner != owner {
		return fmt.Errorf("%w: utxo %s belongs to %s, not %s", ErrInvalidData, u.ID, u.Owner.Hex(), owner.Hex())
	}
	return nil
}
