package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ccoin/privutxo/pkg/types"
)

// RedisConfig holds connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps one hash per owner: <prefix>:utxo:<owner> maps id to a JSON record
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects and pings the server
func NewRedisStore(ctx context.Context, cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis address cannot be empty", ErrDBConnection)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrDBConnection, err)
	}
	return NewRedisStoreWithClient(client, cfg.Prefix), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "privutxo"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(owner types.Address) string {
	return s.prefix + ":utxo:" + owner.Hex()
}

// Get reads every record of the owner's hash
func (s *RedisStore) Get(ctx context.Context, owner types.Address) ([]*types.UTXO, error) {
	fields, err := s.client.HGetAll(ctx, s.key(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read utxos: %w", err)
	}
	out := make([]*types.UTXO, 0, len(fields))
	for _, raw := range fields {
		u, err := decodeUTXO([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	sortRecords(out)
	return out, nil
}

// Put sets the record's field in the owner's hash
func (s *RedisStore) Put(ctx context.Context, owner types.Address, utxo *types.UTXO) error {
	if err := checkOwner(owner, utxo); err != nil {
		return err
	}
	val, err := encodeUTXO(utxo)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key(owner), utxo.ID, val).Err(); err != nil {
		return fmt.Errorf("failed to save utxo: %w", err)
	}
	return nil
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
