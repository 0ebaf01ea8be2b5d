package storage

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ccoin/privutxo/pkg/types"
)

const utxoSchema = `
	CREATE TABLE IF NOT EXISTS utxos (
		id             TEXT PRIMARY KEY,
		owner          BYTEA NOT NULL,
		commitment     BYTEA NOT NULL,
		token          BYTEA NOT NULL,
		value          TEXT,
		blinding       TEXT,
		nullifier      BYTEA NOT NULL,
		nonce          BYTEA NOT NULL,
		parent_id      TEXT,
		utxo_type      SMALLINT NOT NULL,
		spent          BOOLEAN NOT NULL DEFAULT FALSE,
		confirmed      BOOLEAN NOT NULL DEFAULT FALSE,
		created_at     TIMESTAMPTZ NOT NULL,
		receipt_id     TEXT,
		spent_receipt  TEXT,
		sealed         BYTEA
	);
	CREATE INDEX IF NOT EXISTS utxos_owner_idx ON utxos (owner);
`

// PostgresStore implements persistent storage using PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the schema when missing
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBConnection, err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBConnection, err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrDBConnection, err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the utxos table
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, utxoSchema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes the database connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Put upserts a record
func (s *PostgresStore) Put(ctx context.Context, owner types.Address, utxo *types.UTXO) error {
	if err := checkOwner(owner, utxo); err != nil {
		return err
	}
	if utxo.ID == "" {
		return fmt.Errorf("%w: utxo without id", ErrInvalidData)
	}

	query := `
		INSERT INTO utxos (
			id, owner, commitment, token, value, blinding, nullifier, nonce, parent_id,
			utxo_type, spent, confirmed, created_at, receipt_id, spent_receipt, sealed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			value = $5, blinding = $6, spent = $11, confirmed = $12,
			receipt_id = $14, spent_receipt = $15, sealed = $16
	`

	_, err := s.pool.Exec(ctx, query,
		utxo.ID,
		owner[:],
		utxo.Commitment[:],
		utxo.TokenAddress[:],
		bigText(utxo.Value),
		bigText(utxo.BlindingFactor),
		utxo.Nullifier[:],
		utxo.Nonce[:],
		nullIfEmpty(utxo.ParentID),
		int16(utxo.Type),
		utxo.Spent,
		utxo.Confirmed,
		utxo.CreatedAt,
		nullIfEmpty(utxo.ReceiptID),
		nullIfEmpty(utxo.SpentReceiptID),
		utxo.Sealed,
	)
	if err != nil {
		return fmt.Errorf("failed to save utxo: %w", err)
	}
	return nil
}

// Get returns the owner's records ordered by creation time
func (s *PostgresStore) Get(ctx context.Context, owner types.Address) ([]*types.UTXO, error) {
	query := `
		SELECT id, owner, commitment, token, value, blinding, nullifier, nonce, parent_id,
			   utxo_type, spent, confirmed, created_at, receipt_id, spent_receipt, sealed
		FROM utxos WHERE owner = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, owner[:])
	if err != nil {
		return nil, fmt.Errorf("failed to query utxos: %w", err)
	}
	defer rows.Close()

	var out []*types.UTXO
	for rows.Next() {
		u, err := scanUTXO(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read utxos: %w", err)
	}
	return out, nil
}

// GetByID looks a single record up
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*types.UTXO, error) {
	query := `
		SELECT id, owner, commitment, token, value, blinding, nullifier, nonce, parent_id,
			   utxo_type, spent, confirmed, created_at, receipt_id, spent_receipt, sealed
		FROM utxos WHERE id = $1
	`
	u, err := scanUTXO(s.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return u, err
}

func scanUTXO(row pgx.Row) (*types.UTXO, error) {
	var (
		u                                      types.UTXO
		owner, commitment, token, nul, nonce   []byte
		value, blinding, parent, recv, spentRc *string
		utxoType                               int16
		createdAt                              time.Time
	)
	err := row.Scan(
		&u.ID,
		&owner,
		&commitment,
		&token,
		&value,
		&blinding,
		&nul,
		&nonce,
		&parent,
		&utxoType,
		&u.Spent,
		&u.Confirmed,
		&createdAt,
		&recv,
		&spentRc,
		&u.Sealed,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan utxo: %w", err)
	}

	// Convert bytes to types
	copy(u.Owner[:], owner)
	copy(u.Commitment[:], commitment)
	copy(u.TokenAddress[:], token)
	copy(u.Nullifier[:], nul)
	copy(u.Nonce[:], nonce)
	u.Type = types.UTXOType(utxoType)
	u.CreatedAt = createdAt.UTC()
	u.ParentID = deref(parent)
	u.ReceiptID = deref(recv)
	u.SpentReceiptID = deref(spentRc)

	if u.Value, err = parseBig(value); err != nil {
		return nil, err
	}
	if u.BlindingFactor, err = parseBig(blinding); err != nil {
		return nil, err
	}
	return &u, nil
}

// ============================================
// Helper Functions
// ============================================

func bigText(v *big.Int) interface{} {
	if v == nil {
		return nil
	}
	return v.Text(10)
}

func parseBig(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: bad integer %q", ErrInvalidData, *s)
	}
	return v, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
