package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ccoin/privutxo/internal/protocol"
	"github.com/ccoin/privutxo/pkg/types"
)

// Signer authorizes operations on behalf of one address. The service never sees the
// private key.
type Signer interface {
	GetAddress(ctx context.Context) (types.Address, error)
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
	SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error)
}

// Verifier is the authority on spend state. Every Submit either returns a receipt or
// an error wrapping one of the types.Err* sentinels.
type Verifier interface {
	SubmitDeposit(ctx context.Context, b *protocol.DepositBundle) (*protocol.Receipt, error)
	SubmitSplit(ctx context.Context, b *protocol.SplitBundle) (*protocol.Receipt, error)
	SubmitTransfer(ctx context.Context, b *protocol.TransferBundle) (*protocol.Receipt, error)
	SubmitWithdraw(ctx context.Context, b *protocol.WithdrawBundle) (*protocol.Receipt, error)
	IsNullifierUsed(ctx context.Context, n types.Nullifier) (bool, error)
	GetCommitmentExists(ctx context.Context, c types.Commitment) (bool, error)
}

// Repository persists UTXO records. It is a cache; Sync reconciles it against the
// verifier.
type Repository interface {
	Get(ctx context.Context, owner types.Address) ([]*types.UTXO, error)
	Put(ctx context.Context, owner types.Address, utxo *types.UTXO) error
}
