package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrTxPending means the transaction was not yet mined within the wait
	// window. The submission may still land; callers re-await, never resubmit.
	ErrTxPending = errors.New("chain: transaction still pending")

	// ErrTxReverted means the transaction was mined but reverted on-chain.
	ErrTxReverted = errors.New("chain: transaction reverted")

	// ErrSignerRejected means the wallet-signing service declined to sign.
	// Nothing was broadcast.
	ErrSignerRejected = errors.New("chain: signer rejected transaction")
)

// TxHandle identifies one broadcast transaction.
type TxHandle struct {
	Hash common.Hash
}

// CreateJobParams are the arguments of the escrow contract's createJob call.
type CreateJobParams struct {
	Employer    common.Address
	Worker      common.Address
	Deadline    time.Time
	TotalAmount *big.Int // token base units, requested + fee
	Ref         [32]byte // opaque job reference
}

// OnChainJob is the stored job slot read back from the contract, used to
// re-validate a derived job index before acting on it.
type OnChainJob struct {
	Employer    common.Address
	Worker      common.Address
	TotalAmount *big.Int
	Deadline    *big.Int
	Funded      bool
	Released    bool
}

// Client is the capability set the coordinators consume. Submissions are
// fire-and-forget: they return a handle or a synchronous rejection, and
// confirmation is observed separately via AwaitConfirmation.
type Client interface {
	SubmitCreateJob(ctx context.Context, p CreateJobParams) (TxHandle, error)
	SubmitFundJob(ctx context.Context, employer common.Address, jobIndex uint64) (TxHandle, error)
	SubmitRelease(ctx context.Context, employer common.Address, jobIndex uint64) (TxHandle, error)
	SubmitRefund(ctx context.Context, employer common.Address, jobIndex uint64) (TxHandle, error)
	SubmitApprove(ctx context.Context, owner common.Address, amount *big.Int) (TxHandle, error)

	// AwaitConfirmation blocks until the transaction reaches the configured
	// confirmation depth, it reverts, or the timeout elapses. A timeout is
	// reported as ErrTxPending, a revert as ErrTxReverted.
	AwaitConfirmation(ctx context.Context, h TxHandle, timeout time.Duration) (int64, error)

	// NextJobIndex reads the contract's monotonically increasing counter.
	// The value is shared across all employers and must not be trusted as the
	// identity of a just-created job without re-validation via JobAt.
	NextJobIndex(ctx context.Context) (uint64, error)

	// JobAt reads the stored job slot at the given index.
	JobAt(ctx context.Context, jobIndex uint64) (OnChainJob, error)

	// Allowance reads the token allowance the owner granted to the escrow
	// contract.
	Allowance(ctx context.Context, owner common.Address) (*big.Int, error)
}

// Signer signs a prepared transaction on behalf of the given wallet. It is an
// external collaborator (wallet-signing service); declines surface as
// ErrSignerRejected.
type Signer interface {
	SignTx(ctx context.Context, from common.Address, tx *types.Transaction) (*types.Transaction, error)
}
