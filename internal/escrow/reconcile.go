package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jobforge/backend/internal/chain"
	"github.com/jobforge/backend/internal/models"
	"github.com/jobforge/backend/internal/money"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// reconcileWait bounds the receipt check per transaction during a sweep; a
// transaction that is genuinely still in flight is simply left pending for
// the next pass.
const reconcileWait = 15 * time.Second

// ReconcilePending finalizes one transaction left pending by a crash or a
// cancelled confirmation wait. The on-chain outcome is authoritative: a mined
// submission is rolled forward into the ledger, a reverted one is failed, and
// one that never reached the mempool is failed outright.
func (c *Coordinator) ReconcilePending(ctx context.Context, tx *models.Transaction) error {
	if tx.Status != models.TxStatusPending {
		return nil
	}

	if tx.TxHash == nil {
		// Crashed between recording and broadcast; nothing can land on-chain.
		return c.ledger.MarkTransactionFailed(ctx, tx.ID, "never broadcast")
	}

	handle := chain.TxHandle{Hash: common.HexToHash(*tx.TxHash)}
	block, err := c.chain.AwaitConfirmation(ctx, handle, reconcileWait)
	switch {
	case errors.Is(err, chain.ErrTxPending):
		return nil // still in flight, next sweep will look again
	case errors.Is(err, chain.ErrTxReverted):
		if mErr := c.ledger.MarkTransactionFailed(ctx, tx.ID, err.Error()); mErr != nil {
			return mErr
		}
		if tx.TxType == models.TxTypeEscrowCreate && tx.JobID != nil {
			// Failure edge exists only from unfunded; a conflict here just
			// means the job moved on through another path.
			if tErr := c.ledger.SetJobEscrowStatus(ctx, *tx.JobID, models.EscrowStatusUnfunded, models.EscrowStatusFailed); tErr != nil && !errors.Is(tErr, ErrStatusConflict) {
				return tErr
			}
		}
		return nil
	case err != nil:
		return err
	}

	if err := c.ledger.MarkTransactionConfirmed(ctx, tx.ID, block); err != nil {
		return err
	}
	c.publishTxConfirmed(ctx, tx, block)

	switch tx.TxType {
	case models.TxTypeEscrowCreate:
		return c.reconcileCreate(ctx, tx)
	case models.TxTypeEscrowFund:
		return c.reconcileFund(ctx, tx)
	case models.TxTypeEscrowRelease:
		return c.reconcileSettle(ctx, tx, models.EscrowStatusReleased)
	case models.TxTypeEscrowRefund:
		return c.reconcileSettle(ctx, tx, models.EscrowStatusRefunded)
	default:
		return nil // token approvals need no ledger follow-up
	}
}

// reconcileCreate rolls a confirmed create forward: job to "created", escrow
// record rebuilt from the metadata recorded at submission time.
func (c *Coordinator) reconcileCreate(ctx context.Context, tx *models.Transaction) error {
	if tx.JobID == nil {
		return nil
	}
	jobID := *tx.JobID

	if err := c.ledger.SetJobEscrowStatus(ctx, jobID, models.EscrowStatusUnfunded, models.EscrowStatusCreated); err != nil && !errors.Is(err, ErrStatusConflict) {
		return err
	}

	if _, err := c.ledger.GetEscrowByJobID(ctx, jobID); err == nil {
		return nil // escrow row already written by the primary flow
	}

	job, err := c.ledger.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	_, err = c.rebuildEscrow(ctx, job, tx)
	return err
}

// rebuildEscrow reconstructs a missing escrow row for a job whose create
// transaction confirmed but whose index was never validated. The on-chain
// slot is located and validated by the stored fields from the transaction's
// metadata, so the rebuild still works after foreign creates moved the
// counter.
func (c *Coordinator) rebuildEscrow(ctx context.Context, job *models.Job, tx *models.Transaction) (*models.EscrowContract, error) {
	workerAddress := metaString(tx.Meta, "worker")
	amount, aErr := decimal.NewFromString(metaString(tx.Meta, "amount"))
	fee, fErr := decimal.NewFromString(metaString(tx.Meta, "fee"))
	total, tErr := decimal.NewFromString(metaString(tx.Meta, "total"))
	deadlineUnix := metaInt64(tx.Meta, "deadline")
	if workerAddress == "" || aErr != nil || fErr != nil || tErr != nil || deadlineUnix == 0 {
		return nil, fmt.Errorf("create tx %s has incomplete metadata, job %s needs manual reconciliation", tx.ID, job.ID)
	}

	_ = c.ledger.SetJobWorker(ctx, job.ID, workerAddress)

	totalUnits, err := money.ToBaseUnits(total)
	if err != nil {
		return nil, err
	}
	jobIndex, err := c.locateJobIndex(ctx, common.HexToAddress(job.EmployerAddress), common.HexToAddress(workerAddress), totalUnits, deadlineUnix)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}

	esc := &models.EscrowContract{
		JobID:           job.ID,
		EmployerAddress: job.EmployerAddress,
		WorkerAddress:   &workerAddress,
		ContractAddress: c.cfg.EscrowContractAddress,
		JobIndex:        int64(jobIndex),
		RequestedAmount: amount,
		PlatformFee:     fee,
		TotalAmount:     total,
		Deadline:        time.Unix(deadlineUnix, 0),
		Status:          models.EscrowContractCreated,
	}
	if err := c.ledger.CreateEscrow(ctx, esc); err != nil {
		return nil, fmt.Errorf("record rebuilt escrow: %w", err)
	}

	c.log.Info("escrow row rebuilt from create transaction",
		zap.String("job_id", job.ID.String()),
		zap.Int64("job_index", esc.JobIndex),
	)

	return esc, nil
}

func (c *Coordinator) reconcileFund(ctx context.Context, tx *models.Transaction) error {
	if tx.JobID == nil {
		return nil
	}
	if err := c.ledger.SetJobEscrowStatus(ctx, *tx.JobID, models.EscrowStatusCreated, models.EscrowStatusFunded); err != nil && !errors.Is(err, ErrStatusConflict) {
		return err
	}
	if tx.EscrowID != nil {
		return c.ledger.MarkEscrowFunded(ctx, *tx.EscrowID, tx.ID, time.Now())
	}
	return nil
}

func (c *Coordinator) reconcileSettle(ctx context.Context, tx *models.Transaction, jobStatus string) error {
	if tx.JobID == nil {
		return nil
	}
	if err := c.ledger.SetJobEscrowStatus(ctx, *tx.JobID, models.EscrowStatusFunded, jobStatus); err != nil && !errors.Is(err, ErrStatusConflict) {
		return err
	}
	if tx.EscrowID == nil {
		return nil
	}
	if jobStatus == models.EscrowStatusRefunded {
		return c.ledger.MarkEscrowRefunded(ctx, *tx.EscrowID, tx.ID, time.Now())
	}
	return c.ledger.MarkEscrowReleased(ctx, *tx.EscrowID, tx.ID, time.Now())
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[key].(string)
	return s
}

func metaInt64(meta map[string]any, key string) int64 {
	if meta == nil {
		return 0
	}
	switch v := meta[key].(type) {
	case int64:
		return v
	case float64: // jsonb round trip
		return int64(v)
	default:
		return 0
	}
}
