package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jobforge/backend/internal/chain"
	"github.com/jobforge/backend/internal/config"
	"github.com/jobforge/backend/internal/events"
	"github.com/jobforge/backend/internal/models"
	"github.com/jobforge/backend/internal/money"
	"go.uber.org/zap"
)

// ReleaseCoordinator moves a funded job to its terminal state: released to
// the worker, or refunded to the employer. It uses the same pending-record,
// submit, await-confirmation protocol as the funding coordinator; a failed
// attempt leaves the job funded and retryable.
type ReleaseCoordinator struct {
	ledger    Ledger
	chain     chain.Client
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger
}

func NewReleaseCoordinator(ledger Ledger, chainClient chain.Client, publisher events.Publisher, cfg *config.Config, log *zap.Logger) *ReleaseCoordinator {
	return &ReleaseCoordinator{
		ledger:    ledger,
		chain:     chainClient,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
	}
}

// Release pays the escrowed funds out to the worker.
func (r *ReleaseCoordinator) Release(ctx context.Context, jobID uuid.UUID) (*models.Transaction, error) {
	return r.settle(ctx, jobID, models.TxTypeEscrowRelease)
}

// Refund returns the escrowed funds to the employer.
func (r *ReleaseCoordinator) Refund(ctx context.Context, jobID uuid.UUID) (*models.Transaction, error) {
	return r.settle(ctx, jobID, models.TxTypeEscrowRefund)
}

func (r *ReleaseCoordinator) settle(ctx context.Context, jobID uuid.UUID, txType string) (*models.Transaction, error) {
	job, err := r.ledger.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.EscrowStatus != models.EscrowStatusFunded {
		return nil, &StateError{JobID: jobID, Status: job.EscrowStatus, Want: models.EscrowStatusFunded}
	}
	esc, err := r.ledger.GetEscrowByJobID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job %s has no escrow record: %w", jobID, err)
	}

	step := StepRelease
	desc := "escrow release for job " + job.Title
	if txType == models.TxTypeEscrowRefund {
		step = StepRefund
		desc = "escrow refund for job " + job.Title
	}

	tx := &models.Transaction{
		WalletAddress: esc.EmployerAddress,
		TxType:        txType,
		Amount:        esc.RequestedAmount,
		Currency:      money.Currency,
		Status:        models.TxStatusPending,
		JobID:         &job.ID,
		EscrowID:      &esc.ID,
		Description:   &desc,
		Meta:          map[string]any{"job_index": esc.JobIndex},
	}
	if err := r.ledger.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, ErrTxInFlight) {
			return nil, fmt.Errorf("%s already in progress for job %s: %w", step, jobID, err)
		}
		return nil, fmt.Errorf("record %s transaction: %w", step, err)
	}

	employer := common.HexToAddress(esc.EmployerAddress)
	var handle chain.TxHandle
	if txType == models.TxTypeEscrowRefund {
		handle, err = r.chain.SubmitRefund(ctx, employer, uint64(esc.JobIndex))
	} else {
		handle, err = r.chain.SubmitRelease(ctx, employer, uint64(esc.JobIndex))
	}
	if err != nil {
		_ = r.ledger.MarkTransactionFailed(ctx, tx.ID, err.Error())
		return nil, &FlowError{JobID: jobID, Step: step, FundsMoved: true, Err: err}
	}
	if err := r.ledger.SetTransactionSubmitted(ctx, tx.ID, handle.Hash.Hex()); err != nil {
		r.log.Error("failed to record tx hash", zap.String("tx_id", tx.ID.String()), zap.Error(err))
	}

	block, err := r.await(ctx, handle)
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrTxReverted):
			_ = r.ledger.MarkTransactionFailed(ctx, tx.ID, err.Error())
			return nil, &FlowError{JobID: jobID, Step: step, FundsMoved: true, Err: err}
		case errors.Is(err, ErrConfirmationTimeout):
			return nil, &FlowError{JobID: jobID, Step: step, FundsMoved: true, Err: err}
		default:
			return nil, err
		}
	}

	if err := r.ledger.MarkTransactionConfirmed(ctx, tx.ID, block); err != nil {
		return nil, fmt.Errorf("mark %s confirmed: %w", step, err)
	}

	now := time.Now()
	if txType == models.TxTypeEscrowRefund {
		if err := r.ledger.SetJobEscrowStatus(ctx, jobID, models.EscrowStatusFunded, models.EscrowStatusRefunded); err != nil {
			return nil, err
		}
		_ = r.ledger.MarkEscrowRefunded(ctx, esc.ID, tx.ID, now)
	} else {
		if err := r.ledger.SetJobEscrowStatus(ctx, jobID, models.EscrowStatusFunded, models.EscrowStatusReleased); err != nil {
			return nil, err
		}
		_ = r.ledger.MarkEscrowReleased(ctx, esc.ID, tx.ID, now)
	}

	tx.Status = models.TxStatusConfirmed
	tx.BlockNumber = &block

	_ = r.publisher.Publish(ctx, events.StreamEscrow, events.Event{
		Type: events.EventFundsReleased,
		Payload: map[string]any{
			"job_id":  jobID.String(),
			"tx_type": txType,
			"amount":  esc.RequestedAmount.String(),
		},
	})

	r.log.Info("escrow settled",
		zap.String("job_id", jobID.String()),
		zap.String("tx_type", txType),
		zap.String("tx_hash", handle.Hash.Hex()),
	)

	return tx, nil
}

func (r *ReleaseCoordinator) await(ctx context.Context, h chain.TxHandle) (int64, error) {
	block, err := r.chain.AwaitConfirmation(ctx, h, r.cfg.ConfirmTimeout)
	if err != nil && errors.Is(err, chain.ErrTxPending) {
		block, err = r.chain.AwaitConfirmation(ctx, h, r.cfg.ConfirmTimeout)
	}
	if err != nil {
		if errors.Is(err, chain.ErrTxPending) {
			return 0, ErrConfirmationTimeout
		}
		return 0, err
	}
	return block, nil
}
