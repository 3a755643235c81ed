package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jobforge/backend/internal/models"
)

// Ledger composes the three escrow-side repos into the write surface the
// coordinators consume (escrow.Ledger).
type Ledger struct {
	Jobs    *JobRepo
	Escrows *EscrowRepo
	Txs     *TransactionRepo
}

func NewLedger(jobs *JobRepo, escrows *EscrowRepo, txs *TransactionRepo) *Ledger {
	return &Ledger{Jobs: jobs, Escrows: escrows, Txs: txs}
}

func (l *Ledger) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return l.Jobs.GetByID(ctx, id)
}

func (l *Ledger) SetJobEscrowStatus(ctx context.Context, id uuid.UUID, from, to string) error {
	return l.Jobs.SetEscrowStatus(ctx, id, from, to)
}

func (l *Ledger) SetJobWorker(ctx context.Context, id uuid.UUID, workerAddress string) error {
	return l.Jobs.SetWorker(ctx, id, workerAddress)
}

func (l *Ledger) CreateEscrow(ctx context.Context, e *models.EscrowContract) error {
	return l.Escrows.Create(ctx, e)
}

func (l *Ledger) GetEscrowByJobID(ctx context.Context, jobID uuid.UUID) (*models.EscrowContract, error) {
	return l.Escrows.GetByJobID(ctx, jobID)
}

func (l *Ledger) MarkEscrowFunded(ctx context.Context, id, txID uuid.UUID, at time.Time) error {
	return l.Escrows.MarkFunded(ctx, id, txID, at)
}

func (l *Ledger) MarkEscrowReleased(ctx context.Context, id, txID uuid.UUID, at time.Time) error {
	return l.Escrows.MarkReleased(ctx, id, txID, at)
}

func (l *Ledger) MarkEscrowRefunded(ctx context.Context, id, txID uuid.UUID, at time.Time) error {
	return l.Escrows.MarkRefunded(ctx, id, txID, at)
}

func (l *Ledger) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	return l.Txs.Create(ctx, tx)
}

func (l *Ledger) SetTransactionSubmitted(ctx context.Context, id uuid.UUID, txHash string) error {
	return l.Txs.SetSubmitted(ctx, id, txHash)
}

func (l *Ledger) MarkTransactionConfirmed(ctx context.Context, id uuid.UUID, blockNumber int64) error {
	return l.Txs.MarkConfirmed(ctx, id, blockNumber)
}

func (l *Ledger) MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return l.Txs.MarkFailed(ctx, id, reason)
}

func (l *Ledger) ConfirmedTransaction(ctx context.Context, jobID uuid.UUID, txType string) (*models.Transaction, error) {
	return l.Txs.ConfirmedByJobAndType(ctx, jobID, txType)
}
