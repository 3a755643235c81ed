package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jobforge/backend/internal/models"
)

var (
	// ErrStatusConflict is returned by compare-and-set status writes when the
	// record is no longer in the expected prior status.
	ErrStatusConflict = errors.New("ledger: status changed concurrently")

	// ErrTxInFlight is returned when a non-failed transaction of the same
	// type already exists for the job. At most one live submission per
	// (job, type) may exist.
	ErrTxInFlight = errors.New("ledger: transaction of this type already in flight for job")

	// ErrEscrowNotFound is returned when a job has no escrow record yet.
	ErrEscrowNotFound = errors.New("ledger: escrow record not found")
)

// Ledger is the slice of the store the coordinators write through. Every
// status write carries the expected prior status; implementations reject the
// write with ErrStatusConflict when it no longer matches.
type Ledger interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	SetJobEscrowStatus(ctx context.Context, id uuid.UUID, from, to string) error
	SetJobWorker(ctx context.Context, id uuid.UUID, workerAddress string) error

	CreateEscrow(ctx context.Context, e *models.EscrowContract) error
	GetEscrowByJobID(ctx context.Context, jobID uuid.UUID) (*models.EscrowContract, error)
	MarkEscrowFunded(ctx context.Context, id, txID uuid.UUID, at time.Time) error
	MarkEscrowReleased(ctx context.Context, id, txID uuid.UUID, at time.Time) error
	MarkEscrowRefunded(ctx context.Context, id, txID uuid.UUID, at time.Time) error

	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	SetTransactionSubmitted(ctx context.Context, id uuid.UUID, txHash string) error
	MarkTransactionConfirmed(ctx context.Context, id uuid.UUID, blockNumber int64) error
	MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string) error

	// ConfirmedTransaction returns the job's confirmed transaction of the
	// given type, or nil when none exists.
	ConfirmedTransaction(ctx context.Context, jobID uuid.UUID, txType string) (*models.Transaction, error)
}
