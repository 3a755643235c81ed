package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jobforge/backend/internal/escrow"
	"github.com/jobforge/backend/internal/models"
)

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

func (r *EscrowRepo) Create(ctx context.Context, e *models.EscrowContract) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO escrow_contracts (job_id, employer_address, worker_address, contract_address,
		                              job_index, requested_amount, platform_fee, total_amount, deadline, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`, e.JobID, e.EmployerAddress, e.WorkerAddress, e.ContractAddress,
		e.JobIndex, e.RequestedAmount, e.PlatformFee, e.TotalAmount, e.Deadline, e.Status,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

func (r *EscrowRepo) GetByJobID(ctx context.Context, jobID uuid.UUID) (*models.EscrowContract, error) {
	var e models.EscrowContract
	err := r.pool.QueryRow(ctx, `
		SELECT id, job_id, employer_address, worker_address, contract_address,
		       job_index, requested_amount, platform_fee, total_amount, deadline, status,
		       funding_tx_id, release_tx_id, refund_tx_id,
		       funded_at, released_at, refunded_at, created_at, updated_at
		FROM escrow_contracts WHERE job_id = $1
	`, jobID).Scan(&e.ID, &e.JobID, &e.EmployerAddress, &e.WorkerAddress, &e.ContractAddress,
		&e.JobIndex, &e.RequestedAmount, &e.PlatformFee, &e.TotalAmount, &e.Deadline, &e.Status,
		&e.FundingTxID, &e.ReleaseTxID, &e.RefundTxID,
		&e.FundedAt, &e.ReleasedAt, &e.RefundedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", jobID, escrow.ErrEscrowNotFound)
		}
		return nil, err
	}
	return &e, nil
}

func (r *EscrowRepo) MarkFunded(ctx context.Context, id, txID uuid.UUID, at time.Time) error {
	return r.guardedUpdate(ctx, `
		UPDATE escrow_contracts
		SET status = 'funded', funding_tx_id = $1, funded_at = $2, updated_at = now()
		WHERE id = $3 AND status = 'created'
	`, id, txID, at)
}

func (r *EscrowRepo) MarkReleased(ctx context.Context, id, txID uuid.UUID, at time.Time) error {
	return r.guardedUpdate(ctx, `
		UPDATE escrow_contracts
		SET status = 'released', release_tx_id = $1, released_at = $2, updated_at = now()
		WHERE id = $3 AND status = 'funded'
	`, id, txID, at)
}

func (r *EscrowRepo) MarkRefunded(ctx context.Context, id, txID uuid.UUID, at time.Time) error {
	return r.guardedUpdate(ctx, `
		UPDATE escrow_contracts
		SET status = 'refunded', refund_tx_id = $1, refunded_at = $2, updated_at = now()
		WHERE id = $3 AND status = 'funded'
	`, id, txID, at)
}

func (r *EscrowRepo) guardedUpdate(ctx context.Context, sql string, id, txID uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, sql, txID, at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow %s not in expected status: %w", id, escrow.ErrStatusConflict)
	}
	return nil
}
