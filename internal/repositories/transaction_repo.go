package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jobforge/backend/internal/escrow"
	"github.com/jobforge/backend/internal/models"
)

type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

const txColumns = `id, wallet_address, tx_type, amount, currency, tx_hash, block_number,
       status, job_id, escrow_id, description, meta, created_at, updated_at`

// Create inserts a pending transaction. A partial unique index allows at most
// one non-failed escrow transaction per (job, type); a violation surfaces as
// ErrTxInFlight so concurrent flows lose before anything is broadcast.
func (r *TransactionRepo) Create(ctx context.Context, t *models.Transaction) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO transactions (wallet_address, tx_type, amount, currency, status, job_id, escrow_id, description, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`, t.WalletAddress, t.TxType, t.Amount, t.Currency, t.Status, t.JobID, t.EscrowID, t.Description, t.Meta,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("job %v type %s: %w", t.JobID, t.TxType, escrow.ErrTxInFlight)
		}
		return err
	}
	return nil
}

func (r *TransactionRepo) SetSubmitted(ctx context.Context, id uuid.UUID, txHash string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transactions SET tx_hash = $1, updated_at = now()
		WHERE id = $2 AND status = 'pending'
	`, txHash, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s not pending: %w", id, escrow.ErrStatusConflict)
	}
	return nil
}

// MarkConfirmed is the single terminal write for a successful transaction;
// the pending guard keeps confirmed hash/block immutable and keeps a failed
// transaction from ever becoming confirmed.
func (r *TransactionRepo) MarkConfirmed(ctx context.Context, id uuid.UUID, blockNumber int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transactions SET status = 'confirmed', block_number = $1, updated_at = now()
		WHERE id = $2 AND status = 'pending'
	`, blockNumber, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s not pending: %w", id, escrow.ErrStatusConflict)
	}
	return nil
}

func (r *TransactionRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transactions
		SET status = 'failed', meta = coalesce(meta, '{}'::jsonb) || jsonb_build_object('failure_reason', $1::text), updated_at = now()
		WHERE id = $2 AND status = 'pending'
	`, reason, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s not pending: %w", id, escrow.ErrStatusConflict)
	}
	return nil
}

// ListByWallet returns the wallet's transactions, newest first.
func (r *TransactionRepo) ListByWallet(ctx context.Context, walletAddress string, limit, offset int) ([]models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE wallet_address = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, walletAddress, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// LastByJob returns the most recent transaction touching the job, if any.
func (r *TransactionRepo) LastByJob(ctx context.Context, jobID uuid.UUID) (*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE job_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

// ConfirmedByJobAndType returns the job's confirmed transaction of the given
// type, if any. The escrow rebuild path reads the create's metadata this way.
func (r *TransactionRepo) ConfirmedByJobAndType(ctx context.Context, jobID uuid.UUID, txType string) (*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE job_id = $1 AND tx_type = $2 AND status = 'confirmed'
		ORDER BY created_at DESC
		LIMIT 1
	`, jobID, txType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

// ListPendingOlderThan returns pending transactions with no terminal update
// for at least the given age, oldest first. The reconcile sweep works this list.
func (r *TransactionRepo) ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE status = 'pending' AND updated_at < now() - make_interval(secs => $1)
		ORDER BY updated_at ASC
		LIMIT $2
	`, age.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func scanTransactions(rows pgx.Rows) ([]models.Transaction, error) {
	var txs []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.WalletAddress, &t.TxType, &t.Amount, &t.Currency, &t.TxHash, &t.BlockNumber,
			&t.Status, &t.JobID, &t.EscrowID, &t.Description, &t.Meta, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
