package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jobforge/backend/internal/escrow"
	"github.com/jobforge/backend/internal/models"
)

type JobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

func (r *JobRepo) Create(ctx context.Context, j *models.Job) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO jobs (employer_address, title, description, amount, deadline, escrow_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`, j.EmployerAddress, j.Title, j.Description, j.Amount, j.Deadline, j.EscrowStatus,
	).Scan(&j.ID, &j.CreatedAt, &j.UpdatedAt)
}

func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var j models.Job
	err := r.pool.QueryRow(ctx, `
		SELECT id, employer_address, title, description, amount, deadline,
		       escrow_status, worker_address, deliverable_url, delivered_at, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id).Scan(&j.ID, &j.EmployerAddress, &j.Title, &j.Description, &j.Amount, &j.Deadline,
		&j.EscrowStatus, &j.WorkerAddress, &j.DeliverableURL, &j.DeliveredAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// SetEscrowStatus performs the optimistic status move: the write succeeds
// only while the job is still in the expected prior status.
func (r *JobRepo) SetEscrowStatus(ctx context.Context, id uuid.UUID, from, to string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET escrow_status = $1, updated_at = now()
		WHERE id = $2 AND escrow_status = $3
	`, to, id, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not in %s: %w", id, from, escrow.ErrStatusConflict)
	}
	return nil
}

func (r *JobRepo) SetWorker(ctx context.Context, id uuid.UUID, workerAddress string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET worker_address = $1, updated_at = now() WHERE id = $2
	`, workerAddress, id)
	return err
}

func (r *JobRepo) ListByEmployer(ctx context.Context, employerAddress string, limit, offset int) ([]models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, employer_address, title, description, amount, deadline,
		       escrow_status, worker_address, deliverable_url, delivered_at, created_at, updated_at
		FROM jobs
		WHERE employer_address = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, employerAddress, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var j models.Job
		if err := rows.Scan(&j.ID, &j.EmployerAddress, &j.Title, &j.Description, &j.Amount, &j.Deadline,
			&j.EscrowStatus, &j.WorkerAddress, &j.DeliverableURL, &j.DeliveredAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// SetDeliverable records the worker's submitted deliverable URL.
func (r *JobRepo) SetDeliverable(ctx context.Context, id uuid.UUID, url string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET deliverable_url = $1, delivered_at = now(), updated_at = now()
		WHERE id = $2 AND escrow_status = 'funded'
	`, url, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not funded: %w", id, escrow.ErrStatusConflict)
	}
	return nil
}

// ListReleasable returns funded jobs whose deliverable has been submitted and
// has sat through the hold period.
func (r *JobRepo) ListReleasable(ctx context.Context, hold time.Duration, limit int) ([]models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, employer_address, title, description, amount, deadline,
		       escrow_status, worker_address, deliverable_url, delivered_at, created_at, updated_at
		FROM jobs
		WHERE escrow_status = 'funded'
		  AND deliverable_url IS NOT NULL
		  AND delivered_at < now() - make_interval(secs => $1)
		ORDER BY delivered_at ASC
		LIMIT $2
	`, hold.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var j models.Job
		if err := rows.Scan(&j.ID, &j.EmployerAddress, &j.Title, &j.Description, &j.Amount, &j.Deadline,
			&j.EscrowStatus, &j.WorkerAddress, &j.DeliverableURL, &j.DeliveredAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListStuckInCreated returns jobs whose funding stalled: status "created"
// with no progress for at least the given age.
func (r *JobRepo) ListStuckInCreated(ctx context.Context, age time.Duration, limit int) ([]models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, employer_address, title, description, amount, deadline,
		       escrow_status, worker_address, deliverable_url, delivered_at, created_at, updated_at
		FROM jobs
		WHERE escrow_status = 'created' AND updated_at < now() - make_interval(secs => $1)
		ORDER BY updated_at ASC
		LIMIT $2
	`, age.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var j models.Job
		if err := rows.Scan(&j.ID, &j.EmployerAddress, &j.Title, &j.Description, &j.Amount, &j.Deadline,
			&j.EscrowStatus, &j.WorkerAddress, &j.DeliverableURL, &j.DeliveredAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
