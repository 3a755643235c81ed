package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jobforge/backend/internal/config"
	"github.com/jobforge/backend/internal/escrow"
	"github.com/jobforge/backend/internal/models"
	"github.com/jobforge/backend/internal/repositories"
)

// FundingStatus is the read-side view of a job's escrow progress. It is
// derived strictly from the ledger; no chain calls happen on the query path.
type FundingStatus struct {
	JobID                 uuid.UUID `json:"job_id"`
	Status                string    `json:"status"`
	EscrowContractAddress *string   `json:"escrow_contract_address,omitempty"`
	JobIndex              *int64    `json:"job_index,omitempty"`
	LastTransactionHash   *string   `json:"last_transaction_hash,omitempty"`
}

type QueryService struct {
	jobRepo    *repositories.JobRepo
	escrowRepo *repositories.EscrowRepo
	txRepo     *repositories.TransactionRepo
	cfg        *config.Config
	log        *zap.Logger
}

func NewQueryService(
	jobRepo *repositories.JobRepo,
	escrowRepo *repositories.EscrowRepo,
	txRepo *repositories.TransactionRepo,
	cfg *config.Config,
	log *zap.Logger,
) *QueryService {
	return &QueryService{
		jobRepo:    jobRepo,
		escrowRepo: escrowRepo,
		txRepo:     txRepo,
		cfg:        cfg,
		log:        log,
	}
}

// GetJobFundingStatus reports the job's escrow status together with the
// contract address and job index once the on-chain slot exists. A job whose
// escrow row is absent (unfunded, failed before creation) reports status only.
func (s *QueryService) GetJobFundingStatus(ctx context.Context, jobID uuid.UUID) (*FundingStatus, error) {
	job, err := s.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	fs := &FundingStatus{
		JobID:  job.ID,
		Status: job.EscrowStatus,
	}

	esc, err := s.escrowRepo.GetByJobID(ctx, jobID)
	switch {
	case err == nil:
		addr := s.cfg.EscrowContractAddress
		idx := esc.JobIndex
		fs.EscrowContractAddress = &addr
		fs.JobIndex = &idx
	case errors.Is(err, escrow.ErrEscrowNotFound):
		// нет on-chain слота, статус сам по себе достаточен
	default:
		return nil, err
	}

	last, err := s.txRepo.LastByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if last != nil && last.TxHash != nil {
		fs.LastTransactionHash = last.TxHash
	}
	return fs, nil
}

// ListTransactions returns the wallet's transaction history, newest first.
func (s *QueryService) ListTransactions(ctx context.Context, walletAddress string, limit, offset int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.txRepo.ListByWallet(ctx, strings.ToLower(walletAddress), limit, offset)
}

// GetEscrow returns the escrow contract row for a job.
func (s *QueryService) GetEscrow(ctx context.Context, jobID uuid.UUID) (*models.EscrowContract, error) {
	return s.escrowRepo.GetByJobID(ctx, jobID)
}
