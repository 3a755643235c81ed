package escrow

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jobforge/backend/internal/chain"
	"github.com/jobforge/backend/internal/config"
	"github.com/jobforge/backend/internal/events"
	"github.com/jobforge/backend/internal/models"
	"github.com/jobforge/backend/internal/money"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Coordinator drives a job from unfunded to funded: two dependent on-chain
// calls (createJob, then fundJob), each recorded in the ledger as a pending
// transaction before its confirmation is awaited. The on-chain create is
// irreversible once confirmed, so the flow only ever moves forward; it never
// rolls a confirmed step back.
type Coordinator struct {
	ledger    Ledger
	chain     chain.Client
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger
}

func NewCoordinator(ledger Ledger, chainClient chain.Client, publisher events.Publisher, cfg *config.Config, log *zap.Logger) *Coordinator {
	return &Coordinator{
		ledger:    ledger,
		chain:     chainClient,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
	}
}

// CreateAndFund runs the two-phase funding protocol for an unfunded job.
// Calling it again on a job the first attempt left in "created" resumes at
// the funding step using the recorded index; the create is never resubmitted.
func (c *Coordinator) CreateAndFund(ctx context.Context, jobID uuid.UUID, workerAddress string, amount decimal.Decimal, feeBPS int, deadline time.Time) (*models.EscrowContract, error) {
	job, err := c.ledger.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.EscrowStatus {
	case models.EscrowStatusCreated:
		// Create already confirmed on a previous attempt; resume forward.
		esc, err := c.escrowForCreated(ctx, job)
		if err != nil {
			return nil, err
		}
		return c.fund(ctx, job, esc)
	case models.EscrowStatusUnfunded:
		// first attempt, validated below
	default:
		return nil, &StateError{JobID: jobID, Status: job.EscrowStatus, Want: models.EscrowStatusUnfunded}
	}

	// Input validation rejects synchronously, before any ledger write.
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !deadline.After(time.Now()) {
		return nil, ErrDeadlineNotFuture
	}
	if !common.IsHexAddress(workerAddress) {
		return nil, fmt.Errorf("invalid worker address %q", workerAddress)
	}
	if !common.IsHexAddress(job.EmployerAddress) {
		return nil, fmt.Errorf("job %s has invalid employer address %q", jobID, job.EmployerAddress)
	}

	fee, total := money.TotalWithFee(amount, feeBPS)

	esc, err := c.create(ctx, job, workerAddress, amount, fee, total, deadline)
	if err != nil {
		return nil, err
	}

	return c.fund(ctx, job, esc)
}

// RetryFunding resumes a job stuck in "created": it performs only the funding
// step against the previously validated index.
func (c *Coordinator) RetryFunding(ctx context.Context, jobID uuid.UUID) (*models.EscrowContract, error) {
	job, err := c.ledger.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.EscrowStatus != models.EscrowStatusCreated {
		return nil, &StateError{JobID: jobID, Status: job.EscrowStatus, Want: models.EscrowStatusCreated}
	}
	esc, err := c.escrowForCreated(ctx, job)
	if err != nil {
		return nil, err
	}
	return c.fund(ctx, job, esc)
}

// escrowForCreated returns the escrow row of a job in "created". When the row
// is missing because the index validation aborted after the create confirmed,
// it is rebuilt from the create transaction's recorded metadata instead of
// leaving the job stuck.
func (c *Coordinator) escrowForCreated(ctx context.Context, job *models.Job) (*models.EscrowContract, error) {
	esc, err := c.ledger.GetEscrowByJobID(ctx, job.ID)
	if err == nil {
		return esc, nil
	}
	if !errors.Is(err, ErrEscrowNotFound) {
		return nil, err
	}

	created, txErr := c.ledger.ConfirmedTransaction(ctx, job.ID, models.TxTypeEscrowCreate)
	if txErr != nil {
		return nil, txErr
	}
	if created == nil {
		return nil, fmt.Errorf("job %s is created with no escrow record and no confirmed create, needs manual reconciliation", job.ID)
	}
	return c.rebuildEscrow(ctx, job, created)
}

// create submits createJob, awaits its confirmation, derives and validates
// the assigned job index, and writes the escrow record.
func (c *Coordinator) create(ctx context.Context, job *models.Job, workerAddress string, amount, fee, total decimal.Decimal, deadline time.Time) (*models.EscrowContract, error) {
	totalUnits, err := money.ToBaseUnits(total)
	if err != nil {
		return nil, err
	}

	employer := common.HexToAddress(job.EmployerAddress)
	worker := common.HexToAddress(workerAddress)
	ref := jobRef(job.ID)

	desc := "escrow create for job " + job.Title
	tx := &models.Transaction{
		WalletAddress: job.EmployerAddress,
		TxType:        models.TxTypeEscrowCreate,
		Amount:        total,
		Currency:      money.Currency,
		Status:        models.TxStatusPending,
		JobID:         &job.ID,
		Description:   &desc,
		Meta: map[string]any{
			"worker":   workerAddress,
			"amount":   amount.String(),
			"fee":      fee.String(),
			"total":    total.String(),
			"deadline": deadline.Unix(),
		},
	}
	// The pending row goes in before anything is broadcast, so a crash at any
	// later point leaves an auditable trace to reconcile from.
	if err := c.ledger.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("record create transaction: %w", err)
	}

	handle, err := c.chain.SubmitCreateJob(ctx, chain.CreateJobParams{
		Employer:    employer,
		Worker:      worker,
		Deadline:    deadline,
		TotalAmount: totalUnits,
		Ref:         ref,
	})
	if err != nil {
		_ = c.ledger.MarkTransactionFailed(ctx, tx.ID, err.Error())
		_ = c.transitionJob(ctx, job.ID, models.EscrowStatusUnfunded, models.EscrowStatusFailed)
		return nil, &FlowError{JobID: job.ID, Step: StepCreate, Err: err}
	}
	if err := c.ledger.SetTransactionSubmitted(ctx, tx.ID, handle.Hash.Hex()); err != nil {
		c.log.Error("failed to record tx hash", zap.String("tx_id", tx.ID.String()), zap.Error(err))
	}

	block, err := c.await(ctx, handle)
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrTxReverted):
			_ = c.ledger.MarkTransactionFailed(ctx, tx.ID, err.Error())
			_ = c.transitionJob(ctx, job.ID, models.EscrowStatusUnfunded, models.EscrowStatusFailed)
			return nil, &FlowError{JobID: job.ID, Step: StepCreate, Err: err}
		case errors.Is(err, ErrConfirmationTimeout):
			// Transaction stays pending; the submission may still land and
			// the reconcile sweep or a retried await will pick it up.
			return nil, &FlowError{JobID: job.ID, Step: StepCreate, Err: err}
		default:
			// Cancellation: leave the transaction pending, the on-chain
			// submission may still land.
			return nil, err
		}
	}

	if err := c.ledger.MarkTransactionConfirmed(ctx, tx.ID, block); err != nil {
		return nil, fmt.Errorf("mark create confirmed: %w", err)
	}
	if err := c.transitionJob(ctx, job.ID, models.EscrowStatusUnfunded, models.EscrowStatusCreated); err != nil {
		return nil, err
	}
	_ = c.ledger.SetJobWorker(ctx, job.ID, workerAddress)
	c.publishTxConfirmed(ctx, tx, block)

	jobIndex, err := c.deriveJobIndex(ctx, employer, worker, totalUnits)
	if err != nil {
		// Job stays "created"; never fund an unvalidated index.
		return nil, &FlowError{JobID: job.ID, Step: StepCreate, JobCreatedOnChain: true, Err: err}
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
		Deadline:        deadline,
		Status:          models.EscrowContractCreated,
	}
	if err := c.ledger.CreateEscrow(ctx, esc); err != nil {
		return nil, fmt.Errorf("record escrow: %w", err)
	}

	c.log.Info("escrow job created on-chain",
		zap.String("job_id", job.ID.String()),
		zap.Int64("job_index", esc.JobIndex),
		zap.String("tx_hash", handle.Hash.Hex()),
	)

	return esc, nil
}

// deriveJobIndex reads the contract's shared counter and re-validates the
// derived index against the stored on-chain fields. The counter is a global
// that any concurrent create advances, so the read alone proves nothing;
// mismatching fields abort with ErrJobIndexMismatch.
func (c *Coordinator) deriveJobIndex(ctx context.Context, employer, worker common.Address, totalUnits *big.Int) (uint64, error) {
	next, err := c.chain.NextJobIndex(ctx)
	if err != nil {
		return 0, fmt.Errorf("read next job index: %w", err)
	}
	if next == 0 {
		return 0, fmt.Errorf("next job index is zero after confirmed create: %w", ErrJobIndexMismatch)
	}
	idx := next - 1

	onchain, err := c.chain.JobAt(ctx, idx)
	if err != nil {
		return 0, fmt.Errorf("read job at index %d: %w", idx, err)
	}
	if onchain.Employer != employer || onchain.Worker != worker || onchain.TotalAmount == nil || onchain.TotalAmount.Cmp(totalUnits) != 0 {
		return 0, fmt.Errorf("index %d holds employer=%s worker=%s: %w", idx, onchain.Employer.Hex(), onchain.Worker.Hex(), ErrJobIndexMismatch)
	}
	return idx, nil
}

// indexScanWindow bounds how far back locateJobIndex walks from the head of
// the contract's job array.
const indexScanWindow = 64

// locateJobIndex walks back from the contract's counter looking for the
// unfunded slot holding the given create. Unlike deriveJobIndex it tolerates
// foreign creates that advanced the counter past next-1; the match on stored
// fields is the validation.
func (c *Coordinator) locateJobIndex(ctx context.Context, employer, worker common.Address, totalUnits *big.Int, deadlineUnix int64) (uint64, error) {
	next, err := c.chain.NextJobIndex(ctx)
	if err != nil {
		return 0, fmt.Errorf("read next job index: %w", err)
	}
	for probed := uint64(0); probed < indexScanWindow && probed < next; probed++ {
		idx := next - 1 - probed
		onchain, err := c.chain.JobAt(ctx, idx)
		if err != nil {
			return 0, fmt.Errorf("read job at index %d: %w", idx, err)
		}
		if onchain.Funded || onchain.Released {
			continue
		}
		if onchain.Employer != employer || onchain.Worker != worker {
			continue
		}
		if onchain.TotalAmount == nil || onchain.TotalAmount.Cmp(totalUnits) != 0 {
			continue
		}
		if onchain.Deadline == nil || onchain.Deadline.Int64() != deadlineUnix {
			continue
		}
		return idx, nil
	}
	return 0, fmt.Errorf("no unfunded slot matches employer=%s worker=%s within %d slots of the head: %w",
		employer.Hex(), worker.Hex(), indexScanWindow, ErrJobIndexMismatch)
}

// fund submits fundJob for a validated index and awaits confirmation. The
// single-live-transaction guard in the ledger makes concurrent funding
// attempts lose before anything is broadcast.
func (c *Coordinator) fund(ctx context.Context, job *models.Job, esc *models.EscrowContract) (*models.EscrowContract, error) {
	totalUnits, err := money.ToBaseUnits(esc.TotalAmount)
	if err != nil {
		return nil, err
	}
	employer := common.HexToAddress(esc.EmployerAddress)

	if err := c.ensureAllowance(ctx, job, esc, employer, totalUnits); err != nil {
		return nil, err
	}

	desc := "escrow funding for job " + job.Title
	tx := &models.Transaction{
		WalletAddress: esc.EmployerAddress,
		TxType:        models.TxTypeEscrowFund,
		Amount:        esc.TotalAmount,
		Currency:      money.Currency,
		Status:        models.TxStatusPending,
		JobID:         &job.ID,
		EscrowID:      &esc.ID,
		Description:   &desc,
		Meta:          map[string]any{"job_index": esc.JobIndex},
	}
	if err := c.ledger.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, ErrTxInFlight) {
			return nil, fmt.Errorf("funding already in progress for job %s: %w", job.ID, err)
		}
		return nil, fmt.Errorf("record fund transaction: %w", err)
	}

	handle, err := c.chain.SubmitFundJob(ctx, employer, uint64(esc.JobIndex))
	if err != nil {
		_ = c.ledger.MarkTransactionFailed(ctx, tx.ID, err.Error())
		return nil, &FlowError{JobID: job.ID, Step: StepFund, JobCreatedOnChain: true, Err: err}
	}
	if err := c.ledger.SetTransactionSubmitted(ctx, tx.ID, handle.Hash.Hex()); err != nil {
		c.log.Error("failed to record tx hash", zap.String("tx_id", tx.ID.String()), zap.Error(err))
	}

	block, err := c.await(ctx, handle)
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrTxReverted):
			// Funds did not move; the job stays "created" and funding is
			// retryable.
			_ = c.ledger.MarkTransactionFailed(ctx, tx.ID, err.Error())
			return nil, &FlowError{JobID: job.ID, Step: StepFund, JobCreatedOnChain: true, Err: err}
		case errors.Is(err, ErrConfirmationTimeout):
			return nil, &FlowError{JobID: job.ID, Step: StepFund, JobCreatedOnChain: true, Err: err}
		default:
			return nil, err
		}
	}

	if err := c.ledger.MarkTransactionConfirmed(ctx, tx.ID, block); err != nil {
		return nil, fmt.Errorf("mark fund confirmed: %w", err)
	}
	if err := c.transitionJob(ctx, job.ID, models.EscrowStatusCreated, models.EscrowStatusFunded); err != nil {
		return nil, err
	}
	if err := c.ledger.MarkEscrowFunded(ctx, esc.ID, tx.ID, time.Now()); err != nil {
		c.log.Error("failed to mark escrow funded", zap.String("escrow_id", esc.ID.String()), zap.Error(err))
	}
	c.publishTxConfirmed(ctx, tx, block)

	esc.Status = models.EscrowContractFunded
	esc.FundingTxID = &tx.ID

	c.log.Info("escrow funded",
		zap.String("job_id", job.ID.String()),
		zap.Int64("job_index", esc.JobIndex),
		zap.String("tx_hash", handle.Hash.Hex()),
		zap.String("total", esc.TotalAmount.String()),
	)

	return esc, nil
}

// ensureAllowance submits and confirms a token approval when the employer's
// current allowance cannot cover the escrow total.
func (c *Coordinator) ensureAllowance(ctx context.Context, job *models.Job, esc *models.EscrowContract, employer common.Address, totalUnits *big.Int) error {
	allowance, err := c.chain.Allowance(ctx, employer)
	if err != nil {
		return fmt.Errorf("read token allowance: %w", err)
	}
	if allowance.Cmp(totalUnits) >= 0 {
		return nil
	}

	desc := "token approval for job " + job.Title
	tx := &models.Transaction{
		WalletAddress: esc.EmployerAddress,
		TxType:        models.TxTypeTokenApproval,
		Amount:        esc.TotalAmount,
		Currency:      money.Currency,
		Status:        models.TxStatusPending,
		JobID:         &job.ID,
		EscrowID:      &esc.ID,
		Description:   &desc,
	}
	if err := c.ledger.CreateTransaction(ctx, tx); err != nil {
		return fmt.Errorf("record approval transaction: %w", err)
	}

	handle, err := c.chain.SubmitApprove(ctx, employer, totalUnits)
	if err != nil {
		_ = c.ledger.MarkTransactionFailed(ctx, tx.ID, err.Error())
		return &FlowError{JobID: job.ID, Step: StepApprove, JobCreatedOnChain: true, Err: err}
	}
	if err := c.ledger.SetTransactionSubmitted(ctx, tx.ID, handle.Hash.Hex()); err != nil {
		c.log.Error("failed to record tx hash", zap.String("tx_id", tx.ID.String()), zap.Error(err))
	}

	block, err := c.await(ctx, handle)
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrTxReverted):
			_ = c.ledger.MarkTransactionFailed(ctx, tx.ID, err.Error())
			return &FlowError{JobID: job.ID, Step: StepApprove, JobCreatedOnChain: true, Err: err}
		case errors.Is(err, ErrConfirmationTimeout):
			return &FlowError{JobID: job.ID, Step: StepApprove, JobCreatedOnChain: true, Err: err}
		default:
			return err
		}
	}

	if err := c.ledger.MarkTransactionConfirmed(ctx, tx.ID, block); err != nil {
		return fmt.Errorf("mark approval confirmed: %w", err)
	}
	c.publishTxConfirmed(ctx, tx, block)
	return nil
}

// await waits for confirmation, re-awaiting once on timeout before surfacing
// ErrConfirmationTimeout. Cancellation errors pass through untouched so the
// caller leaves the transaction pending.
func (c *Coordinator) await(ctx context.Context, h chain.TxHandle) (int64, error) {
	block, err := c.chain.AwaitConfirmation(ctx, h, c.cfg.ConfirmTimeout)
	if err != nil && errors.Is(err, chain.ErrTxPending) {
		block, err = c.chain.AwaitConfirmation(ctx, h, c.cfg.ConfirmTimeout)
	}
	if err != nil {
		if errors.Is(err, chain.ErrTxPending) {
			return 0, ErrConfirmationTimeout
		}
		return 0, err
	}
	return block, nil
}

// transitionJob performs a validated compare-and-set status move and publishes
// the change.
func (c *Coordinator) transitionJob(ctx context.Context, jobID uuid.UUID, from, to string) error {
	if !models.IsValidEscrowTransition(from, to) {
		return fmt.Errorf("invalid escrow transition from %s to %s", from, to)
	}
	if err := c.ledger.SetJobEscrowStatus(ctx, jobID, from, to); err != nil {
		return err
	}
	_ = c.publisher.Publish(ctx, events.StreamEscrow, events.Event{
		Type: events.EventEscrowStatusChanged,
		Payload: map[string]any{
			"job_id":     jobID.String(),
			"old_status": from,
			"new_status": to,
		},
	})
	return nil
}

func (c *Coordinator) publishTxConfirmed(ctx context.Context, tx *models.Transaction, block int64) {
	payload := map[string]any{
		"tx_id":        tx.ID.String(),
		"tx_type":      tx.TxType,
		"block_number": block,
	}
	if tx.JobID != nil {
		payload["job_id"] = tx.JobID.String()
	}
	_ = c.publisher.Publish(ctx, events.StreamEscrow, events.Event{
		Type:    events.EventTransactionConfirmed,
		Payload: payload,
	})
}

// jobRef derives the opaque 32-byte reference passed to createJob.
func jobRef(jobID uuid.UUID) [32]byte {
	return sha256.Sum256(jobID[:])
}
