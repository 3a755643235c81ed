package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jobforge/backend/internal/chain"
	"github.com/jobforge/backend/internal/models"
)

func TestCreateAndFundHappyPath(t *testing.T) {
	env := newTestEnv()
	jobID := env.ledger.addJob(models.EscrowStatusUnfunded)
	amount := decimal.RequireFromString("500.00")
	deadline := time.Now().Add(48 * time.Hour)

	esc, err := env.coord.CreateAndFund(context.Background(), jobID, testWorker, amount, 200, deadline)
	if err != nil {
		t.Fatalf("CreateAndFund: %v", err)
	}

	if got := env.ledger.jobStatus(jobID); got != models.EscrowStatusFunded {
		t.Errorf("job status = %s, want funded", got)
	}
	if esc.Status != models.EscrowContractFunded {
		t.Errorf("escrow status = %s, want funded", esc.Status)
	}
	if !esc.PlatformFee.Equal(decimal.RequireFromString("10")) {
		t.Errorf("fee = %s, want 10", esc.PlatformFee)
	}
	if !esc.TotalAmount.Equal(decimal.RequireFromString("510")) {
		t.Errorf("total = %s, want 510", esc.TotalAmount)
	}

	// exactly two confirmed transactions, no failed ones
	if n := env.ledger.countByStatus(models.TxStatusConfirmed); n != 2 {
		t.Errorf("confirmed txs = %d, want 2", n)
	}
	if n := env.ledger.countByStatus(models.TxStatusFailed); n != 0 {
		t.Errorf("failed txs = %d, want 0", n)
	}
	if n := len(env.ledger.txsByType(models.TxTypeTokenApproval)); n != 0 {
		t.Errorf("approval txs = %d, want 0 with sufficient allowance", n)
	}

	// worker recorded on the job
	job, _ := env.ledger.GetJob(context.Background(), jobID)
	if job.WorkerAddress == nil || *job.WorkerAddress != testWorker {
		t.Error("worker address not recorded on job")
	}

	// on-chain slot actually funded
	slot, err := env.chain.JobAt(context.Background(), uint64(esc.JobIndex))
	if err != nil {
		t.Fatalf("JobAt: %v", err)
	}
	if !slot.Funded {
		t.Error("on-chain slot not funded")
	}
}

func TestCreateAndFundSubmitsApprovalWhenAllowanceLow(t *testing.T) {
	env := newTestEnv()
	env.chain.allowance = big.NewInt(0)
	jobID := env.ledger.addJob(models.EscrowStatusUnfunded)

	_, err := env.coord.CreateAndFund(context.Background(), jobID, testWorker,
		decimal.RequireFromString("500.00"), 200, time.Now().Add(48*time.Hour))
	if err != nil {
		t.Fatalf("CreateAndFund: %v", err)
	}

	if env.chain.approveCalls != 1 {
		t.Errorf("approve calls = %d, want 1", env.chain.approveCalls)
	}
	approvals := env.ledger.txsByType(models.TxTypeTokenApproval)
	if len(approvals) != 1 || approvals[0].Status != models.TxStatusConfirmed {
		t.Errorf("want one confirmed approval tx, got %d", len(approvals))
	}
	if n := env.ledger.countByStatus(models.TxStatusConfirmed); n != 3 {
		t.Errorf("confirmed txs = %d, want 3", n)
	}
}

func TestCreateAndFundRejectsBadInput(t *testing.T) {
	cases := []struct {
		name     string
		worker   string
		amount   decimal.Decimal
		deadline time.Time
		wantErr  error
	}{
		{
			name:     "zero amount",
			worker:   testWorker,
			amount:   decimal.Zero,
			deadline: time.Now().Add(time.Hour),
			wantErr:  ErrInvalidAmount,
		},
		{
			name:     "negative amount",
			worker:   testWorker,
			amount:   decimal.RequireFromString("-5"),
			deadline: time.Now().Add(time.Hour),
			wantErr:  ErrInvalidAmount,
		},
		{
			name:     "past deadline",
			worker:   testWorker,
			amount:   decimal.RequireFromString("100"),
			deadline: time.Now().Add(-time.Hour),
			wantErr:  ErrDeadlineNotFuture,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv()
			jobID := env.ledger.addJob(models.EscrowStatusUnfunded)

			_, err := env.coord.CreateAndFund(context.Background(), jobID, tc.worker, tc.amount, 200, tc.deadline)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			// rejected before any ledger write or broadcast
			if len(env.ledger.txs) != 0 {
				t.Errorf("ledger has %d txs, want 0", len(env.ledger.txs))
			}
			if env.chain.createCalls != 0 {
				t.Errorf("create calls = %d, want 0", env.chain.createCalls)
			}
			if got := env.ledger.jobStatus(jobID); got != models.EscrowStatusUnfunded {
				t.Errorf("job status = %s, want unfunded", got)
			}
		})
	}

	t.Run("invalid worker address", func(t *testing.T) {
		env := newTestEnv()
		jobID := env.ledger.addJob(models.EscrowStatusUnfunded)
		_, err := env.coord.CreateAndFund(context.Background(), jobID, "not-an-address",
			decimal.RequireFromString("100"), 200, time.Now().Add(time.Hour))
		if err == nil {
			t.Fatal("expected error for invalid worker address")
		}
		if env.chain.createCalls != 0 {
			t.Errorf("create calls = %d, want 0", env.chain.createCalls)
		}
	})
}

func TestCreateAndFundWrongStatus(t *testing.T) {
	for _, status := range []string{
		models.EscrowStatusFunded,
		models.EscrowStatusReleased,
		models.EscrowStatusRefunded,
		models.EscrowStatusFailed,
	} {
		t.Run(status, func(t *testing.T) {
			env := newTestEnv()
			jobID := env.ledger.addJob(status)

			_, err := env.coord.CreateAndFund(context.Background(), jobID, testWorker,
				decimal.RequireFromString("100"), 200, time.Now().Add(time.Hour))

			var stateErr *StateError
			if !errors.As(err, &stateErr) {
				t.Fatalf("err = %v, want StateError", err)
			}
			if stateErr.Status != status {
				t.Errorf("StateError.Status = %s, want %s", stateErr.Status, status)
			}
		})
	}
}

func TestCreateRejectedBySigner(t *testing.T) {
	env := newTestEnv()
	env.chain.submitCreateErr = chain.ErrSignerRejected
	jobID := env.ledger.addJob(models.EscrowStatusUnfunded)

	_, err := env.coord.CreateAndFund(context.Background(), jobID, testWorker,
		decimal.RequireFromString("100"), 200, time.Now().Add(time.Hour))

	var flowErr *FlowError
	if !errors.As(err, &flowErr) {
		t.Fatalf("err = %v, want FlowError", err)
	}
	if flowErr.Step != StepCreate || flowErr.JobCreatedOnChain {
		t.Errorf("FlowError = %+v, want step create with nothing on-chain", flowErr)
	}
	if !errors.Is(err, chain.ErrSignerRejected) {
		t.Error("FlowError should wrap ErrSignerRejected")
	}

	if got := env.ledger.jobStatus(jobID); got != models.EscrowStatusFailed {
		t.Errorf("job status = %s, want failed", got)
	}
	creates := env.ledger.txsByType(models.TxTypeEscrowCreate)
	if len(creates) != 1 || creates[0].Status != models.TxStatusFailed {
		t.Error("create tx should be recorded and failed")
	}
}

func TestCreateReverted(t *testing.T) {
	env := newTestEnv()
	env.chain.awaitQueue = []error{chain.ErrTxReverted}
	jobID := env.ledger.addJob(models.EscrowStatusUnfunded)

	_, err := env.coord.CreateAndFund(context.Background(), jobID, testWorker,
		decimal.RequireFromString("100"), 200, time.Now().Add(time.Hour))
	if !errors.Is(err, chain.ErrTxReverted) {
		t.Fatalf("err = %v, want wrapped ErrTxReverted", err)
	}

	if got := env.ledger.jobStatus(jobID); got != models.EscrowStatusFailed {
		t.Errorf("job status = %s, want failed", got)
	}
	if n := env.ledger.countByStatus(models.TxStatusFailed); n != 1 {
		t.Errorf("failed txs = %d, want 1", n)
	}
	if env.chain.fundCalls != 0 {
		t.Error("fundJob must not be called after a reverted create")
	}
}

func TestCreateTimeoutLeavesTxPending(t *testing.T) {
	env := newTestEnv()
	// await retries once, so a timeout needs two pending outcomes
	env.chain.awaitQueue = []error{chain.ErrTxPending, chain.ErrTxPending}
	jobID := env.ledger.addJob(models.EscrowStatusUnfunded)

	_, err := env.coord.CreateAndFund(context.Background(), jobID, testWorker,
		decimal.RequireFromString("100"), 200, time.Now().Add(time.Hour))
	if !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("err = %v, want wrapped ErrConfirmationTimeout", err)
	}

	// not failed: the submission may still land, reconcile picks it up
	creates := env.ledger.txsByType(models.TxTypeEscrowCreate)
	if len(creates) != 1 || creates[0].Status != models.TxStatusPending {
		t.Error("create tx should remain pending after timeout")
	}
	if got := env.ledger.jobStatus(jobID); got != models.EscrowStatusUnfunded {
		t.Errorf("job status = %s, want unfunded", got)
	}
}

func TestCancellationLeavesTxPending(t *testing.T) {
	env := newTestEnv()
	env.chain.awaitQueue = []error{context.Canceled}
	jobID := env.ledger.addJob(models.EscrowStatusUnfunded)

	_, err := env.coord.CreateAndFund(context.Background(), jobID, testWorker,
		decimal.RequireFromString("100"), 200, time.Now().Add(time.Hour))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	creates := env.ledger.txsByType(models.TxTypeEscrowCreate)
	if len(creates) != 1 || creates[0].Status != models.TxStatusPending {
		t.Error("create tx should remain pending after cancellation")
	}
}

func TestJobIndexMismatchBlocksFunding(t *testing.T) {
	env := newTestEnv()
	// чужой create лёг сразу после нашего, счётчик уехал
	env.chain.extraForeignCreates = 1
	jobID := env.ledger.addJob(models.EscrowStatusUnfunded)

	_, err := env.coord.CreateAndFund(context.Background(), jobID, testWorker,
		decimal.RequireFromString("100"), 200, time.Now().Add(time.Hour))
	if !errors.Is(err, ErrJobIndexMismatch) {
		t.Fatalf("err = %v, want wrapped ErrJobIndexMismatch", err)
	}

	// create confirmed, so the job is created; but nothing may be funded and
	// no escrow row may exist with an unvalidated index
	if got := env.ledger.jobStatus(jobID); got != models.EscrowStatusCreated {
		t.Errorf("job status = %s, want created", got)
	}
	if _, err := env.ledger.GetEscrowByJobID(context.Background(), jobID); !errors.Is(err, ErrEscrowNotFound) {
		t.Error("no escrow row may be written for a mismatched index")
	}
	if env.chain.fundCalls != 0 {
		t.Error("fundJob must not be called for a mismatched index")
	}
}

func TestRetryFundingRebuildsEscrowAfterIndexMismatch(t *testing.T) {
	env := newTestEnv()
	env.chain.extraForeignCreates = 1
	jobID := env.ledger.addJob(models.EscrowStatusUnfunded)
	deadline := time.Now().Add(48 * time.Hour)

	_, err := env.coord.CreateAndFund(context.Background(), jobID, testWorker,
		decimal.RequireFromString("100"), 200, deadline)
	if !errors.Is(err, ErrJobIndexMismatch) {
		t.Fatalf("err = %v, want wrapped ErrJobIndexMismatch", err)
	}

	// retry rebuilds the escrow row from the confirmed create's metadata,
	// locating our slot behind the foreign create, and funds it
	esc, err := env.coord.RetryFunding(context.Background(), jobID)
	if err != nil {
		t.Fatalf("RetryFunding: %v", err)
	}
	if esc.JobIndex != 0 {
		t.Errorf("job index = %d, want 0", esc.JobIndex)
	}
	if env.chain.createCalls != 1 {
		t.Errorf("create calls = %d, want 1: create must not be resubmitted", env.chain.createCalls)
	}
	if got := env.ledger.jobStatus(jobID); got != models.EscrowStatusFunded {
		t.Errorf("job status = %s, want funded", got)
	}

	slot, err := env.chain.JobAt(context.Background(), 0)
	if err != nil {
		t.Fatalf("JobAt: %v", err)
	}
	if !slot.Funded {
		t.Error("our slot must be funded, not the foreign one")
	}
	if foreign, _ := env.chain.JobAt(context.Background(), 1); foreign.Funded {
		t.Error("foreign slot must not be touched")
	}
}

func TestResumeSkipsCreate(t *testing.T) {
	env := newTestEnv()
	jobID := env.ledger.addJob(models.EscrowStatusUnfunded)
	amount := decimal.RequireFromString("500.00")
	deadline := time.Now().Add(48 * time.Hour)

	// first attempt: fund reverts, job stays created with a validated escrow row
	env.chain.awaitQueue = []error{nil, chain.ErrTxReverted}
	_, err := env.coord.CreateAndFund(context.Background(), jobID, testWorker, amount, 200, deadline)
	if !errors.Is(err, chain.ErrTxReverted) {
		t.Fatalf("first attempt err = %v, want wrapped ErrTxReverted", err)
	}
	if got := env.ledger.jobStatus(jobID); got != models.EscrowStatusCreated {
		t.Fatalf("job status = %s, want created after failed funding", got)
	}

	// second attempt resumes at funding; create is never resubmitted
	esc, err := env.coord.CreateAndFund(context.Background(), jobID, testWorker, amount, 200, deadline)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if env.chain.createCalls != 1 {
		t.Errorf("create calls = %d, want 1", env.chain.createCalls)
	}
	if env.chain.fundCalls != 2 {
		t.Errorf("fund calls = %d, want 2", env.chain.fundCalls)
	}
	if esc.Status != models.EscrowContractFunded {
		t.Errorf("escrow status = %s, want funded", esc.Status)
	}
	if got := env.ledger.jobStatus(jobID); got != models.EscrowStatusFunded {
		t.Errorf("job status = %s, want funded", got)
	}
}

func TestRetryFundingRequiresCreated(t *testing.T) {
	env := newTestEnv()
	jobID := env.ledger.addJob(models.EscrowStatusUnfunded)

	_, err := env.coord.RetryFunding(context.Background(), jobID)
	var stateErr *StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("err = %v, want StateError", err)
	}
}

func TestConcurrentFundingSingleWinner(t *testing.T) {
	env := newTestEnv()
	jobID := env.ledger.addJob(models.EscrowStatusUnfunded)
	amount := decimal.RequireFromString("500.00")
	deadline := time.Now().Add(48 * time.Hour)

	// создаём on-chain слот, fund уходит в timeout и остаётся pending
	env.chain.awaitQueue = []error{nil, chain.ErrTxPending, chain.ErrTxPending}
	_, err := env.coord.CreateAndFund(context.Background(), jobID, testWorker, amount, 200, deadline)
	if !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("err = %v, want wrapped ErrConfirmationTimeout", err)
	}

	// второй участник пытается финансировать, пока первый fund ещё жив
	_, err = env.coord.RetryFunding(context.Background(), jobID)
	if !errors.Is(err, ErrTxInFlight) {
		t.Fatalf("err = %v, want wrapped ErrTxInFlight", err)
	}
	if env.chain.fundCalls != 1 {
		t.Errorf("fund calls = %d, want 1: loser must not broadcast", env.chain.fundCalls)
	}
}

func TestRetryFundingAfterPendingFundReconciled(t *testing.T) {
	env := newTestEnv()
	jobID := env.ledger.addJob(models.EscrowStatusUnfunded)
	amount := decimal.RequireFromString("500.00")
	deadline := time.Now().Add(48 * time.Hour)

	env.chain.awaitQueue = []error{nil, chain.ErrTxPending, chain.ErrTxPending}
	_, err := env.coord.CreateAndFund(context.Background(), jobID, testWorker, amount, 200, deadline)
	if !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("err = %v, want wrapped ErrConfirmationTimeout", err)
	}

	// пока fund висит pending, повтор блокируется
	if _, err := env.coord.RetryFunding(context.Background(), jobID); !errors.Is(err, ErrTxInFlight) {
		t.Fatalf("err = %v, want wrapped ErrTxInFlight", err)
	}

	// sweep узнаёт от сети, что fund откатился
	funds := env.ledger.txsByType(models.TxTypeEscrowFund)
	if len(funds) != 1 {
		t.Fatalf("fund txs = %d, want 1", len(funds))
	}
	env.chain.awaitQueue = []error{chain.ErrTxReverted}
	if err := env.coord.ReconcilePending(context.Background(), funds[0]); err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if funds[0].Status != models.TxStatusFailed {
		t.Fatalf("fund tx status = %s, want failed", funds[0].Status)
	}

	// теперь повтор проходит без повторного create
	esc, err := env.coord.RetryFunding(context.Background(), jobID)
	if err != nil {
		t.Fatalf("RetryFunding after reconcile: %v", err)
	}
	if esc.Status != models.EscrowContractFunded {
		t.Errorf("escrow status = %s, want funded", esc.Status)
	}
	if env.chain.createCalls != 1 {
		t.Errorf("create calls = %d, want 1", env.chain.createCalls)
	}
	if env.chain.fundCalls != 2 {
		t.Errorf("fund calls = %d, want 2", env.chain.fundCalls)
	}
	if got := env.ledger.jobStatus(jobID); got != models.EscrowStatusFunded {
		t.Errorf("job status = %s, want funded", got)
	}
}

func TestCreateMetadataRecorded(t *testing.T) {
	env := newTestEnv()
	jobID := env.ledger.addJob(models.EscrowStatusUnfunded)
	deadline := time.Now().Add(48 * time.Hour)

	_, err := env.coord.CreateAndFund(context.Background(), jobID, testWorker,
		decimal.RequireFromString("500.00"), 200, deadline)
	if err != nil {
		t.Fatalf("CreateAndFund: %v", err)
	}

	creates := env.ledger.txsByType(models.TxTypeEscrowCreate)
	if len(creates) != 1 {
		t.Fatalf("create txs = %d, want 1", len(creates))
	}
	meta := creates[0].Meta
	if meta["worker"] != testWorker {
		t.Errorf("meta worker = %v", meta["worker"])
	}
	if meta["total"] != "510" {
		t.Errorf("meta total = %v, want 510", meta["total"])
	}
	if meta["deadline"] != deadline.Unix() {
		t.Errorf("meta deadline = %v, want %d", meta["deadline"], deadline.Unix())
	}
	if creates[0].TxHash == nil {
		t.Error("confirmed create tx must carry its hash")
	}
}
