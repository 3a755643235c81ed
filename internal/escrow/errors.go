package escrow

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrJobIndexMismatch means the index derived from the contract's shared
	// counter does not hold the job that was just submitted (another party's
	// create landed in between). Funding must not proceed on such an index.
	ErrJobIndexMismatch = errors.New("escrow: derived on-chain job index does not match submitted job")

	// ErrConfirmationTimeout means the submitted transaction was not
	// confirmed within the wait window. It remains pending in the ledger;
	// the caller should re-await, not resubmit.
	ErrConfirmationTimeout = errors.New("escrow: confirmation timeout, transaction still pending")

	ErrInvalidAmount     = errors.New("escrow: amount must be positive")
	ErrDeadlineNotFuture = errors.New("escrow: deadline must be in the future")
)

// Steps of the funding/release protocol, reported in errors so callers know
// exactly how far the flow progressed.
const (
	StepCreate  = "create"
	StepApprove = "approve"
	StepFund    = "fund"
	StepRelease = "release"
	StepRefund  = "refund"
)

// StateError rejects an operation on a job that is not in the required
// escrow status.
type StateError struct {
	JobID  uuid.UUID
	Status string
	Want   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("job %s is %s, not in %s state", e.JobID, e.Status, e.Want)
}

// FlowError wraps a failure of one protocol step with enough context for the
// caller to decide whether a retry is safe: JobCreatedOnChain reports that the
// create step had already confirmed (job exists on-chain, funds not moved),
// FundsMoved that the funding had.
type FlowError struct {
	JobID             uuid.UUID
	Step              string
	JobCreatedOnChain bool
	FundsMoved        bool
	Err               error
}

func (e *FlowError) Error() string {
	if e.JobCreatedOnChain {
		return fmt.Sprintf("job %s: step %s failed (job created on-chain, unfunded): %v", e.JobID, e.Step, e.Err)
	}
	return fmt.Sprintf("job %s: step %s failed: %v", e.JobID, e.Step, e.Err)
}

func (e *FlowError) Unwrap() error { return e.Err }
