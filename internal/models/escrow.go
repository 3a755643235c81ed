package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EscrowContractCreated  = "created"
	EscrowContractFunded   = "funded"
	EscrowContractReleased = "released"
	EscrowContractRefunded = "refunded"
)

// EscrowContract mirrors one job slot inside the on-chain escrow contract.
// A row is written only after the create call is confirmed; the funding,
// release and refund fields are populated only after the corresponding
// on-chain confirmation.
type EscrowContract struct {
	ID              uuid.UUID       `json:"id"`
	JobID           uuid.UUID       `json:"job_id"`
	EmployerAddress string          `json:"employer_address"`
	WorkerAddress   *string         `json:"worker_address,omitempty"`
	ContractAddress string          `json:"contract_address"`
	JobIndex        int64           `json:"job_index"` // index assigned by the contract, validated against on-chain fields
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	PlatformFee     decimal.Decimal `json:"platform_fee"`
	TotalAmount     decimal.Decimal `json:"total_amount"` // requested + fee, computed once at creation
	Deadline        time.Time       `json:"deadline"`
	Status          string          `json:"status"`
	FundingTxID     *uuid.UUID      `json:"funding_tx_id,omitempty"`
	ReleaseTxID     *uuid.UUID      `json:"release_tx_id,omitempty"`
	RefundTxID      *uuid.UUID      `json:"refund_tx_id,omitempty"`
	FundedAt        *time.Time      `json:"funded_at,omitempty"`
	ReleasedAt      *time.Time      `json:"released_at,omitempty"`
	RefundedAt      *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
