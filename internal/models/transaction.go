package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction types
const (
	TxTypeEscrowCreate  = "escrow_create"
	TxTypeEscrowFund    = "escrow_fund"
	TxTypeEscrowRelease = "escrow_release"
	TxTypeEscrowRefund  = "escrow_refund"
	TxTypeTokenApproval = "token_approval"
)

// Transaction statuses
const (
	TxStatusPending   = "pending"
	TxStatusConfirmed = "confirmed"
	TxStatusFailed    = "failed"
)

// Transaction is an append-only audit record of one signed submission.
// A row is created as pending before the submission is awaited; it receives
// exactly one terminal update (confirmed or failed). Once confirmed, hash and
// block number never change; a failed transaction never becomes confirmed.
type Transaction struct {
	ID            uuid.UUID       `json:"id"`
	WalletAddress string          `json:"wallet_address"`
	TxType        string          `json:"tx_type"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	TxHash        *string         `json:"tx_hash,omitempty"`      // nil until submitted
	BlockNumber   *int64          `json:"block_number,omitempty"` // nil until confirmed
	Status        string          `json:"status"`
	JobID         *uuid.UUID      `json:"job_id,omitempty"`
	EscrowID      *uuid.UUID      `json:"escrow_id,omitempty"`
	Description   *string         `json:"description,omitempty"`
	Meta          map[string]any  `json:"meta,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
