package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Job escrow statuses
const (
	EscrowStatusUnfunded = "unfunded"
	EscrowStatusCreated  = "created"
	EscrowStatusFunded   = "funded"
	EscrowStatusReleased = "released"
	EscrowStatusRefunded = "refunded"
	EscrowStatusFailed   = "failed"
)

// Valid escrow status transitions: from -> []to.
// Forward-only: once a funding is confirmed on-chain it is a durable fact,
// so "failed" is reachable only before funds moved (unfunded/created).
var ValidEscrowTransitions = map[string][]string{
	EscrowStatusUnfunded: {EscrowStatusCreated, EscrowStatusFailed},
	EscrowStatusCreated:  {EscrowStatusFunded, EscrowStatusFailed},
	EscrowStatusFunded:   {EscrowStatusReleased, EscrowStatusRefunded},
	EscrowStatusReleased: {},
	EscrowStatusRefunded: {},
	EscrowStatusFailed:   {},
}

func IsValidEscrowTransition(from, to string) bool {
	allowed, ok := ValidEscrowTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminalEscrowStatus reports whether no further transition is possible.
func IsTerminalEscrowStatus(status string) bool {
	allowed, ok := ValidEscrowTransitions[status]
	return ok && len(allowed) == 0
}

type Job struct {
	ID              uuid.UUID       `json:"id"`
	EmployerAddress string          `json:"employer_address"` // 0x-hex wallet address
	Title           string          `json:"title"`
	Description     *string         `json:"description,omitempty"`
	Amount          decimal.Decimal `json:"amount"` // requested payment, 6-decimal token units
	Deadline        time.Time       `json:"deadline"`
	EscrowStatus    string          `json:"escrow_status"`
	WorkerAddress   *string         `json:"worker_address,omitempty"`
	DeliverableURL  *string         `json:"deliverable_url,omitempty"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
