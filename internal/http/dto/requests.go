package dto

import "time"

type AuthNonceRequest struct {
	WalletAddress string `json:"wallet_address"`
}

type AuthVerifyRequest struct {
	WalletAddress string `json:"wallet_address"`
	Nonce         string `json:"nonce"`
	Signature     string `json:"signature"`
}

type CreateJobRequest struct {
	Title       string    `json:"title"`
	Description *string   `json:"description,omitempty"`
	Amount      string    `json:"amount"` // decimal string, token units
	Deadline    time.Time `json:"deadline"`
}

type StartEscrowRequest struct {
	WorkerAddress string `json:"worker_address"`
}

type SubmitDeliverableRequest struct {
	URL string `json:"url"`
}
