package dto

type AuthNonceResponse struct {
	Nonce   string `json:"nonce"`
	Message string `json:"message"` // точный текст для подписи
}

type AuthResponse struct {
	Token         string `json:"token"`
	WalletAddress string `json:"wallet_address"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type EscrowAcceptedResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}
