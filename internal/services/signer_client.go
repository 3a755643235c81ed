package services

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/jobforge/backend/internal/chain"
)

// SignerClient communicates with the internal wallet-signing service. The
// service holds the keys; this process only prepares and broadcasts.
type SignerClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewSignerClient(baseURL string, log *zap.Logger) *SignerClient {
	return &SignerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

type signRequest struct {
	From  string `json:"from"`
	RawTx string `json:"raw_tx"`
}

type signResult struct {
	SignedTx string `json:"signed_tx"`
}

// SignTx sends the unsigned transaction to the signing service and decodes the
// signed copy. A 403 means the wallet declined; nothing was broadcast.
func (c *SignerClient) SignTx(ctx context.Context, from common.Address, tx *types.Transaction) (*types.Transaction, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(signRequest{
		From:  from.Hex(),
		RawTx: hex.EncodeToString(raw),
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/internal/sign", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signer service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		b, _ := io.ReadAll(resp.Body)
		c.log.Warn("signer declined transaction",
			zap.String("from", from.Hex()),
			zap.String("reason", string(b)))
		return nil, chain.ErrSignerRejected
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("signer service returned %d: %s", resp.StatusCode, string(b))
	}

	var result signResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	signedRaw, err := hex.DecodeString(strings.TrimPrefix(result.SignedTx, "0x"))
	if err != nil {
		return nil, fmt.Errorf("signer returned malformed tx: %w", err)
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(signedRaw); err != nil {
		return nil, fmt.Errorf("signer returned malformed tx: %w", err)
	}
	return signed, nil
}
