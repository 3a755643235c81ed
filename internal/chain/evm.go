package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jobforge/backend/internal/config"
	"go.uber.org/zap"
)

const escrowABIJSON = `[
	{"type":"function","name":"createJob","stateMutability":"nonpayable","inputs":[{"name":"worker","type":"address"},{"name":"deadline","type":"uint256"},{"name":"totalAmount","type":"uint256"},{"name":"jobRef","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"fundJob","stateMutability":"nonpayable","inputs":[{"name":"jobIndex","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"releaseFunds","stateMutability":"nonpayable","inputs":[{"name":"jobIndex","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"refundJob","stateMutability":"nonpayable","inputs":[{"name":"jobIndex","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"nextJobIndex","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"jobs","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"employer","type":"address"},{"name":"worker","type":"address"},{"name":"totalAmount","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"funded","type":"bool"},{"name":"released","type":"bool"}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// EVMClient talks to the escrow contract and the payment token over JSON-RPC.
// Transactions are prepared here, signed by the external signer, and broadcast
// fire-and-forget; confirmation is observed by polling receipts.
type EVMClient struct {
	rpc           *ethclient.Client
	signer        Signer
	escrowAddr    common.Address
	tokenAddr     common.Address
	escrowABI     abi.ABI
	erc20ABI      abi.ABI
	confirmations uint64
	pollInterval  time.Duration
	log           *zap.Logger
}

func NewEVMClient(ctx context.Context, cfg *config.Config, signer Signer, log *zap.Logger) (*EVMClient, error) {
	if !common.IsHexAddress(cfg.EscrowContractAddress) {
		return nil, fmt.Errorf("invalid escrow contract address %q", cfg.EscrowContractAddress)
	}
	if !common.IsHexAddress(cfg.TokenContractAddress) {
		return nil, fmt.Errorf("invalid token contract address %q", cfg.TokenContractAddress)
	}

	rpc, err := ethclient.DialContext(ctx, cfg.ChainRPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc %s: %w", cfg.ChainRPCURL, err)
	}

	chainID, err := rpc.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	if chainID.Int64() != cfg.ChainID {
		return nil, fmt.Errorf("chain id mismatch: node reports %d, config expects %d", chainID.Int64(), cfg.ChainID)
	}

	escrowABI, err := abi.JSON(strings.NewReader(escrowABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	confirmations := cfg.Confirmations
	if confirmations < 1 {
		confirmations = 1
	}

	log.Info("chain client ready",
		zap.String("rpc", cfg.ChainRPCURL),
		zap.Int64("chain_id", cfg.ChainID),
		zap.String("escrow", cfg.EscrowContractAddress),
		zap.String("token", cfg.TokenContractAddress),
	)

	return &EVMClient{
		rpc:           rpc,
		signer:        signer,
		escrowAddr:    common.HexToAddress(cfg.EscrowContractAddress),
		tokenAddr:     common.HexToAddress(cfg.TokenContractAddress),
		escrowABI:     escrowABI,
		erc20ABI:      erc20ABI,
		confirmations: uint64(confirmations),
		pollInterval:  cfg.ConfirmPollInterval,
		log:           log,
	}, nil
}

func (c *EVMClient) SubmitCreateJob(ctx context.Context, p CreateJobParams) (TxHandle, error) {
	data, err := c.escrowABI.Pack("createJob", p.Worker, big.NewInt(p.Deadline.Unix()), p.TotalAmount, p.Ref)
	if err != nil {
		return TxHandle{}, fmt.Errorf("pack createJob: %w", err)
	}
	return c.submit(ctx, p.Employer, c.escrowAddr, data)
}

func (c *EVMClient) SubmitFundJob(ctx context.Context, employer common.Address, jobIndex uint64) (TxHandle, error) {
	data, err := c.escrowABI.Pack("fundJob", new(big.Int).SetUint64(jobIndex))
	if err != nil {
		return TxHandle{}, fmt.Errorf("pack fundJob: %w", err)
	}
	return c.submit(ctx, employer, c.escrowAddr, data)
}

func (c *EVMClient) SubmitRelease(ctx context.Context, employer common.Address, jobIndex uint64) (TxHandle, error) {
	data, err := c.escrowABI.Pack("releaseFunds", new(big.Int).SetUint64(jobIndex))
	if err != nil {
		return TxHandle{}, fmt.Errorf("pack releaseFunds: %w", err)
	}
	return c.submit(ctx, employer, c.escrowAddr, data)
}

func (c *EVMClient) SubmitRefund(ctx context.Context, employer common.Address, jobIndex uint64) (TxHandle, error) {
	data, err := c.escrowABI.Pack("refundJob", new(big.Int).SetUint64(jobIndex))
	if err != nil {
		return TxHandle{}, fmt.Errorf("pack refundJob: %w", err)
	}
	return c.submit(ctx, employer, c.escrowAddr, data)
}

func (c *EVMClient) SubmitApprove(ctx context.Context, owner common.Address, amount *big.Int) (TxHandle, error) {
	data, err := c.erc20ABI.Pack("approve", c.escrowAddr, amount)
	if err != nil {
		return TxHandle{}, fmt.Errorf("pack approve: %w", err)
	}
	return c.submit(ctx, owner, c.tokenAddr, data)
}

func (c *EVMClient) submit(ctx context.Context, from, to common.Address, data []byte) (TxHandle, error) {
	nonce, err := c.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return TxHandle{}, fmt.Errorf("pending nonce for %s: %w", from.Hex(), err)
	}

	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return TxHandle{}, fmt.Errorf("suggest gas price: %w", err)
	}

	// Estimation runs the call against pending state, so a call that would
	// revert (insufficient balance/allowance, bad index) fails here, before
	// anything is signed or broadcast.
	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return TxHandle{}, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas + gas/5,
		To:       &to,
		Data:     data,
	})

	signed, err := c.signer.SignTx(ctx, from, tx)
	if err != nil {
		return TxHandle{}, err
	}

	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return TxHandle{}, fmt.Errorf("broadcast transaction: %w", err)
	}

	c.log.Info("transaction broadcast",
		zap.String("hash", signed.Hash().Hex()),
		zap.String("from", from.Hex()),
		zap.String("to", to.Hex()),
	)

	return TxHandle{Hash: signed.Hash()}, nil
}

func (c *EVMClient) AwaitConfirmation(ctx context.Context, h TxHandle, timeout time.Duration) (int64, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, h.Hash)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return 0, fmt.Errorf("tx %s: %w", h.Hash.Hex(), ErrTxReverted)
			}
			head, headErr := c.rpc.BlockNumber(ctx)
			if headErr == nil && head+1 >= receipt.BlockNumber.Uint64()+c.confirmations {
				return receipt.BlockNumber.Int64(), nil
			}
		case errors.Is(err, ethereum.NotFound):
			// not mined yet, keep polling
		default:
			c.log.Debug("receipt poll failed", zap.String("hash", h.Hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline.C:
			return 0, fmt.Errorf("tx %s not confirmed after %s: %w", h.Hash.Hex(), timeout, ErrTxPending)
		case <-ticker.C:
		}
	}
}

func (c *EVMClient) NextJobIndex(ctx context.Context) (uint64, error) {
	out, err := c.view(ctx, c.escrowAddr, c.escrowABI, "nextJobIndex")
	if err != nil {
		return 0, err
	}
	next, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("nextJobIndex: unexpected output %T", out[0])
	}
	return next.Uint64(), nil
}

func (c *EVMClient) JobAt(ctx context.Context, jobIndex uint64) (OnChainJob, error) {
	out, err := c.view(ctx, c.escrowAddr, c.escrowABI, "jobs", new(big.Int).SetUint64(jobIndex))
	if err != nil {
		return OnChainJob{}, err
	}
	if len(out) != 6 {
		return OnChainJob{}, fmt.Errorf("jobs(%d): unexpected output arity %d", jobIndex, len(out))
	}
	return OnChainJob{
		Employer:    out[0].(common.Address),
		Worker:      out[1].(common.Address),
		TotalAmount: out[2].(*big.Int),
		Deadline:    out[3].(*big.Int),
		Funded:      out[4].(bool),
		Released:    out[5].(bool),
	}, nil
}

func (c *EVMClient) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := c.view(ctx, c.tokenAddr, c.erc20ABI, "allowance", owner, c.escrowAddr)
	if err != nil {
		return nil, err
	}
	allowance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("allowance: unexpected output %T", out[0])
	}
	return allowance, nil
}

func (c *EVMClient) view(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}
