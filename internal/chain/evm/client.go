// Package evm implements chain.Client against a go-ethereum JSON-RPC node.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/hummusonrails/x402-facilitator/internal/chain"
	"github.com/hummusonrails/x402-facilitator/internal/circuitbreaker"
	"github.com/hummusonrails/x402-facilitator/internal/eip3009"
)

const (
	receiptPollInterval = 2 * time.Second

	// fallbackGasLimit is used when gas estimation fails; generous for a
	// single ERC-20 transfer on an L2.
	fallbackGasLimit = 300_000
)

// erc20ABI covers the token surface the facilitator touches.
const erc20ABI = `[
	{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"transferWithAuthorization","type":"function","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

type Config struct {
	RPCURL       string
	ChainID      int64
	TokenAddress string
	PrivateKey   string
	// RateLimit caps RPC submissions per second.
	RateLimit float64
}

// Client submits facilitator transactions through a single wallet. A mutex
// serializes nonce assignment so concurrent settlements cannot race the
// wallet's pending nonce.
type Client struct {
	eth     *ethclient.Client
	chainID *big.Int
	token   common.Address
	key     *ecdsa.PrivateKey
	address common.Address
	abi     abi.ABI
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	nonceMu sync.Mutex
}

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 5
	}

	log := logger.With("component", "evm_client")
	return &Client{
		eth:     eth,
		chainID: big.NewInt(cfg.ChainID),
		token:   common.HexToAddress(cfg.TokenAddress),
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		abi:     parsed,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			OnStateChange: func(from, to circuitbreaker.State) {
				log.Warn("rpc circuit breaker state changed",
					"from", from.String(), "to", to.String(), "rpc_url", cfg.RPCURL)
			},
		}),
		logger: log,
	}, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) FacilitatorAddress() common.Address {
	return c.address
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.eth.ChainID(ctx)
}

func (c *Client) TokenDecimals(ctx context.Context) (uint8, error) {
	data, err := c.abi.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}
	out, err := c.call(ctx, data)
	if err != nil {
		return 0, fmt.Errorf("call decimals: %w", err)
	}
	var decimals uint8
	if err := c.abi.UnpackIntoInterface(&decimals, "decimals", out); err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	return decimals, nil
}

func (c *Client) TokenBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := c.abi.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := c.call(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	balance := new(big.Int)
	if err := c.abi.UnpackIntoInterface(&balance, "balanceOf", out); err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	return balance, nil
}

func (c *Client) call(ctx context.Context, data []byte) ([]byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	c.breaker.Record(err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PackTransferWithAuthorization builds the collection calldata. Exposed for
// tests that assert on the function selector and argument layout.
func (c *Client) PackTransferWithAuthorization(auth *eip3009.Authorization, sig eip3009.Signature) ([]byte, error) {
	return c.abi.Pack("transferWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore,
		auth.Nonce, sig.V, sig.R, sig.S,
	)
}

// PackTransfer builds plain transfer calldata.
func (c *Client) PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return c.abi.Pack("transfer", to, amount)
}

func (c *Client) SubmitTransferWithAuthorization(ctx context.Context, auth *eip3009.Authorization, sig eip3009.Signature) (string, error) {
	data, err := c.PackTransferWithAuthorization(auth, sig)
	if err != nil {
		return "", fmt.Errorf("pack transferWithAuthorization: %w", err)
	}
	return c.submit(ctx, data)
}

func (c *Client) SubmitTransfer(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
	data, err := c.PackTransfer(to, amount)
	if err != nil {
		return "", fmt.Errorf("pack transfer: %w", err)
	}
	return c.submit(ctx, data)
}

// submit signs and sends one transaction to the token contract. Nonce
// assignment and send happen under the wallet mutex so two settlements
// never reuse a pending nonce.
func (c *Client) submit(ctx context.Context, data []byte) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	if err := c.breaker.Allow(); err != nil {
		return "", err
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, c.address)
	if err != nil {
		c.breaker.Record(err)
		return "", fmt.Errorf("pending nonce: %w", err)
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		c.breaker.Record(err)
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: c.address,
		To:   &c.token,
		Data: data,
	})
	if err != nil {
		// Estimation failure usually means the call would revert, but the
		// node gets the final say. Fall back and let the receipt decide.
		c.logger.Warn("gas estimation failed, using fallback", "error", err)
		gasLimit = fallbackGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.token,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		c.breaker.Record(err)
		return "", fmt.Errorf("send transaction: %w", err)
	}
	c.breaker.Record(nil)

	hash := signed.Hash().Hex()
	c.logger.Debug("transaction submitted", "tx_hash", hash, "nonce", nonce, "gas_limit", gasLimit)
	return hash, nil
}

func (c *Client) WaitForReceipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.ReceiptByHash(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, chain.ErrReceiptNotFound) {
			c.logger.Debug("receipt lookup failed, retrying", "tx_hash", txHash, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for receipt %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) ReceiptByHash(ctx context.Context, txHash string) (*chain.Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, chain.ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("transaction receipt: %w", err)
	}
	return &chain.Receipt{
		TxHash:      txHash,
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}
