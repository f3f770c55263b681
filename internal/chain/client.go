// Package chain abstracts the on-chain operations the settlement engine
// needs, so the engine can be tested against a fake and the EVM wiring
// stays in one place.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hummusonrails/x402-facilitator/internal/eip3009"
)

// ErrReceiptNotFound is returned by ReceiptByHash when the transaction is
// unknown to the node (not yet mined or dropped).
var ErrReceiptNotFound = errors.New("transaction receipt not found")

// Receipt is the subset of a transaction receipt the engine cares about.
type Receipt struct {
	TxHash      string
	Success     bool
	BlockNumber uint64
}

// Client submits token transfers and reads their outcomes. Implementations
// must be safe for concurrent use.
type Client interface {
	// SubmitTransferWithAuthorization submits the EIP-3009 collection
	// moving auth.Value from the payer to the facilitator. Returns the
	// transaction hash as soon as the transaction is accepted by the node.
	SubmitTransferWithAuthorization(ctx context.Context, auth *eip3009.Authorization, sig eip3009.Signature) (string, error)

	// SubmitTransfer submits a plain ERC-20 transfer from the facilitator
	// wallet to the given address.
	SubmitTransfer(ctx context.Context, to common.Address, amount *big.Int) (string, error)

	// WaitForReceipt blocks until the transaction is mined or ctx expires.
	WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error)

	// ReceiptByHash looks up an existing receipt without waiting.
	ReceiptByHash(ctx context.Context, txHash string) (*Receipt, error)

	// FacilitatorAddress is the address of the signing wallet.
	FacilitatorAddress() common.Address

	// ChainID reads the chain id from the node.
	ChainID(ctx context.Context) (*big.Int, error)

	// TokenDecimals reads decimals() from the configured token contract.
	TokenDecimals(ctx context.Context) (uint8, error)

	// TokenBalance reads balanceOf(addr) from the configured token contract.
	TokenBalance(ctx context.Context, addr common.Address) (*big.Int, error)
}
