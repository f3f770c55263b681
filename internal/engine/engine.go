// Package engine implements the payment settlement core: the verification
// pipeline, the exact fee split, the two-phase collect-then-forward
// settlement, and the refund compensator.
package engine

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/trace"

	"github.com/hummusonrails/x402-facilitator/internal/alert"
	"github.com/hummusonrails/x402-facilitator/internal/chain"
	"github.com/hummusonrails/x402-facilitator/internal/domain/model"
	"github.com/hummusonrails/x402-facilitator/internal/eip3009"
	"github.com/hummusonrails/x402-facilitator/internal/protocol"
	"github.com/hummusonrails/x402-facilitator/internal/store"
	"github.com/hummusonrails/x402-facilitator/internal/tracing"
)

// Config carries the network, token and fee parameters the engine settles
// against. All values are fixed at startup; clients can never influence them.
type Config struct {
	Network             model.Network
	ChainID             int64
	TokenAddress        string
	TokenName           string
	TokenVersion        string
	ServiceFeeBPS       int64
	GasFeeUnits         *big.Int
	MaxSettlementAmount *big.Int
	ConfirmTimeout      time.Duration
}

// Engine drives payments through the ledger state machine. The ledger is
// the single source of truth: every on-chain step is recorded before its
// confirmation is awaited, so a crash at any point leaves a resumable
// intermediate status for the recovery worker.
type Engine struct {
	cfg       Config
	payments  store.PaymentRepository
	merchants store.MerchantRepository
	chain     chain.Client
	alerter   alert.Alerter
	logger    *slog.Logger
	tracer    trace.Tracer
}

func New(
	cfg Config,
	payments store.PaymentRepository,
	merchants store.MerchantRepository,
	chainClient chain.Client,
	alerter alert.Alerter,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		payments:  payments,
		merchants: merchants,
		chain:     chainClient,
		alerter:   alerter,
		logger:    logger.With("component", "engine"),
		tracer:    tracing.Tracer("engine"),
	}
}

// FacilitatorAddress is the settlement wallet address.
func (e *Engine) FacilitatorAddress() common.Address {
	return e.chain.FacilitatorAddress()
}

func (e *Engine) domain() eip3009.Domain {
	return eip3009.Domain{
		Name:              e.cfg.TokenName,
		Version:           e.cfg.TokenVersion,
		ChainID:           big.NewInt(e.cfg.ChainID),
		VerifyingContract: common.HexToAddress(e.cfg.TokenAddress),
	}
}

// parseAuthorization converts the wire payload into a typed authorization
// and split signature. Any malformed field is a protocol validation error.
func parseAuthorization(p protocol.ExactPayload) (*eip3009.Authorization, eip3009.Signature, error) {
	value, ok := new(big.Int).SetString(p.Value, 10)
	if !ok {
		return nil, eip3009.Signature{}, fmt.Errorf("invalid value %q", p.Value)
	}

	nonce, err := parseBytes32(p.Nonce)
	if err != nil {
		return nil, eip3009.Signature{}, fmt.Errorf("invalid nonce: %w", err)
	}
	r, err := parseBytes32(p.R)
	if err != nil {
		return nil, eip3009.Signature{}, fmt.Errorf("invalid r: %w", err)
	}
	s, err := parseBytes32(p.S)
	if err != nil {
		return nil, eip3009.Signature{}, fmt.Errorf("invalid s: %w", err)
	}

	auth := &eip3009.Authorization{
		From:        common.HexToAddress(p.From),
		To:          common.HexToAddress(p.To),
		Value:       value,
		ValidAfter:  big.NewInt(p.ValidAfter),
		ValidBefore: big.NewInt(p.ValidBefore),
		Nonce:       nonce,
	}
	sig := eip3009.Signature{V: p.V, R: r, S: s}
	return auth, sig, nil
}

func parseBytes32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
