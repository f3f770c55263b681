package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hummusonrails/x402-facilitator/internal/domain/model"
	"github.com/hummusonrails/x402-facilitator/internal/eip3009"
	"github.com/hummusonrails/x402-facilitator/internal/metrics"
	"github.com/hummusonrails/x402-facilitator/internal/protocol"
	"github.com/hummusonrails/x402-facilitator/internal/store"
)

func invalid(reason string) protocol.VerifyResponse {
	return protocol.VerifyResponse{Valid: false, InvalidReason: reason}
}

// Verify runs the full verification pipeline: protocol field checks in a
// fixed order, each short-circuiting with its own reason, then the atomic
// nonce reservation, then signature recovery. The nonce is reserved before
// the signature is checked; a reservation that later fails verification
// stays in the ledger as pending and is never reusable, which is the
// intended replay behavior.
func (e *Engine) Verify(ctx context.Context, req protocol.VerifyRequest, merchantAddress string) protocol.VerifyResponse {
	ctx, span := e.tracer.Start(ctx, "engine.Verify")
	defer span.End()

	start := time.Now()
	resp := e.verify(ctx, req, merchantAddress)
	metrics.VerifyLatency.WithLabelValues(string(e.cfg.Network)).Observe(time.Since(start).Seconds())

	result := "valid"
	if !resp.Valid {
		result = "invalid"
		span.SetAttributes(attribute.String("invalid_reason", resp.InvalidReason))
	}
	metrics.VerifyTotal.WithLabelValues(string(e.cfg.Network), result).Inc()
	return resp
}

func (e *Engine) verify(ctx context.Context, req protocol.VerifyRequest, merchantAddress string) protocol.VerifyResponse {
	reqs := req.PaymentRequirements
	payload := req.PaymentPayload
	log := e.logger.With("nonce", payload.Payload.Nonce)

	log.Info("starting payment verification")

	if reqs.Scheme != protocol.SchemeExact {
		log.Warn("invalid scheme", "scheme", reqs.Scheme)
		return invalid(fmt.Sprintf("Invalid scheme: %s. Only 'exact' is supported.", reqs.Scheme))
	}
	if payload.Scheme != protocol.SchemeExact {
		log.Warn("payload scheme mismatch", "scheme", payload.Scheme)
		return invalid(fmt.Sprintf("Invalid payload scheme: %s", payload.Scheme))
	}

	if reqs.Network != string(e.cfg.Network) {
		log.Warn("invalid network", "requested", reqs.Network, "configured", e.cfg.Network)
		return invalid(fmt.Sprintf("Invalid network: %s. Only %s is supported.", reqs.Network, e.cfg.Network))
	}
	if payload.Network != string(e.cfg.Network) {
		log.Warn("payload network mismatch", "network", payload.Network)
		return invalid(fmt.Sprintf("Invalid payload network: %s", payload.Network))
	}

	if !sameAddress(reqs.Token, e.cfg.TokenAddress) {
		log.Warn("invalid token", "requested", reqs.Token, "configured", e.cfg.TokenAddress)
		return invalid(fmt.Sprintf("Invalid token address. Only %s is supported.", e.cfg.TokenAddress))
	}

	facilitator := e.chain.FacilitatorAddress().Hex()
	if !sameAddress(reqs.Recipient, facilitator) {
		log.Warn("invalid recipient", "requested", reqs.Recipient, "expected", facilitator)
		return invalid(fmt.Sprintf("Invalid recipient address. Payments must go to facilitator %s", facilitator))
	}
	if !sameAddress(payload.Payload.To, facilitator) {
		log.Warn("payload recipient mismatch", "to", payload.Payload.To, "expected", facilitator)
		return invalid("Payload recipient does not match facilitator address")
	}

	if reqs.Amount != payload.Payload.Value {
		log.Warn("amount mismatch", "requirements", reqs.Amount, "payload", payload.Payload.Value)
		return invalid("Amount mismatch between requirements and payload")
	}

	amount, ok := new(big.Int).SetString(reqs.Amount, 10)
	if !ok {
		log.Warn("invalid amount format", "amount", reqs.Amount)
		return invalid("Invalid amount format")
	}
	if amount.Sign() <= 0 {
		log.Warn("amount must be positive", "amount", amount)
		return invalid("Amount must be a positive integer")
	}

	// The validity window is half-open: [validAfter, validBefore).
	now := time.Now().Unix()
	if payload.Payload.ValidAfter > now {
		log.Warn("authorization not yet valid", "valid_after", payload.Payload.ValidAfter, "now", now)
		return invalid("Payment authorization not yet valid")
	}
	if payload.Payload.ValidBefore <= now {
		log.Warn("authorization expired", "valid_before", payload.Payload.ValidBefore, "now", now)
		return invalid("Payment authorization has expired")
	}

	// Amounts recorded at creation: the merchant share comes from the fee
	// inversion and the fee share is whatever remains of the total, so
	// merchant + fee == total holds even for totals settle will later
	// reject as non-reconstructible.
	totalMinusGas := new(big.Int).Sub(amount, e.cfg.GasFeeUnits)
	var merchantAmount *big.Int
	if totalMinusGas.Sign() < 0 {
		merchantAmount = big.NewInt(0)
	} else {
		merchantAmount = new(big.Int).Mul(totalMinusGas, bpsDenominator)
		merchantAmount.Div(merchantAmount, new(big.Int).Add(bpsDenominator, big.NewInt(e.cfg.ServiceFeeBPS)))
	}
	feeAmount := new(big.Int).Sub(amount, merchantAmount)

	outcome, err := e.payments.InsertIfAbsent(ctx, &model.Payment{
		Nonce:           payload.Payload.Nonce,
		PayerAddress:    payload.Payload.From,
		MerchantAddress: merchantAddress,
		TokenAddress:    e.cfg.TokenAddress,
		Network:         e.cfg.Network,
		TotalAmount:     amount,
		MerchantAmount:  merchantAmount,
		FeeAmount:       feeAmount,
		Status:          model.StatusPending,
	})
	if err != nil {
		log.Error("ledger error reserving nonce", "error", err)
		return invalid("Internal error checking nonce uniqueness")
	}
	if outcome == store.InsertExists {
		log.Warn("nonce already used")
		return invalid("Nonce has already been used")
	}
	log.Info("nonce reserved")

	auth, sig, err := parseAuthorization(payload.Payload)
	if err != nil {
		log.Warn("malformed authorization", "error", err)
		return invalid("Invalid signature")
	}

	signer, err := eip3009.RecoverSigner(e.domain(), auth, sig)
	if err != nil {
		log.Warn("signature verification failed", "error", err)
		return invalid("Invalid signature")
	}
	if !sameAddress(signer.Hex(), payload.Payload.From) {
		log.Warn("signer mismatch", "recovered", signer.Hex(), "claimed", payload.Payload.From)
		return invalid("Signature does not match payer address")
	}

	log.Info("payment verified", "payer", payload.Payload.From, "amount", amount)
	return protocol.VerifyResponse{Valid: true}
}
