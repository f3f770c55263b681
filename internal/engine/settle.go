package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hummusonrails/x402-facilitator/internal/alert"
	"github.com/hummusonrails/x402-facilitator/internal/chain"
	"github.com/hummusonrails/x402-facilitator/internal/domain/model"
	"github.com/hummusonrails/x402-facilitator/internal/metrics"
	"github.com/hummusonrails/x402-facilitator/internal/protocol"
	"github.com/hummusonrails/x402-facilitator/internal/store"
)

// ErrTransferReverted reports an on-chain revert of a submitted transfer.
// Callers decide whether the revert is terminal (live settlement) or just
// one failed attempt (recovery retries).
var ErrTransferReverted = errors.New("transfer reverted on chain")

func settleError(msg string) protocol.SettleResponse {
	return protocol.SettleResponse{Success: false, Error: msg}
}

// Settle executes the two-phase settlement for a verified payment: collect
// the signed total to the facilitator wallet, then forward the merchant
// share. Every submission is recorded in the ledger before its confirmation
// is awaited.
func (e *Engine) Settle(ctx context.Context, req protocol.SettleRequest, merchantAddress string) protocol.SettleResponse {
	ctx, span := e.tracer.Start(ctx, "engine.Settle")
	defer span.End()
	span.SetAttributes(attribute.String("merchant", merchantAddress))

	start := time.Now()
	resp := e.settle(ctx, req, merchantAddress)
	metrics.SettleLatency.WithLabelValues(string(e.cfg.Network)).Observe(time.Since(start).Seconds())

	result := "success"
	if !resp.Success {
		result = "error"
	}
	metrics.SettleTotal.WithLabelValues(string(e.cfg.Network), result).Inc()
	return resp
}

func (e *Engine) settle(ctx context.Context, req protocol.SettleRequest, merchantAddress string) protocol.SettleResponse {
	payload := req.PaymentPayload
	nonce := payload.Payload.Nonce
	log := e.logger.With("nonce", nonce, "attempt_id", uuid.NewString())

	log.Info("starting payment settlement")

	verification := e.Verify(ctx, req, merchantAddress)
	if !verification.Valid {
		log.Warn("settlement rejected by verification", "reason", verification.InvalidReason)
		return settleError(verification.InvalidReason)
	}

	merchant, err := e.merchants.FindByAddress(ctx, merchantAddress)
	if err != nil {
		log.Error("merchant lookup failed", "error", err)
		return settleError("Internal error resolving merchant")
	}
	if merchant == nil {
		log.Warn("merchant not registered", "merchant", merchantAddress)
		return settleError("Merchant not registered")
	}
	if !merchant.Enabled {
		log.Warn("merchant disabled", "merchant", merchantAddress)
		return settleError("Merchant account disabled")
	}
	if !merchant.Approved {
		log.Warn("merchant not approved", "merchant", merchantAddress)
		return settleError("Merchant account not approved")
	}

	auth, sig, err := parseAuthorization(payload.Payload)
	if err != nil {
		log.Warn("malformed authorization", "error", err)
		return settleError("Invalid signature")
	}

	fees, err := SplitFees(auth.Value, e.cfg.GasFeeUnits, e.cfg.ServiceFeeBPS)
	if err != nil {
		log.Error("fee split rejected", "total", auth.Value, "error", err)
		return settleError(err.Error())
	}

	// The signed value is authoritative; the split must reproduce it.
	if fees.TotalAmount.String() != payload.Payload.Value {
		log.Error("payload value does not match computed total",
			"computed", fees.TotalAmount, "payload", payload.Payload.Value)
		return settleError(fmt.Sprintf("Payload value %s does not match computed total %s",
			payload.Payload.Value, fees.TotalAmount))
	}

	if fees.TotalAmount.Cmp(e.cfg.MaxSettlementAmount) > 0 {
		log.Warn("amount exceeds maximum", "amount", fees.TotalAmount, "max", e.cfg.MaxSettlementAmount)
		return settleError(fmt.Sprintf("Amount exceeds maximum limit of %s", e.cfg.MaxSettlementAmount))
	}

	log.Info("fee breakdown",
		"merchant_amount", fees.MerchantAmount,
		"service_fee", fees.ServiceFee,
		"gas_fee", fees.GasFee,
		"total", fees.TotalAmount,
	)

	// Phase 1: collect the total to the facilitator wallet.
	incomingHash, err := e.chain.SubmitTransferWithAuthorization(ctx, auth, sig)
	if err != nil {
		log.Error("incoming transfer submission failed", "error", err)
		return settleError("Failed to submit incoming transfer")
	}
	metrics.TransfersSubmitted.WithLabelValues(string(e.cfg.Network), "incoming").Inc()
	log.Info("incoming transfer submitted", "tx_hash", incomingHash)

	if err := e.payments.Transition(ctx, nonce, model.StatusIncomingSubmitted,
		store.TransitionUpdate{IncomingTxHash: &incomingHash}); err != nil {
		log.Error("ledger transition failed", "status", model.StatusIncomingSubmitted, "error", err)
		return settleError("Internal error recording settlement state")
	}
	e.appendEvent(ctx, nonce, model.EventIncomingSubmitted, map[string]string{"txHash": incomingHash})

	receipt, err := e.waitReceipt(ctx, incomingHash)
	if err != nil {
		// Timed out or RPC failed: the record stays incoming_submitted and
		// the operator investigates. Collection is never resubmitted.
		log.Error("incoming confirmation not observed", "tx_hash", incomingHash, "error", err)
		return settleError("Incoming transfer confirmation not observed")
	}
	if !receipt.Success {
		log.Error("incoming transfer reverted", "tx_hash", incomingHash)
		if err := e.payments.Transition(ctx, nonce, model.StatusFailed, store.TransitionUpdate{}); err != nil {
			log.Error("ledger transition failed", "status", model.StatusFailed, "error", err)
		}
		e.appendEvent(ctx, nonce, model.EventIncomingFailed, map[string]string{
			"txHash":      incomingHash,
			"blockNumber": fmt.Sprint(receipt.BlockNumber),
		})
		return settleError("Incoming transfer transaction reverted")
	}

	log.Info("incoming transfer confirmed", "tx_hash", incomingHash, "block", receipt.BlockNumber)
	if err := e.payments.Transition(ctx, nonce, model.StatusIncomingComplete, store.TransitionUpdate{}); err != nil {
		log.Error("ledger transition failed", "status", model.StatusIncomingComplete, "error", err)
		return settleError("Internal error recording settlement state")
	}
	e.appendEvent(ctx, nonce, model.EventIncomingComplete, map[string]string{
		"txHash":      incomingHash,
		"blockNumber": fmt.Sprint(receipt.BlockNumber),
	})

	// Phase 2: forward the merchant share.
	payment, err := e.payments.Get(ctx, nonce)
	if err != nil {
		log.Error("ledger read failed", "error", err)
		return settleError("Internal error recording settlement state")
	}

	outgoingHash, err := e.Forward(ctx, payment, false)
	if errors.Is(err, ErrTransferReverted) {
		log.Error("outgoing transfer reverted, funds held by facilitator", "tx_hash", outgoingHash)
		if terr := e.payments.Transition(ctx, nonce, model.StatusFailed, store.TransitionUpdate{}); terr != nil {
			log.Error("ledger transition failed", "status", model.StatusFailed, "error", terr)
		}
		e.appendEvent(ctx, nonce, model.EventOutgoingFailed, map[string]string{"txHash": outgoingHash})
		e.alertFundsStuck(ctx, nonce, outgoingHash)
		return settleError("Outgoing transfer transaction reverted")
	}
	if err != nil {
		log.Error("outgoing transfer not completed, recovery will resume", "error", err)
		return settleError("Outgoing transfer confirmation not observed")
	}

	log.Info("settlement complete",
		"incoming_tx_hash", incomingHash,
		"outgoing_tx_hash", outgoingHash,
		"merchant", merchantAddress,
	)

	return protocol.SettleResponse{
		Success:                 true,
		TransactionHash:         outgoingHash,
		IncomingTransactionHash: incomingHash,
		OutgoingTransactionHash: outgoingHash,
		MerchantAddress:         merchantAddress,
		FeeBreakdown: protocol.NewFeeBreakdown(
			fees.MerchantAmount, fees.ServiceFee, fees.GasFee, fees.TotalAmount),
	}
}

// Forward submits the merchant transfer for a payment whose collection is
// confirmed, records the submission, waits for one confirmation and drives
// the ledger to complete. A revert is returned as ErrTransferReverted with
// no status change; the caller decides whether it is terminal. viaRecovery
// selects the recovery event types for the audit log.
func (e *Engine) Forward(ctx context.Context, p *model.Payment, viaRecovery bool) (string, error) {
	if p.Status != model.StatusIncomingComplete && p.Status != model.StatusOutgoingSubmitted {
		return "", fmt.Errorf("payment %s not forwardable in status %s", p.Nonce, p.Status)
	}

	log := e.logger.With("nonce", p.Nonce)

	hash, err := e.chain.SubmitTransfer(ctx, common.HexToAddress(p.MerchantAddress), p.MerchantAmount)
	if err != nil {
		return "", fmt.Errorf("submit outgoing transfer: %w", err)
	}
	metrics.TransfersSubmitted.WithLabelValues(string(e.cfg.Network), "outgoing").Inc()
	log.Info("outgoing transfer submitted", "tx_hash", hash, "merchant", p.MerchantAddress)

	submittedEvent := model.EventOutgoingSubmitted
	completeEvent := model.EventComplete
	if viaRecovery {
		submittedEvent = model.EventRecoverySubmitted
		completeEvent = model.EventRecoveryComplete
	}

	if p.Status == model.StatusIncomingComplete {
		if err := e.payments.Transition(ctx, p.Nonce, model.StatusOutgoingSubmitted,
			store.TransitionUpdate{OutgoingTxHash: &hash}); err != nil {
			return hash, fmt.Errorf("record outgoing submission: %w", err)
		}
		p.Status = model.StatusOutgoingSubmitted
	}
	// For resubmissions the ledger status is already outgoing_submitted and
	// the original hash column is set-once; the new hash lives in the event.
	e.appendEvent(ctx, p.Nonce, submittedEvent, map[string]string{"txHash": hash})

	receipt, err := e.waitReceipt(ctx, hash)
	if err != nil {
		return hash, fmt.Errorf("wait outgoing confirmation: %w", err)
	}
	if !receipt.Success {
		return hash, fmt.Errorf("outgoing transfer %s: %w", hash, ErrTransferReverted)
	}

	if err := e.payments.Transition(ctx, p.Nonce, model.StatusComplete, store.TransitionUpdate{}); err != nil {
		return hash, fmt.Errorf("record completion: %w", err)
	}
	e.appendEvent(ctx, p.Nonce, completeEvent, map[string]string{
		"txHash":      hash,
		"blockNumber": fmt.Sprint(receipt.BlockNumber),
	})
	log.Info("outgoing transfer confirmed", "tx_hash", hash, "block", receipt.BlockNumber)
	return hash, nil
}

// MarkForwardFailed transitions a payment to failed after the forward retry
// budget is exhausted. The facilitator still holds the collected funds;
// alerting is the caller's responsibility.
func (e *Engine) MarkForwardFailed(ctx context.Context, nonce, reason string) error {
	if err := e.payments.Transition(ctx, nonce, model.StatusFailed, store.TransitionUpdate{}); err != nil {
		return fmt.Errorf("mark forward failed: %w", err)
	}
	e.appendEvent(ctx, nonce, model.EventRecoveryFailed, map[string]string{"reason": reason})
	return nil
}

// CheckOutgoingReceipt looks up the recorded outgoing transaction of an
// outgoing_submitted payment. If it already confirmed, the payment is
// completed without resubmitting, so recovery never double-pays a merchant.
// It returns true when the payment was finalized here.
func (e *Engine) CheckOutgoingReceipt(ctx context.Context, p *model.Payment) (bool, error) {
	if p.Status != model.StatusOutgoingSubmitted || p.OutgoingTxHash == nil {
		return false, nil
	}

	receipt, err := e.chain.ReceiptByHash(ctx, *p.OutgoingTxHash)
	if err != nil {
		return false, fmt.Errorf("look up outgoing receipt: %w", err)
	}
	if !receipt.Success {
		return false, nil
	}

	if err := e.payments.Transition(ctx, p.Nonce, model.StatusComplete, store.TransitionUpdate{}); err != nil {
		return false, fmt.Errorf("record completion: %w", err)
	}
	e.appendEvent(ctx, p.Nonce, model.EventRecoveryComplete, map[string]string{
		"txHash":      *p.OutgoingTxHash,
		"blockNumber": fmt.Sprint(receipt.BlockNumber),
	})
	e.logger.Info("outgoing transfer already confirmed, payment completed without resubmission",
		"nonce", p.Nonce, "tx_hash", *p.OutgoingTxHash)
	return true, nil
}

func (e *Engine) waitReceipt(ctx context.Context, hash string) (*chain.Receipt, error) {
	waitCtx := ctx
	if e.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
		defer cancel()
	}
	return e.chain.WaitForReceipt(waitCtx, hash)
}

// appendEvent is best-effort: a failed audit write is logged, never allowed
// to abort a settlement whose on-chain work already happened.
func (e *Engine) appendEvent(ctx context.Context, nonce, eventType string, data map[string]string) {
	if err := e.payments.AppendEvent(ctx, nonce, eventType, data); err != nil {
		e.logger.Error("append payment event failed", "nonce", nonce, "event", eventType, "error", err)
	}
}

func (e *Engine) alertFundsStuck(ctx context.Context, nonce, txHash string) {
	fields := map[string]string{}
	if txHash != "" {
		fields["tx_hash"] = txHash
	}
	if err := e.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeFundsStuck,
		Network: string(e.cfg.Network),
		Nonce:   nonce,
		Title:   "payment failed after collection",
		Message: "facilitator holds collected funds that were not forwarded; operator action required",
		Fields:  fields,
	}); err != nil {
		e.logger.Warn("funds-stuck alert failed", "nonce", nonce, "error", err)
	}
}
