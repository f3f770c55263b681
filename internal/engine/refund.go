package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hummusonrails/x402-facilitator/internal/alert"
	"github.com/hummusonrails/x402-facilitator/internal/domain/model"
	"github.com/hummusonrails/x402-facilitator/internal/metrics"
	"github.com/hummusonrails/x402-facilitator/internal/protocol"
	"github.com/hummusonrails/x402-facilitator/internal/store"
)

func refundError(msg string) protocol.RefundResponse {
	return protocol.RefundResponse{Success: false, Error: msg}
}

// Refund reverses a payment that failed with funds held by the facilitator.
// Preconditions are strict: status must be exactly failed, the incoming
// hash must be set (funds were collected) and the outgoing hash must be
// unset (the merchant was never paid). The refund is recorded as an audit
// event; failed stays the terminal status of record.
func (e *Engine) Refund(ctx context.Context, nonce, reason string) protocol.RefundResponse {
	ctx, span := e.tracer.Start(ctx, "engine.Refund")
	defer span.End()

	log := e.logger.With("nonce", nonce)
	log.Info("refund requested", "reason", reason)

	resp := e.refund(ctx, nonce, reason, log)

	result := "success"
	if !resp.Success {
		result = "error"
	}
	metrics.RefundsTotal.WithLabelValues(string(e.cfg.Network), result).Inc()
	return resp
}

func (e *Engine) refund(ctx context.Context, nonce, reason string, log *slog.Logger) protocol.RefundResponse {
	payment, err := e.payments.Get(ctx, nonce)
	if errors.Is(err, store.ErrPaymentNotFound) {
		log.Warn("refund rejected: payment not found")
		return refundError("Payment not found")
	}
	if err != nil {
		log.Error("ledger read failed", "error", err)
		return refundError("Internal error reading payment")
	}

	if payment.Status != model.StatusFailed {
		log.Warn("refund rejected: payment not failed", "status", payment.Status)
		return refundError("Refund requires a failed payment")
	}
	if payment.IncomingTxHash == nil {
		log.Warn("refund rejected: no incoming transaction")
		return refundError("Refund requires collected funds (no incoming transaction)")
	}
	if payment.OutgoingTxHash != nil {
		log.Warn("refund rejected: merchant was paid", "outgoing_tx_hash", *payment.OutgoingTxHash)
		return refundError("Refund rejected: merchant was already paid")
	}

	hash, err := e.chain.SubmitTransfer(ctx, common.HexToAddress(payment.PayerAddress), payment.TotalAmount)
	if err != nil {
		log.Error("refund submission failed", "error", err)
		return refundError("Failed to submit refund transfer")
	}
	log.Info("refund transfer submitted", "tx_hash", hash)

	receipt, err := e.waitReceipt(ctx, hash)
	if err != nil {
		log.Error("refund confirmation not observed", "tx_hash", hash, "error", err)
		return refundError("Refund confirmation not observed")
	}
	if !receipt.Success {
		log.Error("refund transfer reverted", "tx_hash", hash)
		e.appendEvent(ctx, nonce, model.EventRefundFailed, map[string]string{
			"txHash": hash,
			"reason": reason,
		})
		e.alertRefundFailed(ctx, nonce, hash)
		return refundError("Refund transfer transaction reverted")
	}

	e.appendEvent(ctx, nonce, model.EventRefunded, map[string]string{
		"txHash": hash,
		"reason": reason,
		"amount": payment.TotalAmount.String(),
		"payer":  payment.PayerAddress,
	})
	log.Info("refund complete", "tx_hash", hash, "payer", payment.PayerAddress)

	return protocol.RefundResponse{Success: true, RefundTxHash: hash}
}

func (e *Engine) alertRefundFailed(ctx context.Context, nonce, txHash string) {
	if err := e.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeRefundFailed,
		Network: string(e.cfg.Network),
		Nonce:   nonce,
		Title:   "refund transfer reverted",
		Message: "operator-triggered refund reverted on chain; ledger record is unchanged",
		Fields:  map[string]string{"tx_hash": txHash},
	}); err != nil {
		e.logger.Warn("refund-failed alert failed", "nonce", nonce, "error", err)
	}
}
