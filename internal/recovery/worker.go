// Package recovery resumes payments stuck between confirmed collection and
// confirmed forwarding after crashes, timeouts or transient chain failures.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hummusonrails/x402-facilitator/internal/alert"
	"github.com/hummusonrails/x402-facilitator/internal/domain/model"
	"github.com/hummusonrails/x402-facilitator/internal/engine"
	"github.com/hummusonrails/x402-facilitator/internal/metrics"
	"github.com/hummusonrails/x402-facilitator/internal/store"
)

const defaultMaxAttempts = 3

// Worker periodically scans the ledger for payments in the two recoverable
// intermediate statuses and drives them to complete or failed. It shares
// the ledger's per-nonce locking with live settlement requests, so running
// alongside them is safe; it never touches the collection step.
type Worker struct {
	payments    store.PaymentRepository
	engine      *engine.Engine
	alerter     alert.Alerter
	network     model.Network
	maxAttempts int
	logger      *slog.Logger
}

func NewWorker(
	payments store.PaymentRepository,
	eng *engine.Engine,
	alerter alert.Alerter,
	network model.Network,
	maxAttempts int,
	logger *slog.Logger,
) *Worker {
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	return &Worker{
		payments:    payments,
		engine:      eng,
		alerter:     alerter,
		network:     network,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "recovery"),
	}
}

// RunPeriodic scans at the given interval until the context is cancelled.
func (w *Worker) RunPeriodic(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	w.logger.Info("recovery worker started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("recovery worker stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := w.Scan(ctx); err != nil {
				w.logger.Warn("recovery scan failed", "error", err)
			}
		}
	}
}

// Scan processes every incomplete payment once.
func (w *Worker) Scan(ctx context.Context) error {
	metrics.RecoveryScansTotal.WithLabelValues(string(w.network)).Inc()

	payments, err := w.payments.ListIncomplete(ctx)
	if err != nil {
		return fmt.Errorf("list incomplete payments: %w", err)
	}
	if len(payments) == 0 {
		return nil
	}

	w.logger.Info("recovering incomplete payments", "count", len(payments))
	for i := range payments {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.recoverPayment(ctx, &payments[i])
	}
	return nil
}

func (w *Worker) recoverPayment(ctx context.Context, p *model.Payment) {
	log := w.logger.With("nonce", p.Nonce, "status", p.Status)
	log.Info("recovery started")

	if err := w.payments.AppendEvent(ctx, p.Nonce, model.EventRecoveryStarted, map[string]string{
		"status": string(p.Status),
	}); err != nil {
		log.Error("append recovery event failed", "error", err)
	}

	// An outgoing_submitted payment may already be confirmed on chain: a
	// crash between submission and the confirmation wait. Check the
	// recorded hash first so funds are never forwarded twice.
	if p.Status == model.StatusOutgoingSubmitted {
		done, err := w.engine.CheckOutgoingReceipt(ctx, p)
		if err != nil {
			log.Warn("outgoing receipt lookup failed, falling back to resubmission", "error", err)
		}
		if done {
			metrics.RecoveryOutcomes.WithLabelValues(string(w.network), "completed_from_receipt").Inc()
			return
		}
	}

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		hash, err := w.engine.Forward(ctx, p, true)
		if err == nil {
			log.Info("recovery forward succeeded", "attempt", attempt, "tx_hash", hash)
			metrics.RecoveryOutcomes.WithLabelValues(string(w.network), "forwarded").Inc()
			return
		}

		log.Warn("recovery forward attempt failed", "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			// Shutdown mid-recovery: the ledger keeps the last recorded
			// intermediate status and the next scan resumes from it.
			metrics.RecoveryOutcomes.WithLabelValues(string(w.network), "interrupted").Inc()
			return
		}
		if attempt < w.maxAttempts {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			select {
			case <-ctx.Done():
				metrics.RecoveryOutcomes.WithLabelValues(string(w.network), "interrupted").Inc()
				return
			case <-time.After(backoff):
			}
		}
	}

	log.Error("recovery exhausted, marking payment failed", "attempts", w.maxAttempts)
	if err := w.engine.MarkForwardFailed(ctx, p.Nonce,
		fmt.Sprintf("forward retries exhausted after %d attempts", w.maxAttempts)); err != nil {
		log.Error("mark forward failed errored", "error", err)
	}
	metrics.RecoveryOutcomes.WithLabelValues(string(w.network), "exhausted").Inc()

	if err := w.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeRecoveryExhausted,
		Network: string(w.network),
		Nonce:   p.Nonce,
		Title:   "recovery retries exhausted",
		Message: "forward transfer failed repeatedly; facilitator holds collected funds pending operator action",
		Fields:  map[string]string{"attempts": fmt.Sprint(w.maxAttempts)},
	}); err != nil {
		log.Warn("recovery alert failed", "error", err)
	}
}
