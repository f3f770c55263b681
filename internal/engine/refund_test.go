package engine

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hummusonrails/x402-facilitator/internal/alert"
	"github.com/hummusonrails/x402-facilitator/internal/domain/model"
	"github.com/hummusonrails/x402-facilitator/internal/store"
	"github.com/hummusonrails/x402-facilitator/internal/store/memory"
)

const refundPayer = "0x7777777777777777777777777777777777777777"

// seedPayment inserts a payment and walks it to the requested status,
// optionally recording the incoming and outgoing hashes on the way.
func seedPayment(t *testing.T, mem *memory.Store, nonce string, target model.PaymentStatus, withIncoming, withOutgoing bool) {
	t.Helper()
	ctx := context.Background()

	_, err := mem.InsertIfAbsent(ctx, &model.Payment{
		Nonce:           nonce,
		PayerAddress:    refundPayer,
		MerchantAddress: testMerchant,
		TokenAddress:    testToken,
		Network:         model.NetworkArbitrumSepolia,
		TotalAmount:     big.NewInt(1105000),
		MerchantAmount:  big.NewInt(1000000),
		FeeAmount:       big.NewInt(105000),
		Status:          model.StatusPending,
	})
	require.NoError(t, err)

	if target == model.StatusPending {
		return
	}

	var incoming store.TransitionUpdate
	if withIncoming {
		h := "0xincoming"
		incoming.IncomingTxHash = &h
	}
	require.NoError(t, mem.Transition(ctx, nonce, model.StatusIncomingSubmitted, incoming))

	if target == model.StatusFailed && !withOutgoing {
		require.NoError(t, mem.Transition(ctx, nonce, model.StatusFailed, store.TransitionUpdate{}))
		return
	}

	require.NoError(t, mem.Transition(ctx, nonce, model.StatusIncomingComplete, store.TransitionUpdate{}))
	if target == model.StatusIncomingComplete {
		return
	}

	var outgoing store.TransitionUpdate
	if withOutgoing {
		h := "0xoutgoing"
		outgoing.OutgoingTxHash = &h
	}
	require.NoError(t, mem.Transition(ctx, nonce, model.StatusOutgoingSubmitted, outgoing))
	if target == model.StatusOutgoingSubmitted {
		return
	}

	require.NoError(t, mem.Transition(ctx, nonce, target, store.TransitionUpdate{}))
}

func TestRefund_Success(t *testing.T) {
	fc := newFakeChain()
	eng, mem, _ := newTestEngine(t, fc)
	seedPayment(t, mem, "nonce-refund", model.StatusFailed, true, false)

	resp := eng.Refund(context.Background(), "nonce-refund", "merchant dispute")

	require.True(t, resp.Success, "unexpected error: %s", resp.Error)
	assert.NotEmpty(t, resp.RefundTxHash)

	// The full collected total goes back to the payer.
	transfers := fc.transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, refundPayer, transfers[0].to.Hex())
	assert.Equal(t, "1105000", transfers[0].amount.String())

	// The refund is an audit event; failed stays the status of record.
	p, err := mem.Get(context.Background(), "nonce-refund")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, p.Status)

	events, err := mem.ListEvents(context.Background(), "nonce-refund")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventRefunded, events[0].EventType)

	var data map[string]string
	require.NoError(t, json.Unmarshal(events[0].EventData, &data))
	assert.Equal(t, resp.RefundTxHash, data["txHash"])
	assert.Equal(t, "merchant dispute", data["reason"])
	assert.Equal(t, "1105000", data["amount"])
}

func TestRefund_Preconditions(t *testing.T) {
	tests := []struct {
		name      string
		seed      func(t *testing.T, mem *memory.Store)
		nonce     string
		wantError string
	}{
		{
			name:      "payment not found",
			seed:      func(t *testing.T, mem *memory.Store) {},
			nonce:     "missing",
			wantError: "Payment not found",
		},
		{
			name: "payment not failed",
			seed: func(t *testing.T, mem *memory.Store) {
				seedPayment(t, mem, "n", model.StatusPending, false, false)
			},
			nonce:     "n",
			wantError: "Refund requires a failed payment",
		},
		{
			name: "completed payment",
			seed: func(t *testing.T, mem *memory.Store) {
				seedPayment(t, mem, "n", model.StatusComplete, true, true)
			},
			nonce:     "n",
			wantError: "Refund requires a failed payment",
		},
		{
			name: "no incoming transaction",
			seed: func(t *testing.T, mem *memory.Store) {
				seedPayment(t, mem, "n", model.StatusFailed, false, false)
			},
			nonce:     "n",
			wantError: "Refund requires collected funds (no incoming transaction)",
		},
		{
			name: "merchant already paid",
			seed: func(t *testing.T, mem *memory.Store) {
				seedPayment(t, mem, "n", model.StatusFailed, true, true)
			},
			nonce:     "n",
			wantError: "Refund rejected: merchant was already paid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeChain()
			eng, mem, _ := newTestEngine(t, fc)
			tt.seed(t, mem)

			resp := eng.Refund(context.Background(), tt.nonce, "test")
			require.False(t, resp.Success)
			assert.Equal(t, tt.wantError, resp.Error)
			assert.Empty(t, fc.transfers(), "rejected refunds must not move funds")
		})
	}
}

func TestRefund_RevertedAlerts(t *testing.T) {
	fc := newFakeChain()
	fc.revertOutgoing = true
	eng, mem, alerter := newTestEngine(t, fc)
	seedPayment(t, mem, "nonce-revert", model.StatusFailed, true, false)

	resp := eng.Refund(context.Background(), "nonce-revert", "test")

	require.False(t, resp.Success)
	assert.Equal(t, "Refund transfer transaction reverted", resp.Error)

	events, err := mem.ListEvents(context.Background(), "nonce-revert")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventRefundFailed, events[0].EventType)

	sent := alerter.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, alert.AlertTypeRefundFailed, sent[0].Type)
}
