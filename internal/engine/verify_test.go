package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hummusonrails/x402-facilitator/internal/domain/model"
	"github.com/hummusonrails/x402-facilitator/internal/protocol"
)

func TestVerify_Valid(t *testing.T) {
	fc := newFakeChain()
	eng, mem, _ := newTestEngine(t, fc)
	payer := newPayer(t)
	after, before := validWindow()

	req := signedRequest(t, fc, payer, testAmount, after, before)
	resp := eng.Verify(context.Background(), req, testMerchant)

	require.True(t, resp.Valid, "unexpected reason: %s", resp.InvalidReason)
	assert.Empty(t, resp.InvalidReason)

	p, err := mem.Get(context.Background(), req.PaymentPayload.Payload.Nonce)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, p.Status)
	assert.Equal(t, testAmount, p.TotalAmount.String())
	assert.True(t, p.AmountsConsistent(), "ledger record must satisfy merchant + fee == total")
	assert.Equal(t, "1000000", p.MerchantAmount.String())
	assert.Equal(t, "105000", p.FeeAmount.String())
}

func TestVerify_ReplayRejected(t *testing.T) {
	fc := newFakeChain()
	eng, _, _ := newTestEngine(t, fc)
	payer := newPayer(t)
	after, before := validWindow()

	req := signedRequest(t, fc, payer, testAmount, after, before)
	first := eng.Verify(context.Background(), req, testMerchant)
	require.True(t, first.Valid)

	second := eng.Verify(context.Background(), req, testMerchant)
	require.False(t, second.Valid)
	assert.Equal(t, "Nonce has already been used", second.InvalidReason)
}

// A nonce consumed by a request that later failed signature verification
// stays consumed: the reservation happens before the signature check.
func TestVerify_FailedAttemptStillConsumesNonce(t *testing.T) {
	fc := newFakeChain()
	eng, _, _ := newTestEngine(t, fc)
	payer := newPayer(t)
	after, before := validWindow()

	req := signedRequest(t, fc, payer, testAmount, after, before)
	req.PaymentPayload.Payload.From = newPayer(t).addr.Hex()

	first := eng.Verify(context.Background(), req, testMerchant)
	require.False(t, first.Valid)
	assert.Equal(t, "Signature does not match payer address", first.InvalidReason)

	second := eng.Verify(context.Background(), req, testMerchant)
	require.False(t, second.Valid)
	assert.Equal(t, "Nonce has already been used", second.InvalidReason)
}

func TestVerify_Expired(t *testing.T) {
	fc := newFakeChain()
	eng, _, _ := newTestEngine(t, fc)
	payer := newPayer(t)
	now := time.Now().Unix()

	req := signedRequest(t, fc, payer, testAmount, now-3600, now-10)
	resp := eng.Verify(context.Background(), req, testMerchant)

	require.False(t, resp.Valid)
	assert.Equal(t, "Payment authorization has expired", resp.InvalidReason)
}

// validBefore == now counts as expired: the window is [validAfter, validBefore).
func TestVerify_ExpiryBoundary(t *testing.T) {
	fc := newFakeChain()
	eng, _, _ := newTestEngine(t, fc)
	payer := newPayer(t)
	now := time.Now().Unix()

	req := signedRequest(t, fc, payer, testAmount, now-3600, now)
	resp := eng.Verify(context.Background(), req, testMerchant)

	require.False(t, resp.Valid)
	assert.Equal(t, "Payment authorization has expired", resp.InvalidReason)
}

func TestVerify_NotYetValid(t *testing.T) {
	fc := newFakeChain()
	eng, _, _ := newTestEngine(t, fc)
	payer := newPayer(t)
	now := time.Now().Unix()

	req := signedRequest(t, fc, payer, testAmount, now+300, now+3600)
	resp := eng.Verify(context.Background(), req, testMerchant)

	require.False(t, resp.Valid)
	assert.Equal(t, "Payment authorization not yet valid", resp.InvalidReason)
}

func TestVerify_FieldMismatches(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(req *protocol.VerifyRequest, fc *fakeChain)
		wantReason string
	}{
		{
			name:       "requirements scheme",
			mutate:     func(req *protocol.VerifyRequest, _ *fakeChain) { req.PaymentRequirements.Scheme = "upto" },
			wantReason: "Invalid scheme: upto. Only 'exact' is supported.",
		},
		{
			name:       "payload scheme",
			mutate:     func(req *protocol.VerifyRequest, _ *fakeChain) { req.PaymentPayload.Scheme = "upto" },
			wantReason: "Invalid payload scheme: upto",
		},
		{
			name:       "requirements network",
			mutate:     func(req *protocol.VerifyRequest, _ *fakeChain) { req.PaymentRequirements.Network = "base" },
			wantReason: "Invalid network: base. Only arbitrum-sepolia is supported.",
		},
		{
			name:       "payload network",
			mutate:     func(req *protocol.VerifyRequest, _ *fakeChain) { req.PaymentPayload.Network = "base" },
			wantReason: "Invalid payload network: base",
		},
		{
			name: "token",
			mutate: func(req *protocol.VerifyRequest, _ *fakeChain) {
				req.PaymentRequirements.Token = "0x2222222222222222222222222222222222222222"
			},
			wantReason: "Invalid token address. Only " + testToken + " is supported.",
		},
		{
			name: "requirements recipient",
			mutate: func(req *protocol.VerifyRequest, _ *fakeChain) {
				req.PaymentRequirements.Recipient = "0x3333333333333333333333333333333333333333"
			},
			wantReason: "Invalid recipient address. Payments must go to facilitator",
		},
		{
			name: "payload recipient",
			mutate: func(req *protocol.VerifyRequest, _ *fakeChain) {
				req.PaymentPayload.Payload.To = "0x3333333333333333333333333333333333333333"
			},
			wantReason: "Payload recipient does not match facilitator address",
		},
		{
			name:       "amount",
			mutate:     func(req *protocol.VerifyRequest, _ *fakeChain) { req.PaymentRequirements.Amount = "999" },
			wantReason: "Amount mismatch between requirements and payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeChain()
			eng, _, _ := newTestEngine(t, fc)
			payer := newPayer(t)
			after, before := validWindow()

			req := signedRequest(t, fc, payer, testAmount, after, before)
			tt.mutate(&req, fc)

			resp := eng.Verify(context.Background(), req, testMerchant)
			require.False(t, resp.Valid)
			assert.Contains(t, resp.InvalidReason, tt.wantReason)
		})
	}
}

func TestVerify_NonPositiveAmount(t *testing.T) {
	fc := newFakeChain()
	eng, _, _ := newTestEngine(t, fc)
	payer := newPayer(t)
	after, before := validWindow()

	req := signedRequest(t, fc, payer, "0", after, before)
	resp := eng.Verify(context.Background(), req, testMerchant)

	require.False(t, resp.Valid)
	assert.Equal(t, "Amount must be a positive integer", resp.InvalidReason)
}

func TestVerify_CaseInsensitiveAddresses(t *testing.T) {
	fc := newFakeChain()
	eng, _, _ := newTestEngine(t, fc)
	payer := newPayer(t)
	after, before := validWindow()

	req := signedRequest(t, fc, payer, testAmount, after, before)
	req.PaymentRequirements.Token = "0x75FAF114EAFB1BDBE2F0316DF893FD58CE46AA4D"

	resp := eng.Verify(context.Background(), req, testMerchant)
	assert.True(t, resp.Valid, "token comparison must be case insensitive: %s", resp.InvalidReason)
}

func TestVerify_TamperedSignature(t *testing.T) {
	fc := newFakeChain()
	eng, _, _ := newTestEngine(t, fc)
	payer := newPayer(t)
	after, before := validWindow()

	req := signedRequest(t, fc, payer, testAmount, after, before)
	req.PaymentPayload.Payload.V = 26

	resp := eng.Verify(context.Background(), req, testMerchant)
	require.False(t, resp.Valid)
	assert.Equal(t, "Invalid signature", resp.InvalidReason)
}
