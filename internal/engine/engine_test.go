package engine

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hummusonrails/x402-facilitator/internal/alert"
	"github.com/hummusonrails/x402-facilitator/internal/chain"
	"github.com/hummusonrails/x402-facilitator/internal/domain/model"
	"github.com/hummusonrails/x402-facilitator/internal/eip3009"
	"github.com/hummusonrails/x402-facilitator/internal/protocol"
	"github.com/hummusonrails/x402-facilitator/internal/store/memory"
)

const (
	testToken    = "0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d"
	testMerchant = "0x1111111111111111111111111111111111111111"
	testChainID  = int64(421614)

	// 1,105,000 decomposes exactly with a 100,000 gas fee and 50 bps:
	// merchant 1,000,000 + service 5,000 + gas 100,000.
	testAmount = "1105000"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransfer struct {
	to     common.Address
	amount *big.Int
}

// fakeChain implements chain.Client in memory. Every submitted transaction
// gets a receipt immediately; revert flags flip the receipt outcome per
// direction.
type fakeChain struct {
	mu          sync.Mutex
	facilitator common.Address
	seq         int
	receipts    map[string]*chain.Receipt

	authErr        error
	transferErr    error
	revertIncoming bool
	revertOutgoing bool
	stallWait      bool

	authCalls     int
	transferCalls []fakeTransfer
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		facilitator: common.HexToAddress("0x00000000000000000000000000000000000000f0"),
		receipts:    make(map[string]*chain.Receipt),
	}
}

func (f *fakeChain) record(success bool) string {
	f.seq++
	hash := fmt.Sprintf("0x%064d", f.seq)
	f.receipts[hash] = &chain.Receipt{
		TxHash:      hash,
		Success:     success,
		BlockNumber: uint64(1000 + f.seq),
	}
	return hash
}

func (f *fakeChain) SubmitTransferWithAuthorization(_ context.Context, auth *eip3009.Authorization, _ eip3009.Signature) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.authCalls++
	if f.authErr != nil {
		return "", f.authErr
	}
	return f.record(!f.revertIncoming), nil
}

func (f *fakeChain) SubmitTransfer(_ context.Context, to common.Address, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.transferErr != nil {
		return "", f.transferErr
	}
	f.transferCalls = append(f.transferCalls, fakeTransfer{to: to, amount: new(big.Int).Set(amount)})
	return f.record(!f.revertOutgoing), nil
}

func (f *fakeChain) WaitForReceipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	f.mu.Lock()
	stall := f.stallWait
	receipt, ok := f.receipts[txHash]
	f.mu.Unlock()

	if stall || !ok {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return receipt, nil
}

func (f *fakeChain) ReceiptByHash(_ context.Context, txHash string) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, chain.ErrReceiptNotFound
	}
	return receipt, nil
}

func (f *fakeChain) FacilitatorAddress() common.Address { return f.facilitator }

func (f *fakeChain) ChainID(_ context.Context) (*big.Int, error) {
	return big.NewInt(testChainID), nil
}

func (f *fakeChain) TokenDecimals(_ context.Context) (uint8, error) { return 6, nil }

func (f *fakeChain) TokenBalance(_ context.Context, _ common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChain) transfers() []fakeTransfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeTransfer, len(f.transferCalls))
	copy(out, f.transferCalls)
	return out
}

// recordingAlerter captures alerts for assertions.
type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) sent() []alert.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alert.Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

func newTestEngine(t *testing.T, fc *fakeChain) (*Engine, *memory.Store, *recordingAlerter) {
	t.Helper()

	mem := memory.New()
	mem.SeedMerchant(model.Merchant{
		Address:  testMerchant,
		Name:     "Test Merchant",
		Enabled:  true,
		Approved: true,
	})

	alerter := &recordingAlerter{}
	eng := New(Config{
		Network:             model.NetworkArbitrumSepolia,
		ChainID:             testChainID,
		TokenAddress:        testToken,
		TokenName:           "USD Coin",
		TokenVersion:        "2",
		ServiceFeeBPS:       50,
		GasFeeUnits:         big.NewInt(100000),
		MaxSettlementAmount: big.NewInt(1000000000),
		ConfirmTimeout:      200 * time.Millisecond,
	}, mem, mem, fc, alerter, testLogger())
	return eng, mem, alerter
}

type testPayer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newPayer(t *testing.T) testPayer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return testPayer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func hexBytes32(b [32]byte) string {
	return "0x" + hex.EncodeToString(b[:])
}

// signedRequest builds a verify/settle request whose authorization is signed
// by the payer against the test engine's EIP-712 domain.
func signedRequest(t *testing.T, fc *fakeChain, payer testPayer, value string, validAfter, validBefore int64) protocol.VerifyRequest {
	t.Helper()

	amount, ok := new(big.Int).SetString(value, 10)
	require.True(t, ok, "test amount must be a base-10 integer")

	nonce, err := eip3009.GenerateNonce()
	require.NoError(t, err)

	auth := &eip3009.Authorization{
		From:        payer.addr,
		To:          fc.FacilitatorAddress(),
		Value:       amount,
		ValidAfter:  big.NewInt(validAfter),
		ValidBefore: big.NewInt(validBefore),
		Nonce:       nonce,
	}
	domain := eip3009.Domain{
		Name:              "USD Coin",
		Version:           "2",
		ChainID:           big.NewInt(testChainID),
		VerifyingContract: common.HexToAddress(testToken),
	}
	sig, err := eip3009.SignAuthorization(payer.key, domain, auth)
	require.NoError(t, err)

	return protocol.VerifyRequest{
		PaymentPayload: protocol.PaymentPayload{
			X402Version: protocol.X402Version,
			Scheme:      protocol.SchemeExact,
			Network:     string(model.NetworkArbitrumSepolia),
			Payload: protocol.ExactPayload{
				From:        payer.addr.Hex(),
				To:          fc.FacilitatorAddress().Hex(),
				Value:       value,
				ValidAfter:  validAfter,
				ValidBefore: validBefore,
				Nonce:       hexBytes32(nonce),
				V:           sig.V,
				R:           hexBytes32(sig.R),
				S:           hexBytes32(sig.S),
			},
		},
		PaymentRequirements: protocol.PaymentRequirements{
			Scheme:          protocol.SchemeExact,
			Network:         string(model.NetworkArbitrumSepolia),
			Token:           testToken,
			Amount:          value,
			Recipient:       fc.FacilitatorAddress().Hex(),
			MerchantAddress: testMerchant,
		},
	}
}

func validWindow() (int64, int64) {
	now := time.Now().Unix()
	return now - 60, now + 3600
}

func TestParseAuthorization_RoundTrip(t *testing.T) {
	fc := newFakeChain()
	payer := newPayer(t)
	after, before := validWindow()
	req := signedRequest(t, fc, payer, testAmount, after, before)

	auth, sig, err := parseAuthorization(req.PaymentPayload.Payload)
	require.NoError(t, err)

	assert.Equal(t, payer.addr, auth.From)
	assert.Equal(t, fc.FacilitatorAddress(), auth.To)
	assert.Equal(t, testAmount, auth.Value.String())
	assert.Equal(t, after, auth.ValidAfter.Int64())
	assert.Equal(t, before, auth.ValidBefore.Int64())
	assert.Contains(t, []uint8{27, 28}, sig.V)
}

func TestParseAuthorization_Malformed(t *testing.T) {
	fc := newFakeChain()
	payer := newPayer(t)
	after, before := validWindow()

	tests := []struct {
		name   string
		mutate func(p *protocol.ExactPayload)
	}{
		{"non-numeric value", func(p *protocol.ExactPayload) { p.Value = "1.5" }},
		{"short nonce", func(p *protocol.ExactPayload) { p.Nonce = "0xdead" }},
		{"non-hex r", func(p *protocol.ExactPayload) { p.R = "0xzz" }},
		{"short s", func(p *protocol.ExactPayload) { p.S = "0x00" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := signedRequest(t, fc, payer, testAmount, after, before)
			tt.mutate(&req.PaymentPayload.Payload)
			_, _, err := parseAuthorization(req.PaymentPayload.Payload)
			assert.Error(t, err)
		})
	}
}
