// Package protocol defines the x402 "exact" scheme wire types exchanged with
// merchant-facing resource servers and their clients.
package protocol

import "math/big"

const (
	// X402Version is the protocol version this facilitator speaks.
	X402Version = 1

	// SchemeExact is the only supported payment scheme.
	SchemeExact = "exact"
)

// ExactPayload carries the EIP-3009 authorization fields plus the split
// signature as supplied by the paying client.
type ExactPayload struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
	V           uint8  `json:"v"`
	R           string `json:"r"`
	S           string `json:"s"`
}

// PaymentPayload is the client-signed half of a verify/settle request.
type PaymentPayload struct {
	X402Version int          `json:"x402Version,omitempty"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// PaymentRequirements is the resource server's half: what it expects the
// payment to look like. Recipient is always the facilitator address; the
// merchant is carried separately so the fee split stays server-controlled.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Token             string `json:"token"`
	Amount            string `json:"amount"`
	Recipient         string `json:"recipient"`
	Description       string `json:"description,omitempty"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	MerchantAddress   string `json:"merchantAddress,omitempty"`
}

// VerifyRequest and SettleRequest share the same shape on the wire.
type VerifyRequest struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

type SettleRequest = VerifyRequest

type VerifyResponse struct {
	Valid         bool   `json:"valid"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

// FeeBreakdown reports the exact integer split of a settled payment.
// Amounts are decimal strings in the token's smallest unit.
type FeeBreakdown struct {
	MerchantAmount string `json:"merchantAmount"`
	ServiceFee     string `json:"serviceFee"`
	GasFee         string `json:"gasFee"`
	TotalAmount    string `json:"totalAmount"`
}

func NewFeeBreakdown(merchant, service, gas, total *big.Int) *FeeBreakdown {
	return &FeeBreakdown{
		MerchantAmount: merchant.String(),
		ServiceFee:     service.String(),
		GasFee:         gas.String(),
		TotalAmount:    total.String(),
	}
}

type SettleResponse struct {
	Success                 bool          `json:"success"`
	TransactionHash         string        `json:"transactionHash,omitempty"`
	IncomingTransactionHash string        `json:"incomingTransactionHash,omitempty"`
	OutgoingTransactionHash string        `json:"outgoingTransactionHash,omitempty"`
	MerchantAddress         string        `json:"merchantAddress,omitempty"`
	FeeBreakdown            *FeeBreakdown `json:"feeBreakdown,omitempty"`
	Error                   string        `json:"error,omitempty"`
}

type RefundRequest struct {
	Nonce  string `json:"nonce"`
	Reason string `json:"reason"`
}

type RefundResponse struct {
	Success      bool   `json:"success"`
	RefundTxHash string `json:"refundTxHash,omitempty"`
	Error        string `json:"error,omitempty"`
}

type SupportedPaymentKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

type SupportedResponse struct {
	Kinds []SupportedPaymentKind `json:"kinds"`
}

type HealthResponse struct {
	Status             string `json:"status"`
	Network            string `json:"network"`
	ChainID            int64  `json:"chainId"`
	FacilitatorAddress string `json:"facilitatorAddress"`
	Timestamp          int64  `json:"timestamp"`
}
