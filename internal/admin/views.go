package admin

import (
	"encoding/json"

	"github.com/hummusonrails/x402-facilitator/internal/domain/model"
)

// paymentView is the JSON shape of a ledger record on the admin API.
type paymentView struct {
	Nonce           string  `json:"nonce"`
	PayerAddress    string  `json:"payerAddress"`
	MerchantAddress string  `json:"merchantAddress"`
	TokenAddress    string  `json:"tokenAddress"`
	Network         string  `json:"network"`
	TotalAmount     string  `json:"totalAmount"`
	MerchantAmount  string  `json:"merchantAmount"`
	FeeAmount       string  `json:"feeAmount"`
	Status          string  `json:"status"`
	IncomingTxHash  *string `json:"incomingTxHash"`
	OutgoingTxHash  *string `json:"outgoingTxHash"`
	CreatedAt       int64   `json:"createdAt"`
	UpdatedAt       int64   `json:"updatedAt"`
}

func newPaymentView(p *model.Payment) paymentView {
	return paymentView{
		Nonce:           p.Nonce,
		PayerAddress:    p.PayerAddress,
		MerchantAddress: p.MerchantAddress,
		TokenAddress:    p.TokenAddress,
		Network:         string(p.Network),
		TotalAmount:     p.TotalAmount.String(),
		MerchantAmount:  p.MerchantAmount.String(),
		FeeAmount:       p.FeeAmount.String(),
		Status:          string(p.Status),
		IncomingTxHash:  p.IncomingTxHash,
		OutgoingTxHash:  p.OutgoingTxHash,
		CreatedAt:       p.CreatedAt.Unix(),
		UpdatedAt:       p.UpdatedAt.Unix(),
	}
}

type eventView struct {
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData"`
	CreatedAt int64           `json:"createdAt"`
}
