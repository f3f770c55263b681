package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

const (
	defaultAmount         = "1000000"
	defaultTimeoutSeconds = 3600
)

// RequirementsConfig is the server-authoritative half of a requirements
// response. Every field here overrides anything the client supplies.
type RequirementsConfig struct {
	Network       string
	TokenAddress  string
	Facilitator   string
	ServiceFeeBPS int64
	GasFeeUnits   *big.Int
}

// RequirementsRequest is the client-supplied half. Only the fields listed
// here may influence the response; fee mode, fee rate, gas reimbursement,
// token, recipient and network are never client-controlled.
type RequirementsRequest struct {
	Amount          string `json:"amount,omitempty"`
	Memo            string `json:"memo,omitempty"`
	MerchantAddress string `json:"merchantAddress,omitempty"`
}

// Requirements is the response body for GET/POST /requirements.
type Requirements struct {
	Network   string            `json:"network"`
	Token     string            `json:"token"`
	Recipient string            `json:"recipient"`
	Amount    string            `json:"amount"`
	Nonce     string            `json:"nonce"`
	Deadline  int64             `json:"deadline"`
	Memo      string            `json:"memo"`
	Extra     RequirementsExtra `json:"extra"`
}

type RequirementsExtra struct {
	FeeMode         string `json:"feeMode"`
	FeeBPS          int64  `json:"feeBps"`
	GasFeeUnits     string `json:"gasFeeUnits"`
	MerchantAddress string `json:"merchantAddress,omitempty"`
}

// BuildRequirements merges an allow-listed subset of the client request onto
// server defaults. The merge direction is fixed: defaults first, client
// fields applied one by one, never the reverse.
func BuildRequirements(cfg RequirementsConfig, req RequirementsRequest) (*Requirements, error) {
	nonce, err := generateNonce()
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := &Requirements{
		Network:   cfg.Network,
		Token:     cfg.TokenAddress,
		Recipient: cfg.Facilitator,
		Amount:    defaultAmount,
		Nonce:     nonce,
		Deadline:  time.Now().Unix() + defaultTimeoutSeconds,
		Extra: RequirementsExtra{
			FeeMode:     "facilitator_split",
			FeeBPS:      cfg.ServiceFeeBPS,
			GasFeeUnits: cfg.GasFeeUnits.String(),
		},
	}

	if req.Amount != "" {
		if _, ok := new(big.Int).SetString(req.Amount, 10); !ok {
			return nil, fmt.Errorf("invalid amount %q", req.Amount)
		}
		out.Amount = req.Amount
	}
	if req.Memo != "" {
		out.Memo = req.Memo
	}
	if req.MerchantAddress != "" {
		out.Extra.MerchantAddress = req.MerchantAddress
	}

	return out, nil
}

func generateNonce() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b[:]), nil
}
