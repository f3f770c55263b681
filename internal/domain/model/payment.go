package model

import (
	"math/big"
	"time"
)

// PaymentStatus is the settlement state machine position of a payment.
// Transitions only move forward; complete and failed are terminal.
type PaymentStatus string

const (
	StatusPending            PaymentStatus = "pending"
	StatusIncomingSubmitted  PaymentStatus = "incoming_submitted"
	StatusIncomingComplete   PaymentStatus = "incoming_complete"
	StatusOutgoingSubmitted  PaymentStatus = "outgoing_submitted"
	StatusComplete           PaymentStatus = "complete"
	StatusFailed             PaymentStatus = "failed"
)

func (s PaymentStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

func (s PaymentStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusIncomingSubmitted:
		return 1
	case StatusIncomingComplete:
		return 2
	case StatusOutgoingSubmitted:
		return 3
	case StatusComplete:
		return 4
	case StatusFailed:
		return 4
	}
	return -1
}

// CanTransition reports whether moving from s to next is a legal forward
// transition. failed is reachable from any state past pending: a reverted
// collection, a forward whose submissions exhausted their retry budget, or
// a reverted forward. pending cannot fail because nothing was submitted.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return s != StatusPending
	}
	return next.rank() == s.rank()+1
}

// Payment is one ledger record, keyed by the authorization nonce. The nonce
// doubles as the idempotency key: records are never deleted, so a consumed
// nonce stays unusable forever.
type Payment struct {
	Nonce           string
	PayerAddress    string
	MerchantAddress string
	TokenAddress    string
	Network         Network
	TotalAmount     *big.Int
	MerchantAmount  *big.Int
	FeeAmount       *big.Int
	Status          PaymentStatus
	IncomingTxHash  *string
	OutgoingTxHash  *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AmountsConsistent reports whether merchant + fee == total.
func (p *Payment) AmountsConsistent() bool {
	if p.TotalAmount == nil || p.MerchantAmount == nil || p.FeeAmount == nil {
		return false
	}
	sum := new(big.Int).Add(p.MerchantAmount, p.FeeAmount)
	return sum.Cmp(p.TotalAmount) == 0
}
