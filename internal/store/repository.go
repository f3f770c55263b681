package store

import (
	"context"
	"errors"

	"github.com/hummusonrails/x402-facilitator/internal/domain/model"
)

var (
	// ErrPaymentNotFound is returned by Transition and Get for unknown nonces.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrIllegalTransition is returned when a status update would move the
	// state machine backwards or out of a terminal state.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// InsertOutcome reports whether InsertIfAbsent created the record or found
// an existing one.
type InsertOutcome int

const (
	InsertCreated InsertOutcome = iota
	InsertExists
)

// TransitionUpdate carries the optional tx hashes recorded alongside a
// status change. Hashes are set exactly once; a non-nil field on an already
// populated column is ignored by implementations rather than overwritten.
type TransitionUpdate struct {
	IncomingTxHash *string
	OutgoingTxHash *string
}

// PaymentRepository is the payment ledger. Implementations must serialize
// InsertIfAbsent and Transition per nonce across all processes sharing the
// backing store.
type PaymentRepository interface {
	// InsertIfAbsent atomically creates the record if the nonce is unseen.
	// Two concurrent calls for the same nonce observe exactly one
	// InsertCreated between them.
	InsertIfAbsent(ctx context.Context, p *model.Payment) (InsertOutcome, error)

	// Transition moves the payment to next, recording any supplied tx
	// hashes. Unknown nonces fail with ErrPaymentNotFound; moves the state
	// machine forbids fail with ErrIllegalTransition.
	Transition(ctx context.Context, nonce string, next model.PaymentStatus, update TransitionUpdate) error

	Get(ctx context.Context, nonce string) (*model.Payment, error)

	// ListIncomplete returns payments in the two recoverable intermediate
	// statuses, incoming_complete and outgoing_submitted.
	ListIncomplete(ctx context.Context) ([]model.Payment, error)

	// AppendEvent adds one audit log entry. data is marshaled to JSON.
	AppendEvent(ctx context.Context, nonce, eventType string, data map[string]string) error

	ListEvents(ctx context.Context, nonce string) ([]model.PaymentEvent, error)
}

// MerchantRepository resolves merchants for settlement. The engine treats
// records as immutable snapshots; onboarding writes happen elsewhere.
type MerchantRepository interface {
	// FindByAddress returns nil, nil when the merchant is unknown.
	FindByAddress(ctx context.Context, address string) (*model.Merchant, error)
}
