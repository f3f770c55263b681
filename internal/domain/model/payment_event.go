package model

import (
	"encoding/json"
	"time"
)

// Payment event types, appended to the audit log on every transition and
// retry attempt.
const (
	EventIncomingSubmitted = "incoming_submitted"
	EventIncomingComplete  = "incoming_complete"
	EventIncomingFailed    = "incoming_failed"
	EventOutgoingSubmitted = "outgoing_submitted"
	EventOutgoingFailed    = "outgoing_failed"
	EventComplete          = "complete"
	EventRecoveryStarted   = "recovery_started"
	EventRecoverySubmitted = "recovery_outgoing_submitted"
	EventRecoveryComplete  = "recovery_complete"
	EventRecoveryFailed    = "recovery_failed"
	EventRefunded          = "refunded"
	EventRefundFailed      = "refund_failed"
)

// PaymentEvent is one append-only audit log entry for a payment.
type PaymentEvent struct {
	ID        int64
	Nonce     string
	EventType string
	EventData json.RawMessage
	CreatedAt time.Time
}
