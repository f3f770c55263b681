package model

import "time"

// Merchant is consumed read-only by the settlement engine; onboarding and
// administration live outside this service.
type Merchant struct {
	Address   string
	Name      string
	Enabled   bool
	Approved  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (m *Merchant) Settleable() bool {
	return m.Enabled && m.Approved
}
