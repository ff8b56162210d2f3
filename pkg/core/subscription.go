package core

import (
	"math/big"
	"time"
)

// RecurringSubscription is a schedule of repeating payments.
// Active transitions true to false exactly once; a cancelled series
// can only be resumed by creating a new subscription with a new id.
type RecurringSubscription struct {
	ID        string        `json:"id"`
	Payer     Address       `json:"payer"`
	Payee     Address       `json:"payee"`
	Token     string        `json:"token"`
	Amount    *big.Int      `json:"amount"`
	Frequency time.Duration `json:"frequency"`
	NextDueAt time.Time     `json:"next_due_at"`
	Active    bool          `json:"active"`
	Reference string        `json:"reference"`
	CreatedAt time.Time     `json:"created_at"`
}
