package domain

import "time"

// Account holds the points balance for one identity. Balances are mutated
// only through the ledger operations; no component reads then writes points
// directly.
type Account struct {
	Email     string
	Points    int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentStatus enumerates payment intent states.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentFailed  PaymentStatus = "FAILED"
)

// PaymentIntent records one pending top-up. An intent already PAID must never
// be credited twice; the conditional PENDING to PAID transition is the
// idempotency gate.
type PaymentIntent struct {
	ID           string
	OwnerEmail   string
	AmountPoints int
	Status       PaymentStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
