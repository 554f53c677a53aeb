package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ModelType string

const (
	ModelFlux2      ModelType = "flux-2"
	ModelNanoBanana ModelType = "nano-banana-pro"
)

type PaymentStatus string

const (
	PaymentPending      PaymentStatus = "pending"
	PaymentSuccess      PaymentStatus = "success"
	PaymentFailed       PaymentStatus = "failed"
	PaymentCancelled    PaymentStatus = "cancelled"
	PaymentTimeout      PaymentStatus = "timeout"
	PaymentManualReview PaymentStatus = "manual_review"
)

// IsTerminal reports whether automation may no longer move the payment.
// manual_review counts as terminal: only an operator can resolve it.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentSuccess, PaymentFailed, PaymentCancelled, PaymentTimeout, PaymentManualReview:
		return true
	default:
		return false
	}
}

func (s PaymentStatus) Valid() bool {
	return s == PaymentPending || s.IsTerminal()
}

type User struct {
	ID            int64
	FreeUsed      int
	FreeTotal     int
	CreditBalance int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FreeRemaining is the unused part of the lifetime free quota, never negative.
func (u User) FreeRemaining() int {
	if remaining := u.FreeTotal - u.FreeUsed; remaining > 0 {
		return remaining
	}
	return 0
}

type CreditTransaction struct {
	ID          int64
	UserID      int64
	Amount      int
	Description string
	PaymentID   *int64
	CreatedAt   time.Time
}

type Payment struct {
	ID               int64
	UserID           int64
	Amount           decimal.Decimal
	Currency         string
	GatewayPaymentID string
	OrderID          string
	CreditAmount     int
	Status           PaymentStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
