// Package ledger defines the durable store of users, balances, free quota, payments and
// credit transactions. Every write is a single atomic operation in each backend.
package ledger

import (
	"context"
	"errors"

	"github.com/digkill/TGGenBot/internal/models"
)

var (
	ErrDuplicateOrderID   = errors.New("ledger: duplicate order id")
	ErrDuplicateGatewayID = errors.New("ledger: duplicate gateway payment id")
	ErrPaymentNotFound    = errors.New("ledger: payment not found")
	ErrUserNotFound       = errors.New("ledger: user not found")
	ErrInvalidAmount      = errors.New("ledger: invalid amount")
	ErrInvalidStatus      = errors.New("ledger: invalid status")
)

// DebitResult describes what DebitFreeOrCredits actually applied.
type DebitResult struct {
	OK             bool
	Shortfall      int
	FreeApplied    int
	CreditsDebited int
}

type Ledger interface {
	GetOrInitUser(ctx context.Context, id int64) (*models.User, error)
	GetCreditBalance(ctx context.Context, id int64) (int, error)
	GetFreeRemaining(ctx context.Context, id int64) (int, error)

	// CreatePayment stores a pending payment. Returns ErrDuplicateOrderID or ErrDuplicateGatewayID
	// when a unique key is taken.
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByGatewayID(ctx context.Context, gatewayID string) (*models.Payment, error)
	// ListPendingPayments returns pending payments, oldest first.
	ListPendingPayments(ctx context.Context) ([]models.Payment, error)

	// TransitionPaymentStatus moves a pending payment to status. It reports applied=false and
	// writes nothing when the payment is no longer pending.
	TransitionPaymentStatus(ctx context.Context, gatewayID string, status models.PaymentStatus) (bool, error)
	// CreditIfNotAlready inserts the purchase credit for the payment and bumps the balance,
	// unless a transaction already references that payment.
	CreditIfNotAlready(ctx context.Context, gatewayID string, userID int64, amount int, description string) (bool, error)
	// DebitFreeOrCredits consumes free quota first (bounded by what remains) and then debits
	// creditUnits*costPerCreditUnit all-or-nothing. Requested free units beyond the remaining
	// quota are billed as credit units.
	DebitFreeOrCredits(ctx context.Context, userID int64, freeUnits, creditUnits, costPerCreditUnit int, description string) (DebitResult, error)
	// ResolveManualReview lets an operator move a manual_review payment to success, failed or cancelled.
	ResolveManualReview(ctx context.Context, gatewayID string, status models.PaymentStatus) (bool, error)

	ListTransactions(ctx context.Context, userID int64) ([]models.CreditTransaction, error)
	ListUserIDs(ctx context.Context) ([]int64, error)
}

// ValidResolution reports whether an operator may resolve manual review into status.
func ValidResolution(status models.PaymentStatus) bool {
	switch status {
	case models.PaymentSuccess, models.PaymentFailed, models.PaymentCancelled:
		return true
	default:
		return false
	}
}

// SplitDebit applies the free-first policy to a requested debit given the quota that remains.
// It returns how many free units fit and how many credit units must be charged in total.
func SplitDebit(freeRemaining, freeUnits, creditUnits int) (free, credit int) {
	if freeRemaining < 0 {
		freeRemaining = 0
	}
	free = freeUnits
	if free > freeRemaining {
		free = freeRemaining
	}
	return free, creditUnits + (freeUnits - free)
}

// ValidateDebit rejects negative inputs to DebitFreeOrCredits.
func ValidateDebit(freeUnits, creditUnits, costPerCreditUnit int) error {
	if freeUnits < 0 || creditUnits < 0 || costPerCreditUnit < 0 {
		return ErrInvalidAmount
	}
	return nil
}
