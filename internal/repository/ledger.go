package repository

import (
	"context"
	"database/sql"

	"github.com/digkill/TGGenBot/internal/ledger"
	"github.com/digkill/TGGenBot/internal/models"
)

// Ledger is the MySQL implementation of ledger.Ledger.
type Ledger struct {
	users        *UserRepository
	payments     *PaymentRepository
	transactions *TransactionRepository
	freeTotal    int
}

var _ ledger.Ledger = (*Ledger)(nil)

func NewLedger(db *sql.DB, freeTotal int) *Ledger {
	return &Ledger{
		users:        NewUserRepository(db),
		payments:     NewPaymentRepository(db),
		transactions: NewTransactionRepository(db),
		freeTotal:    freeTotal,
	}
}

func (l *Ledger) GetOrInitUser(ctx context.Context, id int64) (*models.User, error) {
	return l.users.Ensure(ctx, id, l.freeTotal)
}

func (l *Ledger) GetCreditBalance(ctx context.Context, id int64) (int, error) {
	u, err := l.users.FindByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return u.CreditBalance, nil
}

func (l *Ledger) GetFreeRemaining(ctx context.Context, id int64) (int, error) {
	u, err := l.users.FindByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return u.FreeRemaining(), nil
}

func (l *Ledger) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if payment.CreditAmount <= 0 || !payment.Amount.IsPositive() {
		return ledger.ErrInvalidAmount
	}
	return l.payments.Create(ctx, payment)
}

func (l *Ledger) GetPaymentByGatewayID(ctx context.Context, gatewayID string) (*models.Payment, error) {
	return l.payments.FindByGatewayID(ctx, gatewayID)
}

func (l *Ledger) ListPendingPayments(ctx context.Context) ([]models.Payment, error) {
	return l.payments.ListPending(ctx)
}

func (l *Ledger) TransitionPaymentStatus(ctx context.Context, gatewayID string, status models.PaymentStatus) (bool, error) {
	if !status.IsTerminal() {
		return false, ledger.ErrInvalidStatus
	}
	return l.payments.CompareAndSetStatus(ctx, gatewayID, models.PaymentPending, status)
}

func (l *Ledger) ResolveManualReview(ctx context.Context, gatewayID string, status models.PaymentStatus) (bool, error) {
	if !ledger.ValidResolution(status) {
		return false, ledger.ErrInvalidStatus
	}
	return l.payments.CompareAndSetStatus(ctx, gatewayID, models.PaymentManualReview, status)
}

func (l *Ledger) CreditIfNotAlready(ctx context.Context, gatewayID string, userID int64, amount int, description string) (bool, error) {
	if amount <= 0 {
		return false, ledger.ErrInvalidAmount
	}
	return l.transactions.CreditPayment(ctx, gatewayID, userID, amount, description)
}

func (l *Ledger) DebitFreeOrCredits(ctx context.Context, userID int64, freeUnits, creditUnits, costPerCreditUnit int, description string) (ledger.DebitResult, error) {
	if err := ledger.ValidateDebit(freeUnits, creditUnits, costPerCreditUnit); err != nil {
		return ledger.DebitResult{}, err
	}
	return l.transactions.Debit(ctx, userID, freeUnits, creditUnits, costPerCreditUnit, description)
}

func (l *Ledger) ListTransactions(ctx context.Context, userID int64) ([]models.CreditTransaction, error) {
	return l.transactions.ListByUser(ctx, userID)
}

func (l *Ledger) ListUserIDs(ctx context.Context) ([]int64, error) {
	return l.users.ListIDs(ctx)
}
