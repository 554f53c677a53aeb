// Package memory is an in-process Ledger for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/digkill/TGGenBot/internal/ledger"
	"github.com/digkill/TGGenBot/internal/models"
)

type Store struct {
	mu sync.RWMutex

	freeTotal int
	now       func() time.Time

	users map[int64]*models.User

	// Payments are keyed by id; the two maps below index the unique keys.
	payments    map[int64]*models.Payment
	byGatewayID map[string]int64
	byOrderID   map[string]int64
	nextPayment int64

	transactions []models.CreditTransaction
	// creditedPayments marks payment ids that already carry a purchase credit.
	creditedPayments map[int64]struct{}
	nextTx           int64
}

var _ ledger.Ledger = (*Store)(nil)

func New(freeTotal int) *Store {
	return &Store{
		freeTotal:        freeTotal,
		now:              time.Now,
		users:            make(map[int64]*models.User),
		payments:         make(map[int64]*models.Payment),
		byGatewayID:      make(map[string]int64),
		byOrderID:        make(map[string]int64),
		creditedPayments: make(map[int64]struct{}),
	}
}

func (s *Store) GetOrInitUser(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		now := s.now()
		u = &models.User{ID: id, FreeTotal: s.freeTotal, CreatedAt: now, UpdatedAt: now}
		s.users[id] = u
	}
	copied := *u
	return &copied, nil
}

func (s *Store) GetCreditBalance(_ context.Context, id int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return 0, ledger.ErrUserNotFound
	}
	return u.CreditBalance, nil
}

func (s *Store) GetFreeRemaining(_ context.Context, id int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return 0, ledger.ErrUserNotFound
	}
	return u.FreeRemaining(), nil
}

func (s *Store) CreatePayment(_ context.Context, p *models.Payment) error {
	if p.CreditAmount <= 0 || !p.Amount.IsPositive() {
		return ledger.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byOrderID[p.OrderID]; ok {
		return ledger.ErrDuplicateOrderID
	}
	if _, ok := s.byGatewayID[p.GatewayPaymentID]; ok {
		return ledger.ErrDuplicateGatewayID
	}
	if _, ok := s.users[p.UserID]; !ok {
		return ledger.ErrUserNotFound
	}

	s.nextPayment++
	p.ID = s.nextPayment
	p.Status = models.PaymentPending
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	p.UpdatedAt = p.CreatedAt

	stored := *p
	s.payments[p.ID] = &stored
	s.byGatewayID[p.GatewayPaymentID] = p.ID
	s.byOrderID[p.OrderID] = p.ID
	return nil
}

func (s *Store) GetPaymentByGatewayID(_ context.Context, gatewayID string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.paymentByGatewayID(gatewayID)
	if !ok {
		return nil, ledger.ErrPaymentNotFound
	}
	copied := *p
	return &copied, nil
}

func (s *Store) ListPendingPayments(_ context.Context) ([]models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Payment, 0)
	for _, p := range s.payments {
		if p.Status == models.PaymentPending {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) TransitionPaymentStatus(_ context.Context, gatewayID string, status models.PaymentStatus) (bool, error) {
	if !status.IsTerminal() {
		return false, ledger.ErrInvalidStatus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.paymentByGatewayID(gatewayID)
	if !ok {
		return false, ledger.ErrPaymentNotFound
	}
	if p.Status != models.PaymentPending {
		return false, nil
	}
	p.Status = status
	p.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) ResolveManualReview(_ context.Context, gatewayID string, status models.PaymentStatus) (bool, error) {
	if !ledger.ValidResolution(status) {
		return false, ledger.ErrInvalidStatus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.paymentByGatewayID(gatewayID)
	if !ok {
		return false, ledger.ErrPaymentNotFound
	}
	if p.Status != models.PaymentManualReview {
		return false, nil
	}
	p.Status = status
	p.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) CreditIfNotAlready(_ context.Context, gatewayID string, userID int64, amount int, description string) (bool, error) {
	if amount <= 0 {
		return false, ledger.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.paymentByGatewayID(gatewayID)
	if !ok {
		return false, ledger.ErrPaymentNotFound
	}
	if p.UserID != userID {
		return false, fmt.Errorf("credit payment %s: user mismatch", gatewayID)
	}
	if _, done := s.creditedPayments[p.ID]; done {
		return false, nil
	}
	u, ok := s.users[userID]
	if !ok {
		return false, ledger.ErrUserNotFound
	}

	paymentID := p.ID
	s.appendTransaction(userID, amount, description, &paymentID)
	s.creditedPayments[p.ID] = struct{}{}
	u.CreditBalance += amount
	u.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) DebitFreeOrCredits(_ context.Context, userID int64, freeUnits, creditUnits, costPerCreditUnit int, description string) (ledger.DebitResult, error) {
	if err := ledger.ValidateDebit(freeUnits, creditUnits, costPerCreditUnit); err != nil {
		return ledger.DebitResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ledger.DebitResult{}, ledger.ErrUserNotFound
	}

	free, credits := ledger.SplitDebit(u.FreeRemaining(), freeUnits, creditUnits)
	cost := credits * costPerCreditUnit

	result := ledger.DebitResult{FreeApplied: free}
	u.FreeUsed += free
	u.UpdatedAt = s.now()

	if cost > u.CreditBalance {
		result.Shortfall = cost - u.CreditBalance
		return result, nil
	}
	if cost > 0 {
		s.appendTransaction(userID, -cost, description, nil)
		u.CreditBalance -= cost
	}
	result.OK = true
	result.CreditsDebited = cost
	return result, nil
}

func (s *Store) ListTransactions(_ context.Context, userID int64) ([]models.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.CreditTransaction, 0)
	for _, tx := range s.transactions {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *Store) ListUserIDs(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SetClock replaces the time source. Tests use it to age payments.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) paymentByGatewayID(gatewayID string) (*models.Payment, bool) {
	id, ok := s.byGatewayID[gatewayID]
	if !ok {
		return nil, false
	}
	return s.payments[id], true
}

func (s *Store) appendTransaction(userID int64, amount int, description string, paymentID *int64) {
	s.nextTx++
	s.transactions = append(s.transactions, models.CreditTransaction{
		ID:          s.nextTx,
		UserID:      userID,
		Amount:      amount,
		Description: description,
		PaymentID:   paymentID,
		CreatedAt:   s.now(),
	})
}
