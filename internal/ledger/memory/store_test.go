package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/digkill/TGGenBot/internal/ledger"
	"github.com/digkill/TGGenBot/internal/models"
)

func newPayment(userID int64, gatewayID, orderID string, credits int) *models.Payment {
	return &models.Payment{
		UserID:           userID,
		Amount:           decimal.RequireFromString("299.00"),
		Currency:         "RUB",
		GatewayPaymentID: gatewayID,
		OrderID:          orderID,
		CreditAmount:     credits,
	}
}

func assertConservation(t *testing.T, s *Store, userID int64) {
	t.Helper()
	ctx := context.Background()
	balance, err := s.GetCreditBalance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	txs, err := s.ListTransactions(ctx, userID)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	sum := 0
	for _, tx := range txs {
		sum += tx.Amount
	}
	if sum != balance {
		t.Fatalf("balance %d != sum of transactions %d", balance, sum)
	}
}

func TestGetOrInitUser(t *testing.T) {
	s := New(3)
	ctx := context.Background()

	u, err := s.GetOrInitUser(ctx, 7)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if u.FreeTotal != 3 || u.FreeUsed != 0 || u.CreditBalance != 0 {
		t.Errorf("unexpected new user %+v", u)
	}
	free, _ := s.GetFreeRemaining(ctx, 7)
	if free != 3 {
		t.Errorf("free remaining = %d, want 3", free)
	}
	if _, err := s.GetCreditBalance(ctx, 8); !errors.Is(err, ledger.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestCreatePaymentDuplicates(t *testing.T) {
	s := New(3)
	ctx := context.Background()
	_, _ = s.GetOrInitUser(ctx, 1)

	if err := s.CreatePayment(ctx, newPayment(1, "gw-1", "order-1", 50)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreatePayment(ctx, newPayment(1, "gw-2", "order-1", 50)); !errors.Is(err, ledger.ErrDuplicateOrderID) {
		t.Errorf("expected ErrDuplicateOrderID, got %v", err)
	}
	if err := s.CreatePayment(ctx, newPayment(1, "gw-1", "order-2", 50)); !errors.Is(err, ledger.ErrDuplicateGatewayID) {
		t.Errorf("expected ErrDuplicateGatewayID, got %v", err)
	}

	p, err := s.GetPaymentByGatewayID(ctx, "gw-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Status != models.PaymentPending || p.CreditAmount != 50 {
		t.Errorf("unexpected payment %+v", p)
	}
	if _, err := s.GetPaymentByGatewayID(ctx, "missing"); !errors.Is(err, ledger.ErrPaymentNotFound) {
		t.Errorf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestTransitionIsWriteOnce(t *testing.T) {
	s := New(3)
	ctx := context.Background()
	_, _ = s.GetOrInitUser(ctx, 1)
	_ = s.CreatePayment(ctx, newPayment(1, "gw-1", "order-1", 50))

	applied, err := s.TransitionPaymentStatus(ctx, "gw-1", models.PaymentSuccess)
	if err != nil || !applied {
		t.Fatalf("first transition: applied=%v err=%v", applied, err)
	}
	applied, err = s.TransitionPaymentStatus(ctx, "gw-1", models.PaymentFailed)
	if err != nil || applied {
		t.Fatalf("second transition: applied=%v err=%v", applied, err)
	}
	p, _ := s.GetPaymentByGatewayID(ctx, "gw-1")
	if p.Status != models.PaymentSuccess {
		t.Errorf("status = %s, want success", p.Status)
	}
	if _, err := s.TransitionPaymentStatus(ctx, "gw-1", models.PaymentPending); !errors.Is(err, ledger.ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestListPendingOldestFirst(t *testing.T) {
	s := New(3)
	ctx := context.Background()
	_, _ = s.GetOrInitUser(ctx, 1)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := newPayment(1, "gw-new", "o-new", 10)
	newer.CreatedAt = base.Add(time.Hour)
	older := newPayment(1, "gw-old", "o-old", 10)
	older.CreatedAt = base
	done := newPayment(1, "gw-done", "o-done", 10)
	_ = s.CreatePayment(ctx, newer)
	_ = s.CreatePayment(ctx, older)
	_ = s.CreatePayment(ctx, done)
	_, _ = s.TransitionPaymentStatus(ctx, "gw-done", models.PaymentFailed)

	pending, err := s.ListPendingPayments(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 2 || pending[0].GatewayPaymentID != "gw-old" || pending[1].GatewayPaymentID != "gw-new" {
		t.Errorf("unexpected pending order: %+v", pending)
	}
}

func TestCreditIfNotAlreadyConcurrent(t *testing.T) {
	s := New(3)
	ctx := context.Background()
	_, _ = s.GetOrInitUser(ctx, 1)
	_ = s.CreatePayment(ctx, newPayment(1, "gw-1", "order-1", 50))

	const callers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	credited := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CreditIfNotAlready(ctx, "gw-1", 1, 50, "purchase")
			if err != nil {
				t.Errorf("credit: %v", err)
				return
			}
			if ok {
				mu.Lock()
				credited++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if credited != 1 {
		t.Errorf("credited %d times, want 1", credited)
	}
	balance, _ := s.GetCreditBalance(ctx, 1)
	if balance != 50 {
		t.Errorf("balance = %d, want 50", balance)
	}
	assertConservation(t, s, 1)
}

func TestDebitFreeOrCredits(t *testing.T) {
	tests := []struct {
		name        string
		freeUsed    int
		balance     int
		freeUnits   int
		creditUnits int
		cost        int
		wantOK      bool
		wantFree    int
		wantDebited int
		wantShort   int
		wantBalance int
		wantFreeRem int
	}{
		{"free and credits", 1, 100, 2, 1, 10, true, 2, 10, 0, 90, 0},
		{"only free", 0, 0, 2, 0, 10, true, 2, 0, 0, 0, 1},
		{"overflow billed as credits", 2, 100, 3, 0, 10, true, 1, 20, 0, 80, 0},
		{"insufficient keeps balance", 3, 5, 0, 1, 10, false, 0, 0, 5, 5, 0},
		{"insufficient still applies free", 2, 5, 2, 0, 10, false, 1, 0, 5, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(3)
			ctx := context.Background()
			_, _ = s.GetOrInitUser(ctx, 1)
			s.users[1].FreeUsed = tt.freeUsed
			if tt.balance > 0 {
				_ = s.CreatePayment(ctx, newPayment(1, "gw", "order", tt.balance))
				if ok, err := s.CreditIfNotAlready(ctx, "gw", 1, tt.balance, "seed"); !ok || err != nil {
					t.Fatalf("seed balance: ok=%v err=%v", ok, err)
				}
			}

			res, err := s.DebitFreeOrCredits(ctx, 1, tt.freeUnits, tt.creditUnits, tt.cost, "generation")
			if err != nil {
				t.Fatalf("debit: %v", err)
			}
			if res.OK != tt.wantOK || res.FreeApplied != tt.wantFree || res.CreditsDebited != tt.wantDebited || res.Shortfall != tt.wantShort {
				t.Errorf("unexpected result %+v", res)
			}
			balance, _ := s.GetCreditBalance(ctx, 1)
			if balance != tt.wantBalance {
				t.Errorf("balance = %d, want %d", balance, tt.wantBalance)
			}
			free, _ := s.GetFreeRemaining(ctx, 1)
			if free != tt.wantFreeRem {
				t.Errorf("free remaining = %d, want %d", free, tt.wantFreeRem)
			}
			assertConservation(t, s, 1)
		})
	}
}

func TestDebitRejectsNegativeInput(t *testing.T) {
	s := New(3)
	_, _ = s.GetOrInitUser(context.Background(), 1)
	if _, err := s.DebitFreeOrCredits(context.Background(), 1, -1, 0, 10, "x"); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestResolveManualReview(t *testing.T) {
	s := New(3)
	ctx := context.Background()
	_, _ = s.GetOrInitUser(ctx, 1)
	_ = s.CreatePayment(ctx, newPayment(1, "gw-1", "order-1", 50))

	if applied, _ := s.ResolveManualReview(ctx, "gw-1", models.PaymentSuccess); applied {
		t.Fatal("pending payment must not be resolvable")
	}
	_, _ = s.TransitionPaymentStatus(ctx, "gw-1", models.PaymentManualReview)
	if _, err := s.ResolveManualReview(ctx, "gw-1", models.PaymentTimeout); !errors.Is(err, ledger.ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
	applied, err := s.ResolveManualReview(ctx, "gw-1", models.PaymentSuccess)
	if err != nil || !applied {
		t.Fatalf("resolve: applied=%v err=%v", applied, err)
	}
	if applied, _ := s.ResolveManualReview(ctx, "gw-1", models.PaymentFailed); applied {
		t.Error("second resolve must be a no-op")
	}
}
