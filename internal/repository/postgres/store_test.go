package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/digkill/TGGenBot/internal/ledger"
	"github.com/digkill/TGGenBot/internal/models"
)

// newTestStore connects to POSTGRES_TEST_DSN; the tests are skipped without it.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := NewStore(ctx, dsn, 3)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func testUserID() int64 {
	return int64(uuid.New().ID())
}

func TestPostgresPaymentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := testUserID()

	if _, err := s.GetOrInitUser(ctx, userID); err != nil {
		t.Fatalf("init user: %v", err)
	}

	gatewayID := uuid.NewString()
	orderID := uuid.NewString()
	p := &models.Payment{
		UserID:           userID,
		Amount:           decimal.RequireFromString("299.00"),
		Currency:         "RUB",
		GatewayPaymentID: gatewayID,
		OrderID:          orderID,
		CreditAmount:     50,
	}
	if err := s.CreatePayment(ctx, p); err != nil {
		t.Fatalf("create payment: %v", err)
	}

	dupOrder := *p
	dupOrder.GatewayPaymentID = uuid.NewString()
	if err := s.CreatePayment(ctx, &dupOrder); !errors.Is(err, ledger.ErrDuplicateOrderID) {
		t.Errorf("expected ErrDuplicateOrderID, got %v", err)
	}
	dupGateway := *p
	dupGateway.OrderID = uuid.NewString()
	if err := s.CreatePayment(ctx, &dupGateway); !errors.Is(err, ledger.ErrDuplicateGatewayID) {
		t.Errorf("expected ErrDuplicateGatewayID, got %v", err)
	}

	stored, err := s.GetPaymentByGatewayID(ctx, gatewayID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if !stored.Amount.Equal(p.Amount) || stored.Status != models.PaymentPending {
		t.Errorf("unexpected stored payment %+v", stored)
	}

	applied, err := s.TransitionPaymentStatus(ctx, gatewayID, models.PaymentSuccess)
	if err != nil || !applied {
		t.Fatalf("transition: applied=%v err=%v", applied, err)
	}
	applied, err = s.TransitionPaymentStatus(ctx, gatewayID, models.PaymentFailed)
	if err != nil || applied {
		t.Fatalf("second transition: applied=%v err=%v", applied, err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CreditIfNotAlready(ctx, gatewayID, userID, 50, "purchase")
			if err != nil {
				t.Errorf("credit: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("credited %d times, want 1", wins.Load())
	}

	res, err := s.DebitFreeOrCredits(ctx, userID, 4, 1, 10, "generation")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	// 3 free units fit, the fourth is billed with the credit unit.
	if !res.OK || res.FreeApplied != 3 || res.CreditsDebited != 20 {
		t.Errorf("unexpected debit result %+v", res)
	}

	balance, _ := s.GetCreditBalance(ctx, userID)
	txs, err := s.ListTransactions(ctx, userID)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	sum := 0
	for _, tx := range txs {
		sum += tx.Amount
	}
	if balance != 30 || sum != balance {
		t.Errorf("balance=%d sum=%d, want 30", balance, sum)
	}
}
