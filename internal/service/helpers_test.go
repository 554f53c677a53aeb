package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/digkill/TGGenBot/internal/config"
	"github.com/digkill/TGGenBot/internal/gateway"
	"github.com/digkill/TGGenBot/internal/ledger/memory"
	"github.com/digkill/TGGenBot/internal/models"
)

const testSecret = "secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		GatewaySecret:      testSecret,
		PaymentCurrency:    "RUB",
		PollInterval:       45 * time.Second,
		PollRetryInterval:  15 * time.Second,
		PaymentReviewAfter: 24 * time.Hour,
		SupportContact:     "@support",
		MaxBatchSize:       5,
		MaxConcurrentUnits: 3,
		DefaultAspectRatio: "1:1",
		DefaultResolution:  "1K",
		CreditPackages: []config.CreditPackage{
			{Price: decimal.RequireFromString("299.00"), Credits: 50},
			{Price: decimal.RequireFromString("499.00"), Credits: 100},
		},
	}
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages map[int64][]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{messages: make(map[int64][]string)}
}

func (n *recordingNotifier) Notify(_ context.Context, userID int64, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages[userID] = append(n.messages[userID], message)
}

func (n *recordingNotifier) count(userID int64) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages[userID])
}

// fakeStatuses answers GetStatus from a map; missing ids return err.
type fakeStatuses struct {
	mu       sync.Mutex
	statuses map[string]gateway.Status
	errs     map[string]error
	calls    int
}

func (f *fakeStatuses) GetStatus(_ context.Context, id string) (gateway.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[id]; ok {
		return gateway.StatusUnrecognized, err
	}
	return f.statuses[id], nil
}

func seedPayment(store *memory.Store, userID int64, gatewayID, orderID string, credits int, createdAt time.Time) *models.Payment {
	ctx := context.Background()
	if _, err := store.GetOrInitUser(ctx, userID); err != nil {
		panic(err)
	}
	p := &models.Payment{
		UserID:           userID,
		Amount:           decimal.RequireFromString("299.00"),
		Currency:         "RUB",
		GatewayPaymentID: gatewayID,
		OrderID:          orderID,
		CreditAmount:     credits,
		CreatedAt:        createdAt,
	}
	if err := store.CreatePayment(ctx, p); err != nil {
		panic(err)
	}
	return p
}
