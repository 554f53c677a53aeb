package service

import (
	"context"
	"errors"
	"testing"

	"github.com/digkill/TGGenBot/internal/gateway"
	"github.com/digkill/TGGenBot/internal/ledger"
	"github.com/digkill/TGGenBot/internal/ledger/memory"
	"github.com/digkill/TGGenBot/internal/models"
)

type fakeCreator struct {
	last gateway.CreatePaymentRequest
	id   string
	err  error
}

func (f *fakeCreator) CreatePayment(_ context.Context, req gateway.CreatePaymentRequest) (*gateway.CreatedPayment, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.CreatedPayment{GatewayPaymentID: f.id, PayURL: "https://pay/" + f.id}, nil
}

func TestCreatePurchaseRecordsPendingPayment(t *testing.T) {
	store := memory.New(3)
	creator := &fakeCreator{id: "gw-1"}
	s := NewPaymentService(testConfig(), discardLogger(), store, creator)
	s.newID = func() string { return "order-fixed" }

	purchase, err := s.CreatePurchase(context.Background(), 42, 1)
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	if purchase.PayURL != "https://pay/gw-1" || purchase.Package.Credits != 100 {
		t.Errorf("unexpected purchase %+v", purchase)
	}
	if creator.last.OrderID != "order-fixed" || creator.last.PayerID != "42" || creator.last.Currency != "RUB" {
		t.Errorf("unexpected gateway request %+v", creator.last)
	}

	stored, err := store.GetPaymentByGatewayID(context.Background(), "gw-1")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if stored.Status != models.PaymentPending || stored.CreditAmount != 100 || stored.OrderID != "order-fixed" {
		t.Errorf("unexpected stored payment %+v", stored)
	}
}

func TestCreatePurchaseErrors(t *testing.T) {
	store := memory.New(3)
	gwErr := &gateway.TransportError{Op: "create", Err: errors.New("refused")}

	s := NewPaymentService(testConfig(), discardLogger(), store, &fakeCreator{err: gwErr})
	if _, err := s.CreatePurchase(context.Background(), 1, 7); !errors.Is(err, ErrUnknownPackage) {
		t.Errorf("expected ErrUnknownPackage, got %v", err)
	}
	var transportErr *gateway.TransportError
	if _, err := s.CreatePurchase(context.Background(), 1, 0); !errors.As(err, &transportErr) {
		t.Errorf("expected gateway error, got %v", err)
	}

	dup := NewPaymentService(testConfig(), discardLogger(), store, &fakeCreator{id: "gw-dup"})
	if _, err := dup.CreatePurchase(context.Background(), 1, 0); err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	if _, err := dup.CreatePurchase(context.Background(), 1, 0); !errors.Is(err, ledger.ErrDuplicateGatewayID) {
		t.Errorf("expected duplicate gateway id, got %v", err)
	}
}
