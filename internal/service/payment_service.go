package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/digkill/TGGenBot/internal/config"
	"github.com/digkill/TGGenBot/internal/gateway"
	"github.com/digkill/TGGenBot/internal/ledger"
	"github.com/digkill/TGGenBot/internal/models"
)

var ErrUnknownPackage = errors.New("unknown credit package")

// PaymentCreator is the part of the gateway client the purchase flow needs.
type PaymentCreator interface {
	CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (*gateway.CreatedPayment, error)
}

type Purchase struct {
	Payment models.Payment
	Package config.CreditPackage
	PayURL  string
}

type PaymentService struct {
	cfg     config.Config
	log     *slog.Logger
	ledger  ledger.Ledger
	gateway PaymentCreator
	newID   func() string
}

func NewPaymentService(cfg config.Config, log *slog.Logger, l ledger.Ledger, gw PaymentCreator) *PaymentService {
	return &PaymentService{
		cfg:     cfg,
		log:     log,
		ledger:  l,
		gateway: gw,
		newID:   uuid.NewString,
	}
}

func (s *PaymentService) Packages() []config.CreditPackage {
	return s.cfg.CreditPackages
}

// CreatePurchase opens a gateway payment for the package and records it as pending with the
// package's credit amount fixed.
func (s *PaymentService) CreatePurchase(ctx context.Context, userID int64, packageIndex int) (*Purchase, error) {
	if packageIndex < 0 || packageIndex >= len(s.cfg.CreditPackages) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPackage, packageIndex+1)
	}
	pkg := s.cfg.CreditPackages[packageIndex]

	if _, err := s.ledger.GetOrInitUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	orderID := s.newID()
	created, err := s.gateway.CreatePayment(ctx, gateway.CreatePaymentRequest{
		Amount:   pkg.Price,
		Currency: s.cfg.PaymentCurrency,
		OrderID:  orderID,
		PayerID:  strconv.FormatInt(userID, 10),
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway payment: %w", err)
	}

	payment := &models.Payment{
		UserID:           userID,
		Amount:           pkg.Price,
		Currency:         s.cfg.PaymentCurrency,
		GatewayPaymentID: created.GatewayPaymentID,
		OrderID:          orderID,
		CreditAmount:     pkg.Credits,
	}
	if err := s.ledger.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}

	s.log.Info("purchase created", "user_id", userID, "order_id", orderID, "payment_id", created.GatewayPaymentID, "credits", pkg.Credits)
	return &Purchase{Payment: *payment, Package: pkg, PayURL: created.PayURL}, nil
}
