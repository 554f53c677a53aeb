package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/digkill/TGGenBot/internal/config"
	"github.com/digkill/TGGenBot/internal/gateway"
	"github.com/digkill/TGGenBot/internal/lease"
	"github.com/digkill/TGGenBot/internal/ledger"
	"github.com/digkill/TGGenBot/internal/models"
	"github.com/digkill/TGGenBot/internal/signature"
)

var (
	ErrMalformedWebhook = errors.New("malformed webhook payload")
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrPaymentNotFound  = ledger.ErrPaymentNotFound
)

const pollLeaseKey = "payment-poll"

// StatusLookup is the part of the gateway client the poller needs.
type StatusLookup interface {
	GetStatus(ctx context.Context, gatewayPaymentID string) (gateway.Status, error)
}

// ReconcileResult reports what a reconciliation step changed.
type ReconcileResult struct {
	Status   models.PaymentStatus
	Applied  bool
	Credited bool
}

// PollStats summarises one poll tick.
type PollStats struct {
	Skipped  bool
	Checked  int
	Resolved int
	Failed   int
}

// ReconciliationService resolves gateway payments from the webhook and from polling.
// Both paths converge on Reconcile, which is safe to call any number of times.
type ReconciliationService struct {
	cfg      config.Config
	log      *slog.Logger
	ledger   ledger.Ledger
	statuses StatusLookup
	notifier Notifier
	lease    lease.Lease
	limiter  *rate.Limiter
	now      func() time.Time

	pollInterval  time.Duration
	retryInterval time.Duration

	notifications sync.WaitGroup
}

func NewReconciliationService(cfg config.Config, log *slog.Logger, l ledger.Ledger, statuses StatusLookup, notifier Notifier, poll lease.Lease) *ReconciliationService {
	limit := rate.Inf
	if cfg.GatewayRPS > 0 {
		limit = rate.Limit(cfg.GatewayRPS)
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if poll == nil {
		poll = lease.Local{}
	}
	return &ReconciliationService{
		cfg:           cfg,
		log:           log,
		ledger:        l,
		statuses:      statuses,
		notifier:      notifier,
		lease:         poll,
		limiter:       rate.NewLimiter(limit, 1),
		now:           time.Now,
		pollInterval:  cfg.PollInterval,
		retryInterval: cfg.PollRetryInterval,
	}
}

// HandleWebhook verifies a form-encoded gateway callback and reconciles the payment it names.
func (s *ReconciliationService) HandleWebhook(ctx context.Context, form url.Values) (ReconcileResult, error) {
	fields := make(map[string]string, 5)
	var missing []string
	for _, key := range []string{"payment_id", "order_id", "amount", "status", "sign"} {
		v := strings.TrimSpace(form.Get(key))
		if v == "" {
			missing = append(missing, key)
		}
		fields[key] = v
	}
	if len(missing) > 0 {
		return ReconcileResult{}, fmt.Errorf("%w: missing %s", ErrMalformedWebhook, strings.Join(missing, ", "))
	}

	if !signature.VerifyCallback(fields["amount"], fields["order_id"], s.cfg.GatewaySecret, fields["sign"]) {
		return ReconcileResult{}, ErrSignatureInvalid
	}

	payment, err := s.ledger.GetPaymentByGatewayID(ctx, fields["payment_id"])
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("load payment %s: %w", fields["payment_id"], err)
	}
	if payment.OrderID != fields["order_id"] {
		return ReconcileResult{}, fmt.Errorf("%w: order id does not match payment", ErrMalformedWebhook)
	}
	amount, err := decimal.NewFromString(fields["amount"])
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("%w: amount: %v", ErrMalformedWebhook, err)
	}
	if !amount.Equal(payment.Amount) {
		return ReconcileResult{}, fmt.Errorf("%w: amount %s does not match payment", ErrMalformedWebhook, amount)
	}
	if currency := strings.TrimSpace(form.Get("currency")); currency != "" && !strings.EqualFold(currency, payment.Currency) {
		return ReconcileResult{}, fmt.Errorf("%w: currency %s does not match payment", ErrMalformedWebhook, currency)
	}

	return s.Reconcile(ctx, payment.GatewayPaymentID, gateway.ParseStatus(fields["status"]))
}

// Reconcile applies a gateway status to the payment. Status writes are compare-and-set against
// pending and crediting is insert-if-absent, so racing callers cannot double-credit.
func (s *ReconciliationService) Reconcile(ctx context.Context, gatewayID string, status gateway.Status) (ReconcileResult, error) {
	payment, err := s.ledger.GetPaymentByGatewayID(ctx, gatewayID)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("load payment %s: %w", gatewayID, err)
	}
	result := ReconcileResult{Status: payment.Status}

	switch status {
	case gateway.StatusSuccess:
		return s.settleSuccess(ctx, payment)

	case gateway.StatusFailed, gateway.StatusCancelled, gateway.StatusTimeout:
		target := terminalStatus(status)
		applied, err := s.ledger.TransitionPaymentStatus(ctx, gatewayID, target)
		if err != nil {
			return result, fmt.Errorf("transition payment %s: %w", gatewayID, err)
		}
		if applied {
			result.Status, result.Applied = target, true
			s.log.Info("payment closed", "payment_id", gatewayID, "status", target)
			s.notify(ctx, payment.UserID, fmt.Sprintf("Payment %s was not completed (%s). No credits were charged.", payment.OrderID, target))
		}
		return result, nil

	case gateway.StatusNotPaid:
		if payment.Status != models.PaymentPending || s.now().Sub(payment.CreatedAt) <= s.cfg.PaymentReviewAfter {
			return result, nil
		}
		applied, err := s.ledger.TransitionPaymentStatus(ctx, gatewayID, models.PaymentManualReview)
		if err != nil {
			return result, fmt.Errorf("move payment %s to review: %w", gatewayID, err)
		}
		if applied {
			result.Status, result.Applied = models.PaymentManualReview, true
			s.log.Warn("payment moved to manual review", "payment_id", gatewayID, "age", s.now().Sub(payment.CreatedAt).String())
			s.notify(ctx, payment.UserID, fmt.Sprintf(
				"We could not confirm payment %s automatically. If you were charged, contact %s with this order id.",
				payment.OrderID, s.cfg.SupportContact))
		}
		return result, nil

	default:
		s.log.Warn("unrecognized payment status, leaving pending", "payment_id", gatewayID, "status", status.String())
		return result, nil
	}
}

func (s *ReconciliationService) settleSuccess(ctx context.Context, payment *models.Payment) (ReconcileResult, error) {
	gatewayID := payment.GatewayPaymentID
	result := ReconcileResult{Status: payment.Status}

	applied, err := s.ledger.TransitionPaymentStatus(ctx, gatewayID, models.PaymentSuccess)
	if err != nil {
		return result, fmt.Errorf("transition payment %s: %w", gatewayID, err)
	}
	result.Applied = applied
	if applied {
		result.Status = models.PaymentSuccess
	} else {
		// Another path closed the payment. Only a success may still be missing its credit.
		current, err := s.ledger.GetPaymentByGatewayID(ctx, gatewayID)
		if err != nil {
			return result, fmt.Errorf("reload payment %s: %w", gatewayID, err)
		}
		result.Status = current.Status
		if current.Status != models.PaymentSuccess {
			s.log.Warn("success reported for closed payment", "payment_id", gatewayID, "status", current.Status)
			return result, nil
		}
	}

	return s.credit(ctx, payment, result)
}

func (s *ReconciliationService) credit(ctx context.Context, payment *models.Payment, result ReconcileResult) (ReconcileResult, error) {
	credited, err := s.ledger.CreditIfNotAlready(ctx, payment.GatewayPaymentID, payment.UserID, payment.CreditAmount,
		fmt.Sprintf("purchase %s", payment.OrderID))
	if err != nil {
		return result, fmt.Errorf("credit payment %s: %w", payment.GatewayPaymentID, err)
	}
	result.Credited = credited
	if credited {
		s.log.Info("payment credited", "payment_id", payment.GatewayPaymentID, "user_id", payment.UserID, "credits", payment.CreditAmount)
		s.notify(ctx, payment.UserID, fmt.Sprintf("Payment received: %d credits added to your balance.", payment.CreditAmount))
	}
	return result, nil
}

// Resolve closes a payment held for manual review. A success resolution credits the user.
func (s *ReconciliationService) Resolve(ctx context.Context, gatewayID string, status models.PaymentStatus) (ReconcileResult, error) {
	payment, err := s.ledger.GetPaymentByGatewayID(ctx, gatewayID)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("load payment %s: %w", gatewayID, err)
	}
	result := ReconcileResult{Status: payment.Status}

	applied, err := s.ledger.ResolveManualReview(ctx, gatewayID, status)
	if err != nil {
		return result, fmt.Errorf("resolve payment %s: %w", gatewayID, err)
	}
	if !applied {
		return result, nil
	}
	result.Status, result.Applied = status, true
	s.log.Info("manual review resolved", "payment_id", gatewayID, "status", status)

	if status == models.PaymentSuccess {
		return s.credit(ctx, payment, result)
	}
	s.notify(ctx, payment.UserID, fmt.Sprintf("Payment %s was reviewed and closed as %s.", payment.OrderID, status))
	return result, nil
}

// PollOnce checks every pending payment against the gateway. A failing lookup is logged and
// the payment stays pending; only a failure to list payments is returned.
func (s *ReconciliationService) PollOnce(ctx context.Context) (PollStats, error) {
	var stats PollStats

	held, err := s.lease.TryAcquire(ctx, pollLeaseKey, s.leaseTTL())
	if err != nil {
		return stats, fmt.Errorf("acquire poll lease: %w", err)
	}
	if !held {
		stats.Skipped = true
		return stats, nil
	}

	pending, err := s.ledger.ListPendingPayments(ctx)
	if err != nil {
		return stats, fmt.Errorf("list pending payments: %w", err)
	}

	for _, p := range pending {
		if err := s.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		stats.Checked++

		status, err := s.statuses.GetStatus(ctx, p.GatewayPaymentID)
		if err != nil {
			stats.Failed++
			s.log.Warn("payment status lookup failed", "payment_id", p.GatewayPaymentID, "timeout", errors.Is(err, gateway.ErrTimeout), "err", err)
			continue
		}

		res, err := s.Reconcile(ctx, p.GatewayPaymentID, status)
		if err != nil {
			stats.Failed++
			s.log.Error("reconcile payment failed", "payment_id", p.GatewayPaymentID, "err", err)
			continue
		}
		if res.Applied || res.Credited {
			stats.Resolved++
		}
	}
	return stats, nil
}

// Run polls until ctx ends. After a tick that fails internally the next one comes sooner.
func (s *ReconciliationService) Run(ctx context.Context) {
	interval := s.pollInterval
	if interval <= 0 {
		interval = 45 * time.Second
	}
	retry := s.retryInterval
	if retry <= 0 {
		retry = 15 * time.Second
	}

	s.log.Info("payment poller started", "interval", interval.String(), "retry_interval", retry.String())
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("payment poller stopped")
			return
		case <-timer.C:
		}

		next := interval
		stats, err := s.PollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.log.Error("payment poll tick failed", "err", err)
			next = retry
		} else if stats.Checked > 0 {
			s.log.Info("payment poll tick", "checked", stats.Checked, "resolved", stats.Resolved, "failed", stats.Failed)
		}
		timer.Reset(next)
	}
}

// notify hands the message to the notifier on its own goroutine. Delivery keeps running after
// ctx ends and is bounded by the notifier's own timeout.
func (s *ReconciliationService) notify(ctx context.Context, userID int64, message string) {
	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()
		s.notifier.Notify(context.WithoutCancel(ctx), userID, message)
	}()
}

// WaitNotifications blocks until every notification started so far has finished. Call it after
// the webhook server and the poller have stopped.
func (s *ReconciliationService) WaitNotifications() {
	s.notifications.Wait()
}

// leaseTTL stays below both cadences so the next tick on any replica can take over.
func (s *ReconciliationService) leaseTTL() time.Duration {
	ttl := s.retryInterval
	if ttl <= 0 || (s.pollInterval > 0 && s.pollInterval < ttl) {
		ttl = s.pollInterval
	}
	if ttl <= time.Second {
		return time.Second
	}
	return ttl - time.Second
}

func terminalStatus(status gateway.Status) models.PaymentStatus {
	switch status {
	case gateway.StatusSuccess:
		return models.PaymentSuccess
	case gateway.StatusCancelled:
		return models.PaymentCancelled
	case gateway.StatusTimeout:
		return models.PaymentTimeout
	default:
		return models.PaymentFailed
	}
}
