package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/digkill/TGGenBot/internal/config"
	"github.com/digkill/TGGenBot/internal/ledger/memory"
	"github.com/digkill/TGGenBot/internal/models"
	"github.com/digkill/TGGenBot/internal/service"
	"github.com/digkill/TGGenBot/internal/signature"
)

const (
	testSecret = "secret"
	adminUser  = "admin"
	adminPass  = "pass"
)

type countingNotifier struct {
	mu   sync.Mutex
	sent map[int64]int
}

func (n *countingNotifier) Notify(_ context.Context, userID int64, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[userID]++
}

type fixture struct {
	store      *memory.Store
	notifier   *countingNotifier
	reconciler *service.ReconciliationService
	handler    http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{
		GatewaySecret:      testSecret,
		PaymentCurrency:    "RUB",
		PollInterval:       time.Minute,
		PollRetryInterval:  time.Minute,
		PaymentReviewAfter: 24 * time.Hour,
	}
	store := memory.New(3)
	notifier := &countingNotifier{sent: make(map[int64]int)}
	reconciler := service.NewReconciliationService(cfg, log, store, nil, notifier, nil)
	users := service.NewUserService(log, store)
	srv := NewServer(":0", adminUser, adminPass, log, store, reconciler, users, notifier)
	return &fixture{store: store, notifier: notifier, reconciler: reconciler, handler: srv.Handler()}
}

func (f *fixture) seed(t *testing.T, userID int64, gatewayID, orderID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.GetOrInitUser(ctx, userID); err != nil {
		t.Fatalf("init user: %v", err)
	}
	err := f.store.CreatePayment(ctx, &models.Payment{
		UserID:           userID,
		Amount:           decimal.RequireFromString("299.00"),
		Currency:         "RUB",
		GatewayPaymentID: gatewayID,
		OrderID:          orderID,
		CreditAmount:     50,
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
}

func webhookForm(gatewayID, orderID, amount, status string) url.Values {
	return url.Values{
		"payment_id": {gatewayID},
		"order_id":   {orderID},
		"amount":     {amount},
		"status":     {status},
		"sign":       {signature.Sign([]signature.Field{signature.F("amount", amount), signature.F("order_id", orderID)}, testSecret)},
	}
}

func postForm(h http.Handler, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/payment", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPaymentWebhook(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 7, "gw-1", "order-1")

	badSign := webhookForm("gw-1", "order-1", "299.00", "success")
	badSign.Set("sign", "deadbeef")
	missing := webhookForm("gw-1", "order-1", "299.00", "success")
	missing.Del("status")

	tests := []struct {
		name string
		form url.Values
		want int
	}{
		{"bad signature", badSign, http.StatusBadRequest},
		{"missing field", missing, http.StatusBadRequest},
		{"unknown payment", webhookForm("gw-404", "order-404", "299.00", "success"), http.StatusBadRequest},
		{"amount mismatch", webhookForm("gw-1", "order-1", "1.00", "success"), http.StatusBadRequest},
		{"success", webhookForm("gw-1", "order-1", "299.00", "success"), http.StatusOK},
		{"replay", webhookForm("gw-1", "order-1", "299.00", "success"), http.StatusOK},
		{"late failure", webhookForm("gw-1", "order-1", "299.00", "failed"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postForm(f.handler, tt.form)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	balance, _ := f.store.GetCreditBalance(context.Background(), 7)
	if balance != 50 {
		t.Errorf("balance = %d, want 50", balance)
	}
	p, _ := f.store.GetPaymentByGatewayID(context.Background(), "gw-1")
	if p.Status != models.PaymentSuccess {
		t.Errorf("status = %s, want success", p.Status)
	}
	f.reconciler.WaitNotifications()
	if f.notifier.sent[7] != 1 {
		t.Errorf("notified %d times, want 1", f.notifier.sent[7])
	}
}

func adminRequest(h http.Handler, method, path, body string, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth {
		req.SetBasicAuth(adminUser, adminPass)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminRoutesRequireBasicAuth(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/payments/pending", "/users/1"} {
		if rec := adminRequest(f.handler, http.MethodGet, path, "", false); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without auth: status %d", path, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/payments/pending", nil)
	req.SetBasicAuth(adminUser, "wrong")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: status %d", rec.Code)
	}
}

func TestListPendingPayments(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, "gw-1", "order-1")
	f.seed(t, 2, "gw-2", "order-2")

	rec := adminRequest(f.handler, http.MethodGet, "/payments/pending", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out []paymentResponse
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out[0].Amount != "299.00" || out[0].Status != "pending" {
		t.Errorf("unexpected pending list %+v", out)
	}
}

func TestResolveManualReview(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 3, "gw-3", "order-3")
	ctx := context.Background()
	if ok, err := f.store.TransitionPaymentStatus(ctx, "gw-3", models.PaymentManualReview); !ok || err != nil {
		t.Fatalf("move to review: ok=%v err=%v", ok, err)
	}

	if rec := adminRequest(f.handler, http.MethodPost, "/payments/gw-3/resolve", `{"status":"pending"}`, true); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid status: code %d", rec.Code)
	}
	if rec := adminRequest(f.handler, http.MethodPost, "/payments/gw-missing/resolve", `{"status":"success"}`, true); rec.Code != http.StatusNotFound {
		t.Errorf("unknown payment: code %d", rec.Code)
	}

	rec := adminRequest(f.handler, http.MethodPost, "/payments/gw-3/resolve", `{"status":"success"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: code %d (%s)", rec.Code, rec.Body.String())
	}
	if balance, _ := f.store.GetCreditBalance(ctx, 3); balance != 50 {
		t.Errorf("balance = %d, want 50", balance)
	}

	if rec := adminRequest(f.handler, http.MethodPost, "/payments/gw-3/resolve", `{"status":"failed"}`, true); rec.Code != http.StatusConflict {
		t.Errorf("second resolve: code %d", rec.Code)
	}
}

func TestGetUser(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 9, "gw-9", "order-9")
	postForm(f.handler, webhookForm("gw-9", "order-9", "299.00", "success"))

	rec := adminRequest(f.handler, http.MethodGet, "/users/9", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		CreditBalance int                   `json:"credit_balance"`
		FreeRemaining int                   `json:"free_remaining"`
		Transactions  []transactionResponse `json:"transactions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.CreditBalance != 50 || out.FreeRemaining != 3 || len(out.Transactions) != 1 {
		t.Errorf("unexpected user %+v", out)
	}

	if rec := adminRequest(f.handler, http.MethodGet, "/users/abc", "", true); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: code %d", rec.Code)
	}
}

func TestBroadcast(t *testing.T) {
	f := newFixture(t)
	for _, id := range []int64{1, 2} {
		if _, err := f.store.GetOrInitUser(context.Background(), id); err != nil {
			t.Fatalf("init user: %v", err)
		}
	}

	if rec := adminRequest(f.handler, http.MethodPost, "/broadcast", `{"message":"  "}`, true); rec.Code != http.StatusBadRequest {
		t.Errorf("empty message: code %d", rec.Code)
	}
	rec := adminRequest(f.handler, http.MethodPost, "/broadcast", `{"message":"maintenance tonight"}`, true)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"sent":2`) {
		t.Errorf("broadcast: code %d body %s", rec.Code, rec.Body.String())
	}
	if f.notifier.sent[1] != 1 || f.notifier.sent[2] != 1 {
		t.Errorf("unexpected deliveries %v", f.notifier.sent)
	}
}
