package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/TGGenBot/internal/ledger"
	"github.com/digkill/TGGenBot/internal/models"
	"github.com/digkill/TGGenBot/internal/service"
)

// Server hosts the public payment webhook and the basic-auth admin API.
type Server struct {
	addr       string
	username   string
	password   string
	log        *slog.Logger
	ledger     ledger.Ledger
	reconciler *service.ReconciliationService
	users      *service.UserService
	notifier   service.Notifier
	router     *chi.Mux
}

func NewServer(addr, username, password string, log *slog.Logger, l ledger.Ledger, reconciler *service.ReconciliationService, users *service.UserService, notifier service.Notifier) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:       addr,
		username:   username,
		password:   password,
		log:        log,
		ledger:     l,
		reconciler: reconciler,
		users:      users,
		notifier:   notifier,
		router:     r,
	}
	r.Post("/webhook/payment", s.handlePaymentWebhook)
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Post("/broadcast", s.handleBroadcast)
		protected.Get("/users/{id}", s.handleGetUser)
		protected.Route("/payments", func(r chi.Router) {
			r.Get("/pending", s.handleListPending)
			r.Post("/{gatewayID}/resolve", s.handleResolve)
		})
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown error", "err", err)
		}
	}()

	s.log.Info("http server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

// handlePaymentWebhook answers 200 whenever the callback was accepted, including no-ops, so the
// gateway stops retrying. Only storage failures return 5xx.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	res, err := s.reconciler.HandleWebhook(r.Context(), r.PostForm)
	switch {
	case err == nil:
		s.log.Info("payment webhook accepted", "payment_id", r.PostForm.Get("payment_id"), "status", res.Status, "applied", res.Applied, "credited", res.Credited)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	case errors.Is(err, service.ErrSignatureInvalid),
		errors.Is(err, service.ErrMalformedWebhook),
		errors.Is(err, service.ErrPaymentNotFound):
		s.log.Warn("payment webhook rejected", "payment_id", r.PostForm.Get("payment_id"), "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.internalError(w, err)
	}
}

type broadcastRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}

	sent, err := s.users.Broadcast(r.Context(), s.notifier, req.Message)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sent": sent})
}

type paymentResponse struct {
	GatewayPaymentID string    `json:"gateway_payment_id"`
	OrderID          string    `json:"order_id"`
	UserID           int64     `json:"user_id"`
	Amount           string    `json:"amount"`
	Currency         string    `json:"currency"`
	CreditAmount     int       `json:"credit_amount"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
}

func toPaymentResponse(p models.Payment) paymentResponse {
	return paymentResponse{
		GatewayPaymentID: p.GatewayPaymentID,
		OrderID:          p.OrderID,
		UserID:           p.UserID,
		Amount:           p.Amount.StringFixed(2),
		Currency:         p.Currency,
		CreditAmount:     p.CreditAmount,
		Status:           string(p.Status),
		CreatedAt:        p.CreatedAt,
	}
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.ledger.ListPendingPayments(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	out := make([]paymentResponse, 0, len(pending))
	for _, p := range pending {
		out = append(out, toPaymentResponse(p))
	}
	s.writeJSON(w, http.StatusOK, out)
}

type resolveRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	gatewayID := strings.TrimSpace(chi.URLParam(r, "gatewayID"))
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	status := models.PaymentStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !ledger.ValidResolution(status) {
		http.Error(w, "status must be success, failed or cancelled", http.StatusBadRequest)
		return
	}

	res, err := s.reconciler.Resolve(r.Context(), gatewayID, status)
	switch {
	case errors.Is(err, ledger.ErrPaymentNotFound):
		http.Error(w, "payment not found", http.StatusNotFound)
		return
	case err != nil:
		s.internalError(w, err)
		return
	}
	if !res.Applied {
		s.writeJSON(w, http.StatusConflict, map[string]any{"error": "payment is not in manual review", "status": res.Status})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": res.Status, "credited": res.Credited})
}

type transactionResponse struct {
	Amount      int       `json:"amount"`
	Description string    `json:"description"`
	PaymentID   *int64    `json:"payment_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	summary, err := s.users.Summary(r.Context(), id)
	if err != nil {
		s.internalError(w, err)
		return
	}

	txs := make([]transactionResponse, 0, len(summary.Transactions))
	for _, t := range summary.Transactions {
		txs = append(txs, transactionResponse{Amount: t.Amount, Description: t.Description, PaymentID: t.PaymentID, CreatedAt: t.CreatedAt})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":             summary.User.ID,
		"credit_balance": summary.User.CreditBalance,
		"free_used":      summary.User.FreeUsed,
		"free_total":     summary.User.FreeTotal,
		"free_remaining": summary.FreeRemaining,
		"transactions":   txs,
	})
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="genbot"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("http handler error", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}
