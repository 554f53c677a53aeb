package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/digkill/TGGenBot/internal/config"
	"github.com/digkill/TGGenBot/internal/signature"
)

const (
	createPath = "/api/v1/payment/create"
	statusPath = "/api/v1/payment/status"
)

type Client struct {
	shopID     string
	secret     string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

type CreatePaymentRequest struct {
	Amount   decimal.Decimal
	Currency string
	OrderID  string
	PayerID  string
}

type CreatedPayment struct {
	GatewayPaymentID string
	PayURL           string
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.GatewayTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		shopID:  cfg.GatewayShopID,
		secret:  cfg.GatewaySecret,
		baseURL: strings.TrimRight(cfg.GatewayBaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// CreatePayment registers a payment intent with the gateway and returns where the payer should be sent.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatedPayment, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("create payment: amount must be positive")
	}
	if req.OrderID == "" {
		return nil, fmt.Errorf("create payment: empty order id")
	}

	amount := req.Amount.StringFixed(2)
	payload := map[string]string{
		"shop_id":  c.shopID,
		"amount":   amount,
		"currency": req.Currency,
		"order_id": req.OrderID,
		"payer_id": req.PayerID,
	}
	payload["sign"] = signature.Sign([]signature.Field{
		signature.F("amount", amount),
		signature.F("order_id", req.OrderID),
		signature.F("currency", req.Currency),
		signature.F("shop_id", c.shopID),
		signature.F("payer_id", req.PayerID),
	}, c.secret)

	var resp struct {
		PaymentID string `json:"payment_id"`
		PayURL    string `json:"pay_url"`
	}
	if err := c.post(ctx, "create", createPath, payload, &resp); err != nil {
		return nil, err
	}
	if resp.PaymentID == "" {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "empty payment_id in response"}
	}

	if c.log != nil {
		c.log.Info("gateway payment created", "order_id", req.OrderID, "payment_id", resp.PaymentID)
	}
	return &CreatedPayment{GatewayPaymentID: resp.PaymentID, PayURL: resp.PayURL}, nil
}

// GetStatus asks the gateway for the current state of a payment.
func (c *Client) GetStatus(ctx context.Context, gatewayPaymentID string) (Status, error) {
	if gatewayPaymentID == "" {
		return StatusUnrecognized, fmt.Errorf("get status: empty payment id")
	}
	payload := map[string]string{
		"shop_id":    c.shopID,
		"payment_id": gatewayPaymentID,
		"sign": signature.Sign([]signature.Field{
			signature.F("payment_id", gatewayPaymentID),
			signature.F("shop_id", c.shopID),
		}, c.secret),
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := c.post(ctx, "status", statusPath, payload, &resp); err != nil {
		return StatusUnrecognized, err
	}

	status := ParseStatus(resp.Status)
	if status == StatusUnrecognized && c.log != nil {
		c.log.Warn("gateway returned unrecognized status", "payment_id", gatewayPaymentID, "raw_status", resp.Status)
	}
	return status, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload map[string]string, out any) error {
	fullURL, err := c.resolve(path)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err, Timeout: isTimeout(err)}
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("read response body: %w", err), Timeout: isTimeout(err)}
	}

	var envelope struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(rawBody, &envelope)

	if resp.StatusCode >= 300 {
		msg := envelope.Error
		if msg == "" {
			msg = truncateBody(rawBody)
		}
		if c.log != nil {
			c.log.Error("gateway request failed", "op", op, "status", resp.StatusCode, "body", truncateBody(rawBody))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if envelope.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: envelope.Error}
	}

	if err := json.Unmarshal(rawBody, out); err != nil {
		return fmt.Errorf("decode %s response: %w (body=%s)", op, err, truncateBody(rawBody))
	}
	return nil
}

// resolve appends the endpoint path to the base URL, keeping any path prefix the base carries.
func (c *Client) resolve(path string) (string, error) {
	baseURL, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return "", fmt.Errorf("parse base URL: %q is not absolute", c.baseURL)
	}
	return baseURL.JoinPath(path).String(), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
