package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/digkill/TGGenBot/internal/ledger"
	"github.com/digkill/TGGenBot/internal/models"
)

const mysqlDuplicateEntry = 1062

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	const query = `
INSERT INTO payments (user_id, amount, currency, gateway_payment_id, order_id, credit_amount, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	payment.UpdatedAt = payment.CreatedAt
	payment.Status = models.PaymentPending

	res, err := r.db.ExecContext(ctx, query,
		payment.UserID, payment.Amount, payment.Currency, payment.GatewayPaymentID, payment.OrderID,
		payment.CreditAmount, payment.Status, payment.CreatedAt, payment.UpdatedAt)
	if err != nil {
		if dup := duplicatePaymentKey(err); dup != nil {
			return dup
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	payment.ID = id
	return nil
}

func (r *PaymentRepository) FindByGatewayID(ctx context.Context, gatewayID string) (*models.Payment, error) {
	const query = `
SELECT id, user_id, amount, currency, gateway_payment_id, order_id, credit_amount, status, created_at, updated_at
FROM payments WHERE gateway_payment_id = ? LIMIT 1`
	var p models.Payment
	err := r.db.QueryRowContext(ctx, query, gatewayID).Scan(
		&p.ID, &p.UserID, &p.Amount, &p.Currency, &p.GatewayPaymentID, &p.OrderID,
		&p.CreditAmount, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}

func (r *PaymentRepository) ListPending(ctx context.Context) ([]models.Payment, error) {
	const query = `
SELECT id, user_id, amount, currency, gateway_payment_id, order_id, credit_amount, status, created_at, updated_at
FROM payments WHERE status = ? ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query, models.PaymentPending)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(&p.ID, &p.UserID, &p.Amount, &p.Currency, &p.GatewayPaymentID, &p.OrderID,
			&p.CreditAmount, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// CompareAndSetStatus moves the payment from one status to another. It reports false when the
// stored status is not from.
func (r *PaymentRepository) CompareAndSetStatus(ctx context.Context, gatewayID string, from, to models.PaymentStatus) (bool, error) {
	const query = `
UPDATE payments SET status = ?, updated_at = ?
WHERE gateway_payment_id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, query, to, time.Now().UTC(), gatewayID, from)
	if err != nil {
		return false, fmt.Errorf("update payment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("payment rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := r.FindByGatewayID(ctx, gatewayID); err != nil {
		return false, err
	}
	return false, nil
}

func duplicatePaymentKey(err error) error {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) || mysqlErr.Number != mysqlDuplicateEntry {
		return nil
	}
	switch {
	case strings.Contains(mysqlErr.Message, "order_id"):
		return ledger.ErrDuplicateOrderID
	case strings.Contains(mysqlErr.Message, "gateway_id"):
		return ledger.ErrDuplicateGatewayID
	default:
		return fmt.Errorf("insert payment: %w", err)
	}
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}
