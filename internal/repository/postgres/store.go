// Package postgres is the PostgreSQL implementation of ledger.Ledger.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/digkill/TGGenBot/internal/ledger"
	"github.com/digkill/TGGenBot/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

type Store struct {
	pool      *pgxpool.Pool
	freeTotal int
}

var _ ledger.Ledger = (*Store)(nil)

func NewStore(ctx context.Context, dsn string, freeTotal int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	s := &Store{pool: pool, freeTotal: freeTotal}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDB(*s.pool.Config().ConnConfig)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

const userColumns = `id, free_used, free_total, credit_balance, created_at, updated_at`

func (s *Store) GetOrInitUser(ctx context.Context, id int64) (*models.User, error) {
	_, err := s.pool.Exec(ctx, `
INSERT INTO users (id, free_total) VALUES ($1, $2)
ON CONFLICT (id) DO NOTHING`, id, s.freeTotal)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return s.findUser(ctx, s.pool, id, false)
}

func (s *Store) GetCreditBalance(ctx context.Context, id int64) (int, error) {
	u, err := s.findUser(ctx, s.pool, id, false)
	if err != nil {
		return 0, err
	}
	return u.CreditBalance, nil
}

func (s *Store) GetFreeRemaining(ctx context.Context, id int64) (int, error) {
	u, err := s.findUser(ctx, s.pool, id, false)
	if err != nil {
		return 0, err
	}
	return u.FreeRemaining(), nil
}

func (s *Store) CreatePayment(ctx context.Context, p *models.Payment) error {
	if p.CreditAmount <= 0 || !p.Amount.IsPositive() {
		return ledger.ErrInvalidAmount
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = p.CreatedAt
	p.Status = models.PaymentPending

	err := s.pool.QueryRow(ctx, `
INSERT INTO payments (user_id, amount, currency, gateway_payment_id, order_id, credit_amount, status, created_at, updated_at)
VALUES ($1, $2::numeric, $3, $4, $5, $6, $7, $8, $9)
RETURNING id`,
		p.UserID, p.Amount.String(), p.Currency, p.GatewayPaymentID, p.OrderID, p.CreditAmount,
		string(p.Status), p.CreatedAt, p.UpdatedAt).Scan(&p.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			switch pgErr.ConstraintName {
			case "payments_order_id_key":
				return ledger.ErrDuplicateOrderID
			case "payments_gateway_payment_id_key":
				return ledger.ErrDuplicateGatewayID
			}
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

const paymentColumns = `id, user_id, amount::text, currency, gateway_payment_id, order_id, credit_amount, status, created_at, updated_at`

func (s *Store) GetPaymentByGatewayID(ctx context.Context, gatewayID string) (*models.Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE gateway_payment_id = $1`, gatewayID)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return p, nil
}

func (s *Store) ListPendingPayments(ctx context.Context) ([]models.Payment, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+paymentColumns+` FROM payments WHERE status = $1 ORDER BY created_at, id`, string(models.PaymentPending))
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (s *Store) TransitionPaymentStatus(ctx context.Context, gatewayID string, status models.PaymentStatus) (bool, error) {
	if !status.IsTerminal() {
		return false, ledger.ErrInvalidStatus
	}
	return s.compareAndSetStatus(ctx, gatewayID, models.PaymentPending, status)
}

func (s *Store) ResolveManualReview(ctx context.Context, gatewayID string, status models.PaymentStatus) (bool, error) {
	if !ledger.ValidResolution(status) {
		return false, ledger.ErrInvalidStatus
	}
	return s.compareAndSetStatus(ctx, gatewayID, models.PaymentManualReview, status)
}

func (s *Store) compareAndSetStatus(ctx context.Context, gatewayID string, from, to models.PaymentStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE payments SET status = $1, updated_at = NOW()
WHERE gateway_payment_id = $2 AND status = $3`, string(to), gatewayID, string(from))
	if err != nil {
		return false, fmt.Errorf("update payment status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.GetPaymentByGatewayID(ctx, gatewayID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) CreditIfNotAlready(ctx context.Context, gatewayID string, userID int64, amount int, description string) (credited bool, err error) {
	if amount <= 0 {
		return false, ledger.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil || !credited {
			_ = tx.Rollback(ctx)
		}
	}()

	var paymentID, owner int64
	if err = tx.QueryRow(ctx, `SELECT id, user_id FROM payments WHERE gateway_payment_id = $1`, gatewayID).Scan(&paymentID, &owner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ledger.ErrPaymentNotFound
		}
		return false, fmt.Errorf("select payment: %w", err)
	}
	if owner != userID {
		return false, fmt.Errorf("credit payment %s: user mismatch", gatewayID)
	}
	if _, err = s.findUser(ctx, tx, userID, true); err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx, `
INSERT INTO credit_transactions (user_id, amount, description, payment_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (payment_id) DO NOTHING`, userID, amount, description, paymentID)
	if err != nil {
		return false, fmt.Errorf("insert credit transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err = tx.Exec(ctx, `UPDATE users SET credit_balance = credit_balance + $1, updated_at = NOW() WHERE id = $2`, amount, userID); err != nil {
		return false, fmt.Errorf("update balance: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit credit: %w", err)
	}
	return true, nil
}

func (s *Store) DebitFreeOrCredits(ctx context.Context, userID int64, freeUnits, creditUnits, costPerCreditUnit int, description string) (res ledger.DebitResult, err error) {
	if err := ledger.ValidateDebit(freeUnits, creditUnits, costPerCreditUnit); err != nil {
		return res, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	user, err := s.findUser(ctx, tx, userID, true)
	if err != nil {
		return res, err
	}

	free, credits := ledger.SplitDebit(user.FreeRemaining(), freeUnits, creditUnits)
	cost := credits * costPerCreditUnit
	res.FreeApplied = free

	debit := 0
	if cost > user.CreditBalance {
		res.Shortfall = cost - user.CreditBalance
	} else {
		debit = cost
		res.OK = true
		res.CreditsDebited = cost
	}

	if free > 0 || debit > 0 {
		if _, err = tx.Exec(ctx, `
UPDATE users SET free_used = free_used + $1, credit_balance = credit_balance - $2, updated_at = NOW()
WHERE id = $3`, free, debit, userID); err != nil {
			return res, fmt.Errorf("update user: %w", err)
		}
	}
	if debit > 0 {
		if _, err = tx.Exec(ctx, `INSERT INTO credit_transactions (user_id, amount, description) VALUES ($1, $2, $3)`, userID, -debit, description); err != nil {
			return res, fmt.Errorf("insert debit transaction: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit debit: %w", err)
	}
	return res, nil
}

func (s *Store) ListTransactions(ctx context.Context, userID int64) ([]models.CreditTransaction, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, amount, description, payment_id, created_at
FROM credit_transactions WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Description, &t.PaymentID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *Store) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) findUser(ctx context.Context, q queryRower, id int64, forUpdate bool) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var u models.User
	if err := q.QueryRow(ctx, query, id).Scan(&u.ID, &u.FreeUsed, &u.FreeTotal, &u.CreditBalance, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	var amount, status string
	if err := row.Scan(&p.ID, &p.UserID, &amount, &p.Currency, &p.GatewayPaymentID, &p.OrderID,
		&p.CreditAmount, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	p.Amount = parsed
	p.Status = models.PaymentStatus(status)
	return &p, nil
}
