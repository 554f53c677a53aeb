package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/TGGenBot/internal/ledger"
	"github.com/digkill/TGGenBot/internal/models"
)

type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) ListByUser(ctx context.Context, userID int64) ([]models.CreditTransaction, error) {
	const query = `
SELECT id, user_id, amount, description, payment_id, created_at
FROM credit_transactions WHERE user_id = ? ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		var paymentID sql.NullInt64
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Description, &paymentID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if paymentID.Valid {
			t.PaymentID = &paymentID.Int64
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// CreditPayment inserts the purchase credit for the payment and bumps the balance in one
// transaction. The UNIQUE payment_id key decides the winner between racing callers.
func (r *TransactionRepository) CreditPayment(ctx context.Context, gatewayID string, userID int64, amount int, description string) (credited bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil || !credited {
			_ = tx.Rollback()
		}
	}()

	var paymentID, owner int64
	const paymentQuery = `SELECT id, user_id FROM payments WHERE gateway_payment_id = ?`
	if err = tx.QueryRowContext(ctx, paymentQuery, gatewayID).Scan(&paymentID, &owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ledger.ErrPaymentNotFound
		}
		return false, fmt.Errorf("select payment: %w", err)
	}
	if owner != userID {
		return false, fmt.Errorf("credit payment %s: user mismatch", gatewayID)
	}

	if _, err = lockUser(ctx, tx, userID); err != nil {
		return false, err
	}

	const insertQuery = `
INSERT INTO credit_transactions (user_id, amount, description, payment_id)
VALUES (?, ?, ?, ?)`
	if _, err = tx.ExecContext(ctx, insertQuery, userID, amount, description, paymentID); err != nil {
		if isDuplicateEntry(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert credit transaction: %w", err)
	}

	const balanceQuery = `UPDATE users SET credit_balance = credit_balance + ? WHERE id = ?`
	if _, err = tx.ExecContext(ctx, balanceQuery, amount, userID); err != nil {
		return false, fmt.Errorf("update balance: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit credit: %w", err)
	}
	return true, nil
}

// Debit applies the free-first split under the user's row lock.
func (r *TransactionRepository) Debit(ctx context.Context, userID int64, freeUnits, creditUnits, costPerCreditUnit int, description string) (res ledger.DebitResult, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	user, err := lockUser(ctx, tx, userID)
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
		const updateQuery = `
UPDATE users SET free_used = free_used + ?, credit_balance = credit_balance - ?
WHERE id = ?`
		if _, err = tx.ExecContext(ctx, updateQuery, free, debit, userID); err != nil {
			return res, fmt.Errorf("update user: %w", err)
		}
	}
	if debit > 0 {
		const insertQuery = `INSERT INTO credit_transactions (user_id, amount, description) VALUES (?, ?, ?)`
		if _, err = tx.ExecContext(ctx, insertQuery, userID, -debit, description); err != nil {
			return res, fmt.Errorf("insert debit transaction: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return res, fmt.Errorf("commit debit: %w", err)
	}
	return res, nil
}
