package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/TGGenBot/internal/ledger"
	"github.com/digkill/TGGenBot/internal/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) FindByID(ctx context.Context, id int64) (*models.User, error) {
	const query = `
SELECT id, free_used, free_total, credit_balance, created_at, updated_at
FROM users WHERE id = ?`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

// Ensure creates the user with the given free quota unless it already exists.
func (r *UserRepository) Ensure(ctx context.Context, id int64, freeTotal int) (*models.User, error) {
	const query = `
INSERT INTO users (id, free_total) VALUES (?, ?)
ON DUPLICATE KEY UPDATE id = id`
	if _, err := r.db.ExecContext(ctx, query, id, freeTotal); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return r.FindByID(ctx, id)
}

func (r *UserRepository) ListIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT id FROM users ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
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

// lockUser reads the user row under FOR UPDATE so balance writes in tx serialize per user.
func lockUser(ctx context.Context, tx *sql.Tx, id int64) (*models.User, error) {
	const query = `
SELECT id, free_used, free_total, credit_balance, created_at, updated_at
FROM users WHERE id = ? FOR UPDATE`
	return scanUser(tx.QueryRowContext(ctx, query, id))
}

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.FreeUsed, &u.FreeTotal, &u.CreditBalance, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}
