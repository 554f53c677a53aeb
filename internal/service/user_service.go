package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/digkill/TGGenBot/internal/ledger"
	"github.com/digkill/TGGenBot/internal/models"
)

type UserSummary struct {
	User          models.User
	FreeRemaining int
	Transactions  []models.CreditTransaction
}

// broadcastInterval keeps broadcasts under Telegram's global send limit.
const broadcastInterval = 40 * time.Millisecond

type UserService struct {
	log           *slog.Logger
	ledger        ledger.Ledger
	broadcastRate rate.Limit
}

func NewUserService(log *slog.Logger, l ledger.Ledger) *UserService {
	return &UserService{log: log, ledger: l, broadcastRate: rate.Every(broadcastInterval)}
}

func (s *UserService) Ensure(ctx context.Context, userID int64) (*models.User, error) {
	user, err := s.ledger.GetOrInitUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

func (s *UserService) Summary(ctx context.Context, userID int64) (*UserSummary, error) {
	user, err := s.ledger.GetOrInitUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	txs, err := s.ledger.ListTransactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return &UserSummary{User: *user, FreeRemaining: user.FreeRemaining(), Transactions: txs}, nil
}

func (s *UserService) ListIDs(ctx context.Context) ([]int64, error) {
	ids, err := s.ledger.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	return ids, nil
}

// Broadcast sends message to every known user, pacing sends to stay under Telegram's limits.
// Cancelling ctx stops the broadcast; the count of messages already sent is returned.
func (s *UserService) Broadcast(ctx context.Context, notifier Notifier, message string) (int, error) {
	ids, err := s.ListIDs(ctx)
	if err != nil {
		return 0, err
	}
	limiter := rate.NewLimiter(s.broadcastRate, 1)
	sent := 0
	for _, id := range ids {
		if err := limiter.Wait(ctx); err != nil {
			s.log.Warn("broadcast interrupted", "recipients", sent, "err", err)
			return sent, err
		}
		notifier.Notify(ctx, id, message)
		sent++
	}
	s.log.Info("broadcast finished", "recipients", sent)
	return sent, nil
}
