package telegram

import (
	"context"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// sender is the part of *tgbotapi.BotAPI used for outgoing messages.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier delivers plain-text messages to users. Delivery is best-effort: failures are logged
// and never returned, so ledger operations are not held up by Telegram.
type Notifier struct {
	api     sender
	log     *slog.Logger
	timeout time.Duration
}

func NewNotifier(api sender, log *slog.Logger, timeout time.Duration) *Notifier {
	return &Notifier{api: api, log: log, timeout: timeout}
}

func (n *Notifier) Notify(ctx context.Context, userID int64, message string) {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		_, err := n.api.Send(tgbotapi.NewMessage(userID, message))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			n.log.Error("notify user", "user_id", userID, "err", err)
		}
	case <-ctx.Done():
		n.log.Warn("notify user abandoned", "user_id", userID, "err", ctx.Err())
	}
}
