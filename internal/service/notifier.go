package service

import "context"

// Notifier delivers a best-effort message to a user. Implementations log their own failures;
// callers never see them.
type Notifier interface {
	Notify(ctx context.Context, userID int64, message string)
}

// NopNotifier drops every message.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, int64, string) {}
