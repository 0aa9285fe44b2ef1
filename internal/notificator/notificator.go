package notificator

import (
	"context"
	"runtime/debug"

	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/pkg/logger"
)

var _ models.Notifier = (*Notificator)(nil)

type telegramSender interface {
	SendNotification(ctx context.Context, chatID, message string) error
}

type emailSender interface {
	SendNotification(to, subject, message string) error
}

// Notificator fans operator alerts out to the configured channels. Delivery is
// best effort: failures and panics are logged, never returned.
type Notificator struct {
	logger *logger.Logger

	telegram       telegramSender
	telegramChatID string
	email          emailSender
	alertEmail     string
}

// NewNotificator wires the channels that are configured. A nil notificator or
// an empty destination disables that channel.
func NewNotificator(logger *logger.Logger, telNotif *TelegramNotificator, telegramChatID string, emailNotif *EmailNotificator, alertEmail string) *Notificator {
	n := &Notificator{logger: logger}
	if telNotif != nil && telegramChatID != "" {
		n.telegram = telNotif
		n.telegramChatID = telegramChatID
	}
	if emailNotif != nil && alertEmail != "" {
		n.email = emailNotif
		n.alertEmail = alertEmail
	}
	return n
}

// safeCall runs a function with panic recovery (synchronous, no goroutine spawning)
func (n *Notificator) safeCall(fn func() error, context string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Errorw("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	if err := fn(); err != nil {
		n.logger.Errorw("Failed to deliver alert", "context", context, "error", err)
	}
}

func (n *Notificator) Alert(ctx context.Context, subject, message string) {
	if n.telegram == nil && n.email == nil {
		n.logger.Warnw("No alert channel configured", "subject", subject, "message", message)
		return
	}
	if n.telegram != nil {
		text := subject + "\n\n" + message
		n.safeCall(func() error { return n.telegram.SendNotification(ctx, n.telegramChatID, text) }, "telegramAlert")
	}
	if n.email != nil {
		n.safeCall(func() error { return n.email.SendNotification(n.alertEmail, subject, message) }, "emailAlert")
	}
}
