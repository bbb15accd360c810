// Package notify pushes operator-facing action items to a chat channel.
package notify

import (
	"context"
	"log"

	"github.com/stellarlinkco/outreach/internal/actions"
	"github.com/stellarlinkco/outreach/internal/config"
)

// Notifier delivers one action item to operators.
type Notifier interface {
	Notify(ctx context.Context, item actions.Item) error
}

// LogNotifier writes items to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, item actions.Item) error {
	log.Printf("[notify] %s", item)
	return nil
}

// New returns the Telegram notifier when it is enabled and configured, and
// the log notifier otherwise.
func New(cfg config.NotifyConfig) (Notifier, error) {
	tg := cfg.Telegram
	if !tg.Enabled || tg.Token == "" || tg.ChatID == 0 {
		return LogNotifier{}, nil
	}
	return NewTelegramNotifier(tg)
}
