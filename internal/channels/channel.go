// Package channels holds the chat platform clients the chat watcher polls.
package channels

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// UpdateFetcher is the part of the Telegram Bot API the chat source uses.
// *tgbotapi.BotAPI satisfies it.
type UpdateFetcher interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

// KV stores the update cursor between polls and across restarts.
type KV interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}
