package domain

import "context"

// Channel is the interface for a chat transport (Slack, Telegram, Discord, CLI).
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Send(ctx context.Context, chatID string, content string) error
}
