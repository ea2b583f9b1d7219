package domain

import "context"

// Channel is a user-facing surface (Web, CLI, Telegram) that drives
// conversation controllers.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}
