package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "github.com/klppl/ebba-irc-bot/pkg/logx"
)

// Store is the persistence API used by plugins.
type Store interface {
	SetSeen(ctx context.Context, e SeenEntry) error
	GetSeen(ctx context.Context, nick string) (SeenEntry, bool, error)

	AddTell(ctx context.Context, n TellNote) (int64, error)
	PendingTells(ctx context.Context, to string) ([]TellNote, error)
	DeleteTell(ctx context.Context, id int64) error

	AddReminder(ctx context.Context, r Reminder) (int64, error)
	DueReminders(ctx context.Context, now time.Time) ([]Reminder, error)
	DeleteReminder(ctx context.Context, id int64) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
