package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	logx "levelup/pkg/logx"
)

// Store is the persistence API used by the journal and the router.
type Store interface {
	AppendJournal(ctx context.Context, e Entry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// ChallengeKey is the dedup key of an answered challenge message.
func ChallengeKey(chatID int64, messageID int) string {
	return "challenge:" + strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

// Answered reports whether key has an unexpired dedup record.
// A nil store never has one.
func Answered(ctx context.Context, s Store, key string) (bool, error) {
	if s == nil {
		return false, nil
	}
	until, ok, err := s.GetDedup(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return time.Now().Before(until), nil
}
