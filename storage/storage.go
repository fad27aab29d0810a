// Package storage handles persistence of subscriptions and their notification history.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"section-notifier/pkg/notifier"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("storage: subscription doesn't exist")

// Store is the subscription store queried and updated by the poll loop and the web server.
// Addresses are compared in normalized form.
type Store interface {
	// FindSubscribers returns every subscription for item with its latest
	// notification time. No subscribers is not an error.
	FindSubscribers(ctx context.Context, item notifier.ItemID) ([]notifier.Subscriber, error)
	// RecordNotification appends at to the pair's history. Returns ErrNotFound
	// if the pair is not subscribed.
	RecordNotification(ctx context.Context, item notifier.ItemID, address string, at time.Time) error
	// Subscribe creates the pair. created is false if it already existed.
	Subscribe(ctx context.Context, item notifier.ItemID, address string) (created bool, err error)
	// Unsubscribe removes the pair and its history. Returns ErrNotFound if absent.
	Unsubscribe(ctx context.Context, item notifier.ItemID, address string) error
	// Items lists every item with at least one subscription.
	Items(ctx context.Context) ([]notifier.ItemID, error)
	Close() error
}

// Config selects and configures a driver.
//
// Driver values:
//   - "file": JSON documents in a local directory (Path)
//   - "gcs": JSON documents in a Cloud Storage bucket (Bucket)
//   - "sqlite": SQLite database file (Path)
//   - "postgres": PostgreSQL (DSN)
//   - "nats": JetStream key-value bucket (URL, Bucket)
type Config struct {
	Driver      string
	Path        string
	Bucket      string
	DSN         string
	URL         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	logger.Info("Opening subscription store", "driver", driver)

	switch driver {
	case "", "file":
		return openFile(cfg, logger)
	case "gcs":
		return openGCS(ctx, cfg, logger)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, logger)
	case "postgres", "postgresql":
		return openPostgres(ctx, cfg, logger)
	case "nats":
		return openKV(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// IsNotFound checks if an error indicates a subscription was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Drivers lists the accepted Config.Driver values.
func Drivers() []string {
	return []string{"file", "gcs", "sqlite", "postgres", "nats"}
}
