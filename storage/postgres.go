package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"section-notifier/pkg/notifier"
)

// postgresStore is the SQL store for shared deployments where several
// pollers or web instances use one database.
type postgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func openPostgres(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database DSN is required for postgres driver")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	if _, err := pool.Exec(ctx, string(b)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("Using PostgreSQL storage", "max_conns", poolCfg.MaxConns)
	return &postgresStore{pool: pool, logger: logger}, nil
}

func (s *postgresStore) FindSubscribers(ctx context.Context, item notifier.ItemID) ([]notifier.Subscriber, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.address, MAX(n.notified_at)
		FROM subscriptions s
		LEFT JOIN notifications n ON n.item = s.item AND n.address = s.address
		WHERE s.item = $1
		GROUP BY s.address
		ORDER BY s.address`, string(item))
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var subs []notifier.Subscriber
	for rows.Next() {
		var (
			addr   string
			latest *time.Time
		)
		if err := rows.Scan(&addr, &latest); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		sub := notifier.Subscriber{Address: addr}
		if latest != nil {
			sub.LastNotifiedAt = latest.UTC()
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return subs, nil
}

func (s *postgresStore) RecordNotification(ctx context.Context, item notifier.ItemID, address string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (item, address, notified_at)
		SELECT $1::text, $2::text, $3::timestamptz
		WHERE EXISTS (SELECT 1 FROM subscriptions WHERE item = $1 AND address = $2)`,
		string(item), notifier.NormalizeAddress(address), at)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) Subscribe(ctx context.Context, item notifier.ItemID, address string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (item, address) VALUES ($1, $2)
		ON CONFLICT (item, address) DO NOTHING`,
		string(item), notifier.NormalizeAddress(address))
	if err != nil {
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Unsubscribe relies on ON DELETE CASCADE to drop the history.
func (s *postgresStore) Unsubscribe(ctx context.Context, item notifier.ItemID, address string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE item = $1 AND address = $2`,
		string(item), notifier.NormalizeAddress(address))
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) Items(ctx context.Context) ([]notifier.ItemID, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT item FROM subscriptions ORDER BY item`)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []notifier.ItemID
	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, notifier.ItemID(item))
	}
	return items, rows.Err()
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
