package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"section-notifier/pkg/notifier"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteStore keeps subscriptions and the notification history in two tables.
// Timestamps are unix milliseconds.
type sqliteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func openSQLite(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, logger: logger, now: time.Now}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("Using SQLite storage", "path", path)
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *sqliteStore) FindSubscribers(ctx context.Context, item notifier.ItemID) ([]notifier.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.address, MAX(n.notified_at)
		 FROM subscriptions s
		 LEFT JOIN notifications n ON n.item = s.item AND n.address = s.address
		 WHERE s.item = ?
		 GROUP BY s.address
		 ORDER BY s.address`, string(item))
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var subs []notifier.Subscriber
	for rows.Next() {
		var (
			addr string
			ms   sql.NullInt64
		)
		if err := rows.Scan(&addr, &ms); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		sub := notifier.Subscriber{Address: addr}
		if ms.Valid {
			sub.LastNotifiedAt = time.UnixMilli(ms.Int64).UTC()
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return subs, nil
}

func (s *sqliteStore) RecordNotification(ctx context.Context, item notifier.ItemID, address string, at time.Time) error {
	address = notifier.NormalizeAddress(address)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(item, address, notified_at)
		 SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM subscriptions WHERE item = ? AND address = ?)`,
		string(item), address, at.UnixMilli(), string(item), address)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return requireRow(res)
}

func (s *sqliteStore) Subscribe(ctx context.Context, item notifier.ItemID, address string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(item, address, created_at) VALUES(?,?,?)
		 ON CONFLICT(item, address) DO NOTHING`,
		string(item), notifier.NormalizeAddress(address), s.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *sqliteStore) Unsubscribe(ctx context.Context, item notifier.ItemID, address string) error {
	address = notifier.NormalizeAddress(address)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE item = ? AND address = ?`, string(item), address)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE item = ? AND address = ?`, string(item), address); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *sqliteStore) Items(ctx context.Context) ([]notifier.ItemID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT item FROM subscriptions ORDER BY item`)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
