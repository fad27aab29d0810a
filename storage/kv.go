package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"section-notifier/pkg/notifier"
)

const defaultKVBucket = "section-subscriptions"

// kvStore keeps one JetStream KV entry per (item, address) pair under
// sub.<hex item>.<hex address>. Writes are revision-checked.
type kvStore struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	logger *slog.Logger
	now    func() time.Time
}

func openKV(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultKVBucket
	}

	conn, err := nats.Connect(url, nats.Name("section-notifier"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	kv, err := ensureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Course section subscriptions",
		History:     1,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("Using NATS KV storage", "url", url, "bucket", bucket)
	return &kvStore{conn: conn, kv: kv, logger: logger, now: time.Now}, nil
}

// ensureBucket creates the bucket or opens it if another process created it first.
func ensureBucket(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	var kv jetstream.KeyValue
	err := retry.Do(
		func() error {
			created, err := js.CreateKeyValue(ctx, cfg)
			if err == nil {
				kv = created
				return nil
			}
			if !errors.Is(err, jetstream.ErrBucketExists) {
				return err
			}
			existing, err := js.KeyValue(ctx, cfg.Bucket)
			if err != nil {
				return fmt.Errorf("bucket exists but failed to open: %w", err)
			}
			kv = existing
			return nil
		},
		retry.Attempts(5),
		retry.Delay(10*time.Millisecond),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("create/open KV bucket %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

func itemPrefix(item notifier.ItemID) string {
	return "sub." + hex.EncodeToString([]byte(item)) + "."
}

func pairKey(item notifier.ItemID, address string) string {
	return itemPrefix(item) + hex.EncodeToString([]byte(address))
}

func (s *kvStore) listKeys(ctx context.Context) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *kvStore) get(ctx context.Context, key string) (*notifier.Subscription, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", key, err)
	}
	var sub notifier.Subscription
	if err := json.Unmarshal(entry.Value(), &sub); err != nil {
		return nil, 0, fmt.Errorf("unmarshal subscription: %w", err)
	}
	return &sub, entry.Revision(), nil
}

func (s *kvStore) FindSubscribers(ctx context.Context, item notifier.ItemID) ([]notifier.Subscriber, error) {
	keys, err := s.listKeys(ctx)
	if err != nil {
		return nil, err
	}
	prefix := itemPrefix(item)
	var subs []notifier.Subscriber
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		sub, _, err := s.get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue // deleted since listing
		}
		if err != nil {
			return nil, err
		}
		subs = append(subs, notifier.Subscriber{Address: sub.Address, LastNotifiedAt: sub.Latest()})
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Address < subs[j].Address })
	return subs, nil
}

func (s *kvStore) RecordNotification(ctx context.Context, item notifier.ItemID, address string, at time.Time) error {
	key := pairKey(item, notifier.NormalizeAddress(address))
	var missing bool
	err := retry.Do(
		func() error {
			sub, rev, err := s.get(ctx, key)
			if errors.Is(err, ErrNotFound) {
				missing = true
				return retry.Unrecoverable(err)
			}
			if err != nil {
				return err
			}
			sub.History = append(sub.History, at.UTC())
			data, err := json.Marshal(sub)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("marshal subscription: %w", err))
			}
			if _, err := s.kv.Update(ctx, key, data, rev); err != nil {
				return fmt.Errorf("update %s: %w", key, err)
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(50*time.Millisecond),
		retry.MaxJitter(50*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Debug("Retrying KV update", "attempt", n, "key", key, "error", err)
		}),
	)
	if missing {
		return ErrNotFound
	}
	return err
}

func (s *kvStore) Subscribe(ctx context.Context, item notifier.ItemID, address string) (bool, error) {
	address = notifier.NormalizeAddress(address)
	data, err := json.Marshal(&notifier.Subscription{
		Item:      item,
		Address:   address,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("marshal subscription: %w", err)
	}
	_, err = s.kv.Create(ctx, pairKey(item, address), data)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create subscription: %w", err)
	}
	return true, nil
}

func (s *kvStore) Unsubscribe(ctx context.Context, item notifier.ItemID, address string) error {
	key := pairKey(item, notifier.NormalizeAddress(address))
	if _, _, err := s.get(ctx, key); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *kvStore) Items(ctx context.Context) ([]notifier.ItemID, error) {
	keys, err := s.listKeys(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[notifier.ItemID]bool)
	for _, key := range keys {
		parts := strings.Split(key, ".")
		if len(parts) != 3 || parts[0] != "sub" {
			continue
		}
		raw, err := hex.DecodeString(parts[1])
		if err != nil || len(raw) == 0 {
			continue
		}
		seen[notifier.ItemID(raw)] = true
	}
	return notifier.SortedItems(seen), nil
}

func (s *kvStore) Close() error {
	s.conn.Close()
	return nil
}
