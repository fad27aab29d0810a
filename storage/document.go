package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"section-notifier/pkg/notifier"
)

// document holds every subscription for one item. The file and GCS drivers
// store one document per item.
type document struct {
	Item          notifier.ItemID          `json:"item"`
	Subscriptions []*notifier.Subscription `json:"subscriptions"`
}

const docPrefix = "item-"

// errUnchanged tells a backend to skip the write after a no-op update.
var errUnchanged = errors.New("document unchanged")

// documentKey generates a stable, path-safe name for an item's document.
func documentKey(item notifier.ItemID) string {
	return docPrefix + hex.EncodeToString([]byte(item)) + ".json"
}

// itemFromKey reverses documentKey.
func itemFromKey(key string) (notifier.ItemID, bool) {
	if !strings.HasPrefix(key, docPrefix) || !strings.HasSuffix(key, ".json") {
		return "", false
	}
	raw, err := hex.DecodeString(strings.TrimSuffix(strings.TrimPrefix(key, docPrefix), ".json"))
	if err != nil || len(raw) == 0 {
		return "", false
	}
	return notifier.ItemID(raw), true
}

func (d *document) find(address string) *notifier.Subscription {
	for _, sub := range d.Subscriptions {
		if sub.Address == address {
			return sub
		}
	}
	return nil
}

func (d *document) subscribers() []notifier.Subscriber {
	out := make([]notifier.Subscriber, 0, len(d.Subscriptions))
	for _, sub := range d.Subscriptions {
		out = append(out, notifier.Subscriber{Address: sub.Address, LastNotifiedAt: sub.Latest()})
	}
	return out
}

// backend is a document store with single-document atomic updates.
type backend interface {
	load(ctx context.Context, item notifier.ItemID) (*document, error)
	// update applies fn to the item's document (empty if absent) and writes
	// it back unless fn fails. An empty document is removed. errUnchanged
	// from fn skips the write and is not returned.
	update(ctx context.Context, item notifier.ItemID, fn func(*document) error) error
	keys(ctx context.Context) ([]string, error)
	close() error
}

// docStore implements Store on top of a document backend.
type docStore struct {
	b   backend
	now func() time.Time
}

func (s *docStore) FindSubscribers(ctx context.Context, item notifier.ItemID) ([]notifier.Subscriber, error) {
	doc, err := s.b.load(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", item, err)
	}
	return doc.subscribers(), nil
}

func (s *docStore) RecordNotification(ctx context.Context, item notifier.ItemID, address string, at time.Time) error {
	address = notifier.NormalizeAddress(address)
	return s.b.update(ctx, item, func(doc *document) error {
		sub := doc.find(address)
		if sub == nil {
			return ErrNotFound
		}
		sub.History = append(sub.History, at.UTC())
		return nil
	})
}

func (s *docStore) Subscribe(ctx context.Context, item notifier.ItemID, address string) (bool, error) {
	address = notifier.NormalizeAddress(address)
	var created bool
	err := s.b.update(ctx, item, func(doc *document) error {
		created = false
		if doc.find(address) != nil {
			return errUnchanged
		}
		doc.Subscriptions = append(doc.Subscriptions, &notifier.Subscription{
			Item:      item,
			Address:   address,
			CreatedAt: s.now().UTC(),
		})
		created = true
		return nil
	})
	return created, err
}

func (s *docStore) Unsubscribe(ctx context.Context, item notifier.ItemID, address string) error {
	address = notifier.NormalizeAddress(address)
	return s.b.update(ctx, item, func(doc *document) error {
		for i, sub := range doc.Subscriptions {
			if sub.Address == address {
				doc.Subscriptions = append(doc.Subscriptions[:i], doc.Subscriptions[i+1:]...)
				return nil
			}
		}
		return ErrNotFound
	})
}

func (s *docStore) Items(ctx context.Context) ([]notifier.ItemID, error) {
	keys, err := s.b.keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	var items []notifier.ItemID
	for _, key := range keys {
		if item, ok := itemFromKey(key); ok {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return items, nil
}

func (s *docStore) Close() error {
	return s.b.close()
}
