// Package notifier contains the core domain types for the course section notification service.
package notifier

import (
	"sort"
	"strings"
	"time"
)

// ItemID names a trackable course, e.g. "CIS*3260".
type ItemID string

// Record is one available offering of an item, as ordered text fields.
type Record []string

// Snapshot maps each polled item to its available offerings.
// An item with no open offerings maps to an empty list or is absent.
type Snapshot map[ItemID][]Record

// CycleResult holds the open items that have at least one eligible subscriber.
type CycleResult map[ItemID][]Record

// Subscriber is one subscription row as returned by a store lookup.
type Subscriber struct {
	Address        string    // Contact email as stored
	LastNotifiedAt time.Time // Zero if never notified
}

// Subscription is the durable record for one (item, address) pair.
type Subscription struct {
	Item      ItemID      `json:"item"`
	Address   string      `json:"address"`
	CreatedAt time.Time   `json:"created_at"`
	History   []time.Time `json:"history"` // Notification timestamps, oldest first
}

// Latest returns the most recent notification timestamp, or zero.
func (s *Subscription) Latest() time.Time {
	var latest time.Time
	for _, t := range s.History {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}

// Notice is one outgoing message covering one or more open items.
type Notice struct {
	Records    map[ItemID][]Record
	Recipients []string
	Items      []ItemID
	Blind      bool // Recipients go in Bcc with the operator as visible recipient
}

// Outcome partitions the recipients of a sent message.
type Outcome struct {
	Accepted []string
	Rejected []string
}

// NormalizeAddress lowercases and trims an email address for comparison.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// NormalizeItem upper-cases and trims an item identifier.
func NormalizeItem(item string) ItemID {
	return ItemID(strings.ToUpper(strings.TrimSpace(item)))
}

// SortedItems returns the keys of m in lexical order.
func SortedItems[V any](m map[ItemID]V) []ItemID {
	items := make([]ItemID, 0, len(m))
	for item := range m {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return items
}

// DispatchMode selects how notices are composed.
type DispatchMode string

const (
	// PerItem sends one message per open item, subscribers in Bcc.
	PerItem DispatchMode = "per-item"
	// PerSubscriber sends one message per subscriber covering all their open items.
	PerSubscriber DispatchMode = "per-subscriber"
)

// Valid reports whether m is a known mode.
func (m DispatchMode) Valid() bool {
	return m == PerItem || m == PerSubscriber
}
