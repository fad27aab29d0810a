package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"section-notifier/pkg/notifier"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSource struct {
	snapshot notifier.Snapshot
	err      error
	calls    int
}

func (f *fakeSource) FetchAvailability(_ context.Context, _ []notifier.ItemID) (notifier.Snapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot, nil
}

type pairKey struct {
	item notifier.ItemID
	addr string
}

type fakeStore struct {
	mu         sync.Mutex
	subs       map[notifier.ItemID][]string
	history    map[pairKey][]time.Time
	failQuery  map[notifier.ItemID]bool
	failWrite  map[string]bool
	recordedAt map[pairKey][]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subs:       make(map[notifier.ItemID][]string),
		history:    make(map[pairKey][]time.Time),
		failQuery:  make(map[notifier.ItemID]bool),
		failWrite:  make(map[string]bool),
		recordedAt: make(map[pairKey][]time.Time),
	}
}

func (f *fakeStore) subscribe(item notifier.ItemID, addr string, history ...time.Time) {
	f.subs[item] = append(f.subs[item], addr)
	if len(history) > 0 {
		f.history[pairKey{item, addr}] = history
	}
}

func (f *fakeStore) FindSubscribers(_ context.Context, item notifier.ItemID) ([]notifier.Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failQuery[item] {
		return nil, errors.New("query timeout")
	}
	var out []notifier.Subscriber
	for _, addr := range f.subs[item] {
		sub := notifier.Subscription{Item: item, Address: addr, History: f.history[pairKey{item, addr}]}
		out = append(out, notifier.Subscriber{Address: addr, LastNotifiedAt: sub.Latest()})
	}
	return out, nil
}

func (f *fakeStore) RecordNotification(_ context.Context, item notifier.ItemID, addr string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pairKey{item, addr}
	f.recordedAt[key] = append(f.recordedAt[key], at)
	if f.failWrite[addr] {
		return errors.New("write conflict")
	}
	f.history[key] = append(f.history[key], at)
	return nil
}

func (f *fakeStore) Items(_ context.Context) ([]notifier.ItemID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return notifier.SortedItems(f.subs), nil
}

func (f *fakeStore) records(item notifier.ItemID, addr string) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recordedAt[pairKey{item, addr}]
}

type fakeEmailer struct {
	mu       sync.Mutex
	reject   map[string]bool
	fail     map[notifier.ItemID]bool
	operator string
	notices  []*notifier.Notice
}

func newFakeEmailer(operator string) *fakeEmailer {
	return &fakeEmailer{reject: make(map[string]bool), fail: make(map[notifier.ItemID]bool), operator: operator}
}

func (f *fakeEmailer) SendNotice(_ context.Context, n *notifier.Notice) (*notifier.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
	for _, item := range n.Items {
		if f.fail[item] {
			return nil, errors.New("connection reset")
		}
	}
	out := &notifier.Outcome{Accepted: []string{f.operator}}
	for _, addr := range n.Recipients {
		if f.reject[addr] {
			out.Rejected = append(out.Rejected, addr)
		} else {
			out.Accepted = append(out.Accepted, addr)
		}
	}
	return out, nil
}

func (f *fakeEmailer) sent() []*notifier.Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]*notifier.Notice(nil), f.notices...)
	sort.Slice(out, func(i, j int) bool { return out[i].Items[0] < out[j].Items[0] })
	return out
}

func (f *fakeEmailer) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = nil
}
