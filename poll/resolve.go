package poll

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"section-notifier/pkg/notifier"
)

// Finder looks up the subscribers of one item.
type Finder interface {
	FindSubscribers(ctx context.Context, item notifier.ItemID) ([]notifier.Subscriber, error)
}

// Resolution is the raw store view for the open items of one cycle.
type Resolution struct {
	Subscribers map[notifier.ItemID][]notifier.Subscriber
	Failures    []*notifier.StoreQueryError
}

// Resolver queries the store for every open item, one lookup per item.
type Resolver struct {
	finder      Finder
	logger      *slog.Logger
	concurrency int
}

// NewResolver creates a resolver issuing at most concurrency lookups at once.
func NewResolver(finder Finder, concurrency int, logger *slog.Logger) *Resolver {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Resolver{finder: finder, concurrency: concurrency, logger: logger}
}

// Resolve returns every subscriber of every item, eligible or not.
// A failed lookup leaves that item with no subscribers and is reported in Failures.
func (r *Resolver) Resolve(ctx context.Context, items []notifier.ItemID) *Resolution {
	res := &Resolution{Subscribers: make(map[notifier.ItemID][]notifier.Subscriber, len(items))}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.concurrency)

	for _, item := range items {
		g.Go(func() error {
			subs, err := r.finder.FindSubscribers(ctx, item)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("Subscriber lookup failed, skipping item this cycle", "item", item, "error", err)
				res.Failures = append(res.Failures, &notifier.StoreQueryError{Item: item, Err: err})
				return nil
			}
			r.logger.Debug("Subscribers resolved", "item", item, "count", len(subs))
			res.Subscribers[item] = subs
			return nil
		})
	}
	_ = g.Wait() // lookups never return errors, failures are collected

	return res
}
