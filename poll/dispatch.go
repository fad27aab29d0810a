package poll

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"section-notifier/pkg/notifier"
)

// Emailer renders and sends notices.
type Emailer interface {
	SendNotice(ctx context.Context, notice *notifier.Notice) (*notifier.Outcome, error)
}

// Delivery is the result of one submitted message.
type Delivery struct {
	Err      error
	Key      string // Item ID in per-item mode, address in per-subscriber mode
	Items    []notifier.ItemID
	Targets  []string
	Accepted []string
	Rejected []string
}

// Pairs returns every accepted (item, address) combination.
func (d *Delivery) Pairs() []Pair {
	pairs := make([]Pair, 0, len(d.Items)*len(d.Accepted))
	for _, item := range d.Items {
		for _, addr := range d.Accepted {
			pairs = append(pairs, Pair{Item: item, Address: addr})
		}
	}
	return pairs
}

// Dispatcher composes notices and submits them concurrently.
type Dispatcher struct {
	emailer     Emailer
	logger      *slog.Logger
	mode        notifier.DispatchMode
	concurrency int
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(emailer Emailer, mode notifier.DispatchMode, concurrency int, logger *slog.Logger) *Dispatcher {
	if !mode.Valid() {
		mode = notifier.PerItem
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{
		emailer:     emailer,
		logger:      logger,
		mode:        mode,
		concurrency: concurrency,
	}
}

// Dispatch sends one notice per item or per subscriber and waits for all of them.
// A failed message is recorded on its Delivery and never stops the others.
func (d *Dispatcher) Dispatch(ctx context.Context, result notifier.CycleResult, targets Eligible) []*Delivery {
	notices, keys := d.compose(result, targets)
	deliveries := make([]*Delivery, len(notices))

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, notice := range notices {
		g.Go(func() error {
			deliveries[i] = d.send(ctx, keys[i], notice)
			return nil
		})
	}
	_ = g.Wait()

	return deliveries
}

func (d *Dispatcher) compose(result notifier.CycleResult, targets Eligible) ([]*notifier.Notice, []string) {
	var notices []*notifier.Notice
	var keys []string

	if d.mode == notifier.PerItem {
		for _, item := range notifier.SortedItems(result) {
			addrs := targets[item]
			if len(addrs) == 0 || len(result[item]) == 0 {
				continue
			}
			notices = append(notices, &notifier.Notice{
				Items:      []notifier.ItemID{item},
				Records:    map[notifier.ItemID][]notifier.Record{item: result[item]},
				Recipients: addrs,
				Blind:      true,
			})
			keys = append(keys, string(item))
		}
		return notices, keys
	}

	// Per subscriber: gather each address's open items in item order.
	byAddr := make(map[string]*notifier.Notice)
	var order []string
	for _, item := range notifier.SortedItems(result) {
		if len(result[item]) == 0 {
			continue
		}
		for _, addr := range targets[item] {
			key := notifier.NormalizeAddress(addr)
			notice, ok := byAddr[key]
			if !ok {
				notice = &notifier.Notice{
					Records:    make(map[notifier.ItemID][]notifier.Record),
					Recipients: []string{addr},
				}
				byAddr[key] = notice
				order = append(order, key)
			}
			notice.Items = append(notice.Items, item)
			notice.Records[item] = result[item]
		}
	}
	for _, key := range order {
		notices = append(notices, byAddr[key])
		keys = append(keys, key)
	}
	return notices, keys
}

func (d *Dispatcher) send(ctx context.Context, key string, notice *notifier.Notice) *Delivery {
	delivery := &Delivery{
		Key:     key,
		Items:   notice.Items,
		Targets: notice.Recipients,
	}

	outcome, err := d.emailer.SendNotice(ctx, notice)
	if err != nil {
		delivery.Err = &notifier.TransportError{Key: key, Recipients: len(notice.Recipients), Err: err}
		delivery.Rejected = notice.Recipients
		d.logger.Warn("Notification send failed, will retry next cycle",
			"key", key,
			"recipient_count", len(notice.Recipients),
			"error", err)
		return delivery
	}

	delivery.Accepted, delivery.Rejected = d.partition(notice.Recipients, outcome)
	d.logger.Info("Notification sent",
		"key", key,
		"items", len(notice.Items),
		"accepted", len(delivery.Accepted),
		"rejected", len(delivery.Rejected))
	return delivery
}

// partition maps transport results back onto the target addresses. Only
// targets are considered, so an operator echo in the outcome is ignored unless
// the operator is itself a subscriber. Targets the transport did not mention
// are treated as rejected.
func (d *Dispatcher) partition(targets []string, outcome *notifier.Outcome) (accepted, rejected []string) {
	ok := make(map[string]bool)
	if outcome != nil {
		for _, addr := range outcome.Accepted {
			ok[notifier.NormalizeAddress(addr)] = true
		}
	}

	for _, addr := range targets {
		if ok[notifier.NormalizeAddress(addr)] {
			accepted = append(accepted, addr)
		} else {
			rejected = append(rejected, addr)
		}
	}
	return accepted, rejected
}
