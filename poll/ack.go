package poll

import (
	"context"
	"log/slog"
	"time"

	"section-notifier/pkg/notifier"
)

// Recorder persists a notification timestamp for one pair.
type Recorder interface {
	RecordNotification(ctx context.Context, item notifier.ItemID, address string, at time.Time) error
}

// AckReport summarizes the acknowledgment stage.
type AckReport struct {
	Failures []*notifier.StoreWriteError
	Written  int
}

// Acknowledger records accepted deliveries so the same window does not notify twice.
type Acknowledger struct {
	recorder Recorder
	logger   *slog.Logger
}

// NewAcknowledger creates an acknowledgment writer.
func NewAcknowledger(recorder Recorder, logger *slog.Logger) *Acknowledger {
	return &Acknowledger{recorder: recorder, logger: logger}
}

// Acknowledge writes the window start for every accepted pair. The window
// start, not the send time, is written so eligibility stays stable for the
// rest of the day. A failed write leaves the pair eligible next cycle.
func (a *Acknowledger) Acknowledge(ctx context.Context, deliveries []*Delivery, window notifier.Window) *AckReport {
	report := &AckReport{}
	done := make(map[Pair]bool)

	for _, d := range deliveries {
		if d == nil {
			continue
		}
		for _, pair := range d.Pairs() {
			key := Pair{Item: pair.Item, Address: notifier.NormalizeAddress(pair.Address)}
			if done[key] {
				continue
			}
			done[key] = true

			if err := a.recorder.RecordNotification(ctx, pair.Item, pair.Address, window.Start); err != nil {
				werr := &notifier.StoreWriteError{Item: pair.Item, Address: pair.Address, Err: err}
				report.Failures = append(report.Failures, werr)
				a.logger.Warn("Failed to record notification, pair may be notified again",
					"item", pair.Item,
					"address", pair.Address,
					"error", err)
				continue
			}
			report.Written++
		}
	}

	return report
}
