package scraper

import (
	"context"

	"section-notifier/pkg/notifier"
)

// Static serves a fixed snapshot. Used for local development and tests.
type Static struct {
	snapshot notifier.Snapshot
}

// NewStatic builds a source from raw record blocks per item; each block is
// parsed with ParseRecord.
func NewStatic(raw map[string][]string) *Static {
	snapshot := make(notifier.Snapshot, len(raw))
	for item, blocks := range raw {
		id := notifier.NormalizeItem(item)
		records := make([]notifier.Record, 0, len(blocks))
		for _, b := range blocks {
			if rec := ParseRecord(b); len(rec) > 0 {
				records = append(records, rec)
			}
		}
		snapshot[id] = records
	}
	return &Static{snapshot: snapshot}
}

// FetchAvailability returns the configured records for the requested items.
func (s *Static) FetchAvailability(_ context.Context, items []notifier.ItemID) (notifier.Snapshot, error) {
	out := make(notifier.Snapshot, len(items))
	for _, item := range items {
		out[item] = s.snapshot[item]
	}
	return out, nil
}
