package poll

import "section-notifier/pkg/notifier"

// Extract keeps only the items that have at least one available record.
func Extract(snapshot notifier.Snapshot) notifier.CycleResult {
	open := make(notifier.CycleResult)
	for item, records := range snapshot {
		if len(records) == 0 {
			continue
		}
		open[item] = records
	}
	return open
}
