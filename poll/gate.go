package poll

import "section-notifier/pkg/notifier"

// Pair is one (item, subscriber) combination.
type Pair struct {
	Item    notifier.ItemID
	Address string
}

// Eligible maps each item to the addresses to notify this cycle.
type Eligible map[notifier.ItemID][]string

// Gate decides which subscribers may be notified in window.
// A subscriber is eligible when the address is well formed and the pair has
// no notification at or after the window start. Items left with nobody are
// dropped. Malformed addresses are returned so the caller can report them.
func Gate(resolved map[notifier.ItemID][]notifier.Subscriber, window notifier.Window) (Eligible, []*notifier.ValidationError) {
	eligible := make(Eligible)
	var invalid []*notifier.ValidationError

	for _, item := range notifier.SortedItems(resolved) {
		seen := make(map[string]bool)
		var addrs []string
		for _, sub := range resolved[item] {
			if !notifier.ValidAddress(sub.Address) {
				invalid = append(invalid, &notifier.ValidationError{Address: sub.Address})
				continue
			}
			if window.Notified(sub.LastNotifiedAt) {
				continue
			}
			key := notifier.NormalizeAddress(sub.Address)
			if seen[key] {
				continue
			}
			seen[key] = true
			addrs = append(addrs, sub.Address)
		}
		if len(addrs) > 0 {
			eligible[item] = addrs
		}
	}

	return eligible, invalid
}

// Filter narrows open items to those with eligible subscribers, and the
// eligible map to items that are open.
func Filter(open notifier.CycleResult, eligible Eligible) (notifier.CycleResult, Eligible) {
	result := make(notifier.CycleResult)
	targets := make(Eligible)
	for item, records := range open {
		addrs := eligible[item]
		if len(records) == 0 || len(addrs) == 0 {
			continue
		}
		result[item] = records
		targets[item] = addrs
	}
	return result, targets
}
