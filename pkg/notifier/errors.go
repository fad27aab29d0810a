package notifier

import (
	"errors"
	"fmt"
)

// ScrapeError means the availability source could not produce a snapshot.
// It abandons the whole cycle.
type ScrapeError struct {
	Err error
}

func (e *ScrapeError) Error() string { return fmt.Sprintf("scrape: %v", e.Err) }
func (e *ScrapeError) Unwrap() error { return e.Err }

// StoreQueryError is a failed subscriber lookup for one item.
type StoreQueryError struct {
	Err  error
	Item ItemID
}

func (e *StoreQueryError) Error() string {
	return fmt.Sprintf("find subscribers for %s: %v", e.Item, e.Err)
}
func (e *StoreQueryError) Unwrap() error { return e.Err }

// StoreWriteError is a failed acknowledgment write for one pair.
type StoreWriteError struct {
	Err     error
	Item    ItemID
	Address string
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("record notification for %s/%s: %v", e.Item, e.Address, e.Err)
}
func (e *StoreWriteError) Unwrap() error { return e.Err }

// TransportError is a mail transport failure for one whole message.
type TransportError struct {
	Err        error
	Key        string
	Recipients int
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("send %s to %d recipients: %v", e.Key, e.Recipients, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError marks a malformed subscriber address.
type ValidationError struct {
	Address string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid email address %q", e.Address)
}

// IsScrapeError checks if an error is a scrape failure.
func IsScrapeError(err error) bool {
	var target *ScrapeError
	return errors.As(err, &target)
}

// IsTransportError checks if an error is a transport failure.
func IsTransportError(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

// IsValidationError checks if an error is an address validation failure.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
