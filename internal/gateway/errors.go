package gateway

import (
	"errors"
	"fmt"

	"trading-breakout/internal/slot"
)

var (
	// ErrSlotExhausted is returned by Submit when no session slot is free.
	// Non-fatal: retry on a later cycle.
	ErrSlotExhausted = slot.ErrExhausted

	// ErrTimeout is delivered when no event arrives for a request within the bound.
	ErrTimeout = errors.New("gateway: request timed out")

	// ErrGatewayClosed is returned for new and in-flight requests after Close.
	ErrGatewayClosed = errors.New("gateway: closed")

	// ErrDuplicateRequest is returned when the correlation id is already in flight.
	ErrDuplicateRequest = errors.New("gateway: duplicate correlation id")
)

// TransportError is a failure reported by the broker on a response event.
// It is surfaced to the caller as is; the gateway never retries.
type TransportError struct {
	Op            OpKind
	CorrelationID string
	Code          string
	Message       string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway: %s %s: broker error %s: %s", e.Op, e.CorrelationID, e.Code, e.Message)
}

// IsTransient reports whether err is a failure a caller may retry next cycle
// without operator attention (slot exhaustion, timeout).
func IsTransient(err error) bool {
	return errors.Is(err, ErrSlotExhausted) || errors.Is(err, ErrTimeout)
}
