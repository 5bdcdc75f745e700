package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors forming the taxonomy every venue adapter maps its native
// failures onto. Components above the adapter boundary match with errors.Is
// and never inspect venue payloads.
var (
	// ErrVenueUnavailable wraps transport failures after retries are exhausted.
	ErrVenueUnavailable = errors.New("exchange: venue unavailable")
	// ErrUnauthorized covers authentication and signature failures. Never retried.
	ErrUnauthorized = errors.New("exchange: unauthorized")
	// ErrPriceUnavailable indicates an unusable BBO (crossed or non-positive).
	ErrPriceUnavailable = errors.New("exchange: price unavailable")
	// ErrBelowMinNotional indicates an order below the venue's minimum notional.
	ErrBelowMinNotional = errors.New("exchange: below minimum notional")
	// ErrPostOnlyRejected indicates a post-only order that would have crossed.
	ErrPostOnlyRejected = errors.New("exchange: post-only order would cross")
	// ErrInsufficientMargin indicates the venue rejected for lack of margin. Never retried.
	ErrInsufficientMargin = errors.New("exchange: insufficient margin")
	// ErrReduceOnlyNoPosition indicates a reduce-only order with no position to reduce.
	ErrReduceOnlyNoPosition = errors.New("exchange: reduce-only with no open position")
	// ErrOrderNotFound indicates the venue does not know the order id.
	ErrOrderNotFound = errors.New("exchange: order not found")
	// ErrSymbolNotFound indicates the venue does not list the symbol.
	ErrSymbolNotFound = errors.New("exchange: symbol not found")
)

// TransportError marks a transient network or server-side failure that the
// retry layer may attempt again.
type TransportError struct {
	Venue string
	Op    string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Venue, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err as a retryable transport failure.
func NewTransportError(venue, op string, err error) error {
	return &TransportError{Venue: venue, Op: op, Err: err}
}

// IsTransient reports whether the error is worth retrying: transport errors,
// timeouts and 5xx-class failures. Authentication, margin and market errors
// are permanent for the current operation.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
