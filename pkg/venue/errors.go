package venue

import (
	"errors"
	"fmt"
)

// TransportError is a transient network/session failure. The dispatch
// worker retries these with backoff; order state is left untouched.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("venue transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectError is a hard venue-level refusal. Terminal: the order moves to
// REJECTED and the event is not retried.
type RejectError struct {
	OrderRef string
	Reason   string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("venue rejected order %s: %s", e.OrderRef, e.Reason)
}

// IsTransport reports whether err is a transient transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// AsReject extracts a venue rejection from err, if present.
func AsReject(err error) (*RejectError, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
