package oms

import "errors"

var (
	// ErrNotFound means the order id is unknown.
	ErrNotFound = errors.New("order not found")
	// ErrTerminalState means a mutation was attempted on an order that
	// already reached FILLED, CANCELLED, or REJECTED.
	ErrTerminalState = errors.New("order is in a terminal state")
	// ErrOverfill means applying the fill would push cumQty above qty.
	ErrOverfill = errors.New("fill exceeds order quantity")
	// ErrInvalidFill means the fill quantity or price is not positive.
	ErrInvalidFill = errors.New("invalid fill quantity or price")
	// ErrConflict means concurrent mutations kept invalidating the
	// order version and the retry budget ran out.
	ErrConflict = errors.New("order version conflict")
)
