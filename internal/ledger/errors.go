package ledger

import "errors"

var (
	// ErrNotFound indicates no order exists with the given id.
	ErrNotFound = errors.New("order not found")
	// ErrStaleState indicates the persisted state no longer matches the
	// expected one: another transition won the race. Callers re-read and
	// re-evaluate; they never blindly retry the write.
	ErrStaleState = errors.New("order state changed concurrently")
	// ErrInvalidTransition indicates the requested transition is not
	// permitted by the state machine regardless of the stored state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStorageUnavailable indicates the store is unreachable after
	// bounded reconnection. The current cycle must abort; in-memory state
	// is never substituted for durability.
	ErrStorageUnavailable = errors.New("order storage unavailable")
)
