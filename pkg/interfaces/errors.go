package interfaces

import "errors"

// Transport error classes. Implementations wrap these so the library
// can classify failures with errors.Is regardless of the backing
// runtime.
var (
	// ErrPeerFailed signals that one or more peer ranks died during a
	// transport operation.
	ErrPeerFailed = errors.New("restore: peer rank failed during a collective")

	// ErrCommRevoked signals that the communicator was revoked after
	// another rank detected a failure. Update the communicator before
	// communicating again.
	ErrCommRevoked = errors.New("restore: communicator has been revoked")
)
