package chord

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRemote is returned when an operation needs the network but no remote client is set
	ErrNoRemote = errors.New("remote client not set")

	// ErrNilIntroducer is returned by Join when no introducer is given
	ErrNilIntroducer = errors.New("introducer cannot be nil")

	// ErrNoSuccessor is returned when a peer answers a lookup with an absent node
	ErrNoSuccessor = errors.New("peer returned no successor")

	// ErrInvalidID is returned for a missing or malformed identifier
	ErrInvalidID = errors.New("invalid identifier")
)

// CommunicationError reports that a peer could not be reached, timed out,
// or answered with something unusable. It is the only failure the
// maintenance protocols react to.
type CommunicationError struct {
	Addr   string // Peer address
	Method string // RPC method name
	Err    error  // Underlying cause
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("%s on %s failed: %v", e.Method, e.Addr, e.Err)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// NewCommunicationError wraps err as a CommunicationError.
func NewCommunicationError(addr, method string, err error) *CommunicationError {
	return &CommunicationError{Addr: addr, Method: method, Err: err}
}

// IsCommunicationError reports whether err carries a CommunicationError.
func IsCommunicationError(err error) bool {
	var ce *CommunicationError
	return errors.As(err, &ce)
}
