package worker

import (
	"context"
	"errors"
	"net"
)

var (
	ErrInvalidTransition = errors.New("worker: invalid lifecycle transition")
	ErrRedundant         = errors.New("worker: worker is redundant")
	ErrBodyTooLarge      = errors.New("worker: response body too large")
	ErrUnknownMessage    = errors.New("worker: unknown message type")
	// ErrOffline marks a fetch that never reached the network.
	ErrOffline = errors.New("worker: network unreachable")
)

// ErrorKind classifies a failed fetch for diagnostics.
type ErrorKind string

const (
	ErrorNetwork ErrorKind = "network"
	ErrorTimeout ErrorKind = "timeout"
	ErrorUnknown ErrorKind = "unknown"
)

// Classify maps a fetch error to its kind. Aborts and deadlines are
// timeouts; transport failures are network errors.
func Classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorTimeout
	}
	if errors.Is(err, ErrOffline) {
		return ErrorNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ErrorTimeout
		}
		return ErrorNetwork
	}
	return ErrorUnknown
}
