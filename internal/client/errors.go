package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/livinlefevreloca/erpbridge/internal/breaker"
)

// Standard errors
var (
	ErrNotFound    = errors.New("client: entity not found")
	ErrSessionLost = errors.New("client: session lost")

	// errAuthLost marks a response that shows the session is no longer valid
	errAuthLost = errors.New("client: authentication lost")
)

// RejectedError is a business-rule rejection from a healthy system.
// It never counts against the circuit breaker.
type RejectedError struct {
	System  string
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s rejected request (%d): %s", e.System, e.Status, e.Message)
	}
	return fmt.Sprintf("%s rejected request: %s", e.System, e.Message)
}

// StatusError is an unexpected HTTP status that indicates the system is unhealthy
type StatusError struct {
	System string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.System, e.Status, e.Body)
}

// IsRejected reports whether err is a business-rule rejection
func IsRejected(err error) bool {
	var r *RejectedError
	return errors.As(err, &r)
}

// IsNotFound reports whether the requested entity does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsSystemic reports whether err means the remote system cannot serve any
// further request right now: the circuit is open or isolated, the session
// cannot be re-established, or the network is unreachable.
func IsSystemic(err error) bool {
	if err == nil {
		return false
	}
	if breaker.IsShortCircuit(err) || errors.Is(err, ErrSessionLost) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
