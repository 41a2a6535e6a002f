package breaker

import "errors"

// permanentError marks a failure that must not count against the circuit,
// such as a business-rule rejection from a healthy dependency.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent wraps err so the breaker treats the call as a healthy response
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsShortCircuit reports whether err came from the breaker rather than the dependency
func IsShortCircuit(err error) bool {
	return errors.Is(err, ErrOpen) || errors.Is(err, ErrIsolated)
}
