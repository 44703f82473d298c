package transport

import (
	"errors"
	"fmt"
)

// ErrTransient and ErrPermanent classify send handoff failures. A permanent
// error fails the job immediately regardless of remaining attempts; anything
// else counts as one failed attempt.
var (
	ErrTransient = errors.New("transient transport error")
	ErrPermanent = errors.New("permanent transport error")
)

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}
