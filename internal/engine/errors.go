package engine

import (
	"errors"
	"fmt"
)

// ErrInvalidInput marks caller mistakes that were rejected before any write.
var ErrInvalidInput = errors.New("engine: invalid input")

var (
	ErrInvalidMode   = fmt.Errorf("%w: mode", ErrInvalidInput)
	ErrInvalidAction = fmt.Errorf("%w: action", ErrInvalidInput)
	ErrInvalidHandle = fmt.Errorf("%w: handle", ErrInvalidInput)
)

func requireID(name, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s required", ErrInvalidInput, name)
	}
	return nil
}
