package model

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig reports an invalid configuration or weight set, detected at
	// construction time.
	ErrConfig = errors.New("invalid model config")
	// ErrInput reports caller-supplied input that does not fit the model,
	// detected before any computation or cache mutation.
	ErrInput = errors.New("invalid model input")
)

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func inputErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInput, fmt.Sprintf(format, args...))
}
