// Package overlayerr provides the small error-wrapping helpers used across the overlay core.
package overlayerr

import "fmt"

// New creates a plain error with msg.
func New(msg string) error {
	return fmt.Errorf("%s", msg)
}

// Wrap attaches additional context to err, preserving it for errors.Is/As.
func Wrap(err error, msg string) error {
	if err == nil {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Timeout builds a standard timeout error for operation.
func Timeout(operation string) error {
	return fmt.Errorf("%s: operation timed out", operation)
}
