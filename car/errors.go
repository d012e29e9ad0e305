package car

import (
	"errors"
	"fmt"
)

var (
	// ErrFormat is the root of every container parse failure.
	ErrFormat        = errors.New("invalid CAR format")
	ErrBlockNotFound = errors.New("block not found")
	ErrCorruptBlock  = errors.New("corrupt block")

	// ErrUnsupportedCodec is returned by Put for a codec outside Codecs.
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// FormatError describes why a container could not be parsed. A container that
// fails to parse is not usable at all.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid CAR format: %s", e.Reason)
}

func (e *FormatError) Unwrap() error {
	return ErrFormat
}

func formatErrorf(format string, args ...any) error {
	return &FormatError{Reason: fmt.Sprintf(format, args...)}
}
