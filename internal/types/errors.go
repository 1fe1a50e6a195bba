package types

import "github.com/cockroachdb/errors"

// Error kinds. Component errors are marked with one of these so callers can
// classify them with errors.Is regardless of the wrapping context.
var (
	ErrFetch                   = errors.New("fetch failure")
	ErrCorruptArchive          = errors.New("corrupt archive")
	ErrMalformedPE             = errors.New("malformed PE image")
	ErrUnsupportedKernelFormat = errors.New("unsupported kernel format")
	ErrHeaderTooSmall          = errors.New("PE header too small")
	ErrIO                      = errors.New("i/o error")
	ErrSerialization           = errors.New("serialization error")
	ErrMissingInput            = errors.New("missing input")
	ErrConfig                  = errors.New("invalid configuration")
)

// IOError marks err as ErrIO with the given context.
func IOError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrIO)
}

// Kind returns the error kind err was marked with, or nil.
func Kind(err error) error {
	for _, kind := range []error{
		ErrFetch, ErrCorruptArchive, ErrMalformedPE, ErrUnsupportedKernelFormat,
		ErrHeaderTooSmall, ErrIO, ErrSerialization, ErrMissingInput, ErrConfig,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// MissingInput marks err as ErrMissingInput with the given context.
func MissingInput(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrMissingInput)
}
