package errors

import stderrors "errors"

// Thin forwards to the standard library so callers importing this package do
// not need a second errors import.

func New(text string) error { return stderrors.New(text) }

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
