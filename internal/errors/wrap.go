package errors

import stderrors "errors"

// Re-exported stdlib helpers so callers importing this package do not also
// need the standard errors package.

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func NewSentinel(text string) error { return stderrors.New(text) }
