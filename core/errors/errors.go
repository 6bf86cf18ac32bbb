package errors

import (
	"fmt"
	"strings"
)

// Kind classifies an engine failure so callers can branch on the class of
// error instead of matching message strings.
type Kind uint8

const (
	// KindValidation marks malformed input. Never retried.
	KindValidation Kind = iota + 1
	// KindAuthorization marks a wrong signer or role. Never retried.
	KindAuthorization
	// KindState marks a transition attempted from the wrong state, including
	// stale sequence preconditions. Callers must re-read and decide.
	KindState
	// KindArithmetic marks overflow, underflow or a broken rounding invariant.
	// The transition is aborted with no partial effect.
	KindArithmetic
	// KindTimeout marks an action attempted after a deadline or auction end
	// has already passed.
	KindTimeout
	// KindLedger marks a transient submission or confirmation failure that
	// may be retried with bounded attempts.
	KindLedger
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindArithmetic:
		return "arithmetic"
	case KindTimeout:
		return "timeout"
	case KindLedger:
		return "ledger"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Retryable reports whether the kind is safe to retry without re-reading
// state. Only ledger submission failures qualify.
func (k Kind) Retryable() bool { return k == KindLedger }

// Error is the tagged failure type shared by every engine module. Entity and
// the expected/actual pair are optional context used by clients to drive safe
// retry logic.
type Error struct {
	Kind     Kind
	Module   string
	Entity   string
	Expected string
	Actual   string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Module != "" {
		b.WriteString(e.Module)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	if e.Entity != "" {
		fmt.Fprintf(&b, " (entity %s)", e.Entity)
	}
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&b, " (expected %s, got %s)", e.Expected, e.Actual)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same kind, so sentinel values with only
// a Kind set work with the stdlib errors.Is.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind && (other.Module == "" || other.Module == e.Module)
}

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrAuthorization = &Error{Kind: KindAuthorization}
	ErrState         = &Error{Kind: KindState}
	ErrArithmetic    = &Error{Kind: KindArithmetic}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrLedger        = &Error{Kind: KindLedger}
)

// WithEntity attaches the entity identifier the failure relates to.
func (e *Error) WithEntity(id string) *Error {
	clone := *e
	clone.Entity = id
	return &clone
}

// WithStates records the expected versus observed state or sequence.
func (e *Error) WithStates(expected, actual string) *Error {
	clone := *e
	clone.Expected = expected
	clone.Actual = actual
	return &clone
}

func newf(kind Kind, module, format string, args ...any) *Error {
	return &Error{Kind: kind, Module: module, Msg: fmt.Sprintf(format, args...)}
}

// Validationf builds a validation error scoped to the given module.
func Validationf(module, format string, args ...any) *Error {
	return newf(KindValidation, module, format, args...)
}

// Authorizationf builds an authorization error scoped to the given module.
func Authorizationf(module, format string, args ...any) *Error {
	return newf(KindAuthorization, module, format, args...)
}

// Statef builds a state-transition error scoped to the given module.
func Statef(module, format string, args ...any) *Error {
	return newf(KindState, module, format, args...)
}

// Arithmeticf builds an arithmetic error scoped to the given module.
func Arithmeticf(module, format string, args ...any) *Error {
	return newf(KindArithmetic, module, format, args...)
}

// Timeoutf builds a deadline-crossing error scoped to the given module.
func Timeoutf(module, format string, args ...any) *Error {
	return newf(KindTimeout, module, format, args...)
}

// Ledgerf wraps a transient ledger failure scoped to the given module.
func Ledgerf(module string, err error, format string, args ...any) *Error {
	e := newf(KindLedger, module, format, args...)
	e.Err = err
	return e
}

// KindOf extracts the kind from err, or zero when err is not a tagged error.
func KindOf(err error) Kind {
	var tagged *Error
	if As(err, &tagged) {
		return tagged.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
