// Package errs defines the closed error taxonomy shared by every engine
// component. Errors carry a stable code, a human-readable message, and a
// structured context map; sensitive material is redacted before the error
// is rendered anywhere.
package errs

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Code classifies an error. The set is closed; callers switch on codes
// rather than matching message text.
type Code string

const (
	AlreadyInitialized Code = "AlreadyInitialized"
	NotInitialized     Code = "NotInitialized"
	ConfigInvalid      Code = "ConfigInvalid"
	CredentialsMissing Code = "CredentialsMissing"

	ManifestNotFound        Code = "ManifestNotFound"
	ManifestInvalidSchema   Code = "ManifestInvalidSchema"
	ManifestUnknownStrategy Code = "ManifestUnknownStrategy"
	ManifestWriteFailed     Code = "ManifestWriteFailed"

	ComponentNotFound         Code = "ComponentNotFound"
	ComponentInterfaceInvalid Code = "ComponentInterfaceInvalid"
	ComponentTypeMismatch     Code = "ComponentTypeMismatch"
	ComponentVersionExists    Code = "ComponentVersionExists"

	StrategyNotFound         Code = "StrategyNotFound"
	StrategyInactive         Code = "StrategyInactive"
	StrategyValidationFailed Code = "StrategyValidationFailed"
	ConfigValidationFailed   Code = "ConfigValidationFailed"
	ForkParentNotFound       Code = "ForkParentNotFound"
	ForkParentInactive       Code = "ForkParentInactive"

	ComponentExecutionFailed Code = "ComponentExecutionFailed"
	ComponentOutputInvalid   Code = "ComponentOutputInvalid"

	UpgradeValidationFailed Code = "UpgradeValidationFailed"

	DatabaseTransient Code = "DatabaseTransient"
	DatabaseFatal     Code = "DatabaseFatal"

	FeedDisconnected Code = "FeedDisconnected"
	FeedStale        Code = "FeedStale"

	OrderRejected Code = "OrderRejected"
	OrderTimeout  Code = "OrderTimeout"

	SafetyTripped Code = "SafetyTripped"
)

// E is a classified error. Message and Context pass through Redact before
// rendering, so wrapping raw upstream errors is safe.
type E struct {
	Code    Code
	Message string
	Context map[string]any
	Err     error
}

// New returns a classified error with the given code and message.
func New(code Code, message string) *E {
	return &E{Code: code, Message: message}
}

// Newf returns a classified error with a formatted message.
func Newf(code Code, format string, args ...any) *E {
	return &E{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The cause remains reachable
// through errors.Unwrap.
func Wrap(code Code, err error, message string) *E {
	return &E{Code: code, Message: message, Err: err}
}

// With attaches a context key/value pair and returns the error for
// chaining. Values are redacted when stringified.
func (e *E) With(key string, value any) *E {
	if e.Context == nil {
		e.Context = make(map[string]any, 4)
	}
	e.Context[key] = value
	return e
}

func (e *E) Error() string {
	msg := Redact(e.Message)
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, msg, Redact(e.Err.Error()))
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *E) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *E with the same code, which lets
// callers use errors.Is(err, errs.New(errs.OrderTimeout, "")).
func (e *E) Is(target error) bool {
	var t *E
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// MarshalZerologObject emits the code and context as structured fields.
func (e *E) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("code", string(e.Code))
	ev.Str("message", Redact(e.Message))
	for k, v := range e.Context {
		ev.Str(k, Redact(fmt.Sprintf("%v", v)))
	}
	if e.Err != nil {
		ev.Str("cause", Redact(e.Err.Error()))
	}
}

// CodeOf walks the error chain and returns the first classified code,
// or the empty code when the chain carries none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether the chain contains an error with the code.
func HasCode(err error, code Code) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
