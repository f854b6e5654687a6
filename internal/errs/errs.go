// Package errs defines the single error taxonomy shared across every
// MerkleKV subsystem, mirroring the teacher's single-type APIError idiom
// (internal/client/client.go) generalized from "one HTTP client" to "every
// subsystem in the node".
package errs

import "fmt"

// Kind is the behavioral error category. Kinds are stable across the whole
// engine; nothing downstream should type-switch on anything finer-grained.
type Kind int

const (
	KindValidation Kind = iota
	KindSizeLimit
	KindAuthz
	KindTimeout
	KindNotFound
	KindTransport
	KindRateLimited
	KindPayloadTooLarge
	KindBackpressure
	KindCancelled
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSizeLimit:
		return "size_limit"
	case KindAuthz:
		return "authz"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	case KindTransport:
		return "transport"
	case KindRateLimited:
		return "rate_limited"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindBackpressure:
		return "backpressure"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// Stable numeric error codes exposed over the wire (§6).
const (
	CodeValidation      = 100
	CodeSizeLimit       = 200
	CodeAuthzCommand    = 300
	CodeAuthzReplicate  = 301
	CodeTimeout         = 400
	CodeNotFound        = 500
	CodeTransport       = 600
	CodeRateLimited     = 700
	CodePayloadTooLarge = 800
	CodeInternal        = 900
)

// Error is the one error type every MerkleKV component returns.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (code %d): %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (code %d): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, errs.ErrNotFound) style sentinel-free comparisons
// by Kind rather than identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, code int, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code int, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

func Validation(msg string) *Error      { return New(KindValidation, CodeValidation, msg) }
func SizeLimit(msg string) *Error       { return New(KindSizeLimit, CodeSizeLimit, msg) }
func AuthzCommand(msg string) *Error    { return New(KindAuthz, CodeAuthzCommand, msg) }
func AuthzReplication(msg string) *Error {
	return New(KindAuthz, CodeAuthzReplicate, msg)
}
func Timeout(msg string) *Error         { return New(KindTimeout, CodeTimeout, msg) }
func NotFound(msg string) *Error        { return New(KindNotFound, CodeNotFound, msg) }
func Transport(msg string, cause error) *Error {
	return Wrap(KindTransport, CodeTransport, msg, cause)
}
func RateLimited(msg string) *Error     { return New(KindRateLimited, CodeRateLimited, msg) }
func PayloadTooLarge(msg string) *Error { return New(KindPayloadTooLarge, CodePayloadTooLarge, msg) }
func Backpressure(msg string) *Error    { return New(KindBackpressure, CodeInternal, msg) }
func Cancelled(msg string) *Error       { return New(KindCancelled, CodeInternal, msg) }
func Internal(msg string, cause error) *Error {
	return Wrap(KindInternal, CodeInternal, msg, cause)
}

// Sentinels for errors.Is comparisons by Kind only (Code/Message ignored).
var (
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrCancelled    = &Error{Kind: KindCancelled}
	ErrBackpressure = &Error{Kind: KindBackpressure}
)
