package bencode

import (
	"fmt"
	"unicode/utf8"
)

// DecodeErrorKind distinguishes the ways a decode can fail.
type DecodeErrorKind int

const (
	ErrMalformedPrefix DecodeErrorKind = iota
	ErrMissingTerminator
	ErrMissingColon
	ErrLengthOverrun
	ErrInvalidUTF8
)

func (k DecodeErrorKind) String() string {
	switch k {
	case ErrMalformedPrefix:
		return "malformed prefix"
	case ErrMissingTerminator:
		return "missing terminator"
	case ErrMissingColon:
		return "missing colon after length"
	case ErrLengthOverrun:
		return "string length overruns buffer"
	case ErrInvalidUTF8:
		return "invalid UTF-8 in text field"
	default:
		return "unknown decode error"
	}
}

// DecodeError reports a malformed-input failure at a specific byte offset.
type DecodeError struct {
	Kind   DecodeErrorKind
	Offset int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("bencode: %s at offset %d", e.Kind, e.Offset)
}

// errSentinel lets callers use errors.Is against a DecodeErrorKind regardless of offset.
type errSentinel struct{ kind DecodeErrorKind }

func (e errSentinel) Error() string { return e.kind.String() }

// Is reports whether target is the sentinel for err's Kind, so callers can
// write errors.Is(err, bencode.ErrLengthOverrunSentinel) without caring about
// the offset.
func (e *DecodeError) Is(target error) bool {
	s, ok := target.(errSentinel)
	return ok && s.kind == e.Kind
}

var (
	ErrMalformedPrefixSentinel   = errSentinel{ErrMalformedPrefix}
	ErrMissingTerminatorSentinel = errSentinel{ErrMissingTerminator}
	ErrMissingColonSentinel      = errSentinel{ErrMissingColon}
	ErrLengthOverrunSentinel     = errSentinel{ErrLengthOverrun}
	ErrInvalidUTF8Sentinel       = errSentinel{ErrInvalidUTF8}
)

// ValidateUTF8Text checks a known-text key's value for well-formed UTF-8,
// per the string-vs-bytes policy in §4.1: announce/comment/created
// by/encoding/name are surfaced as text and must validate, while pieces and
// other opaque byte strings never go through this path.
func ValidateUTF8Text(s []byte) error {
	if !utf8.Valid(s) {
		return &DecodeError{Kind: ErrInvalidUTF8}
	}
	return nil
}
