// Package bferr defines the single signed error-domain taxonomy used
// throughout the core, per the error handling design: operations
// return a bferr.Error (or wrap one with pkg/errors context) instead
// of panicking or leaking partial state.
package bferr

import "github.com/pkg/errors"

// Kind enumerates the error taxonomy. Zero value is Success.
type Kind int

const (
	Success Kind = iota
	InvalidArgument
	InvalidFile
	InvalidIndex
	InvalidSignature
	UnsupportedFile
	LoaderFull
	NoSuchSymbol
	UnsupportedRelocation
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case InvalidArgument:
		return "invalid_argument"
	case InvalidFile:
		return "invalid_file"
	case InvalidIndex:
		return "invalid_index"
	case InvalidSignature:
		return "invalid_signature"
	case UnsupportedFile:
		return "unsupported_file"
	case LoaderFull:
		return "loader_full"
	case NoSuchSymbol:
		return "no_such_symbol"
	case UnsupportedRelocation:
		return "unsupported_relocation"
	default:
		return "unknown"
	}
}

// Error is the core's single error type. It carries a Kind so callers
// can programmatically branch (e.g. the hypercall dispatcher maps Kind
// to a status word) plus a human-readable message for the debug ring.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Msg
}

// New constructs an *Error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf is New with pkg/errors-style wrapping context attached, used at
// the hypercall-dispatcher boundary where a lower-level failure needs
// a note about which hypercall triggered it.
func Newf(kind Kind, wrapped error, msg string) error {
	return errors.Wrap(&Error{Kind: kind, Msg: msg}, wrapped.Error())
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error,
// otherwise reports InvalidArgument as a conservative default — the
// dispatcher never forwards an un-typed error to an extension.
func KindOf(err error) Kind {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InvalidArgument
}

// Is reports whether err is a bferr of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
