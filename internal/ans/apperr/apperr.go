// Package apperr defines the ANS error taxonomy and the
// HTTP-status mapping the server layer uses to translate it.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of failure categories the core can raise.
type Kind string

const (
	InvalidName        Kind = "InvalidName"
	SchemaError        Kind = "SchemaError"
	NameMismatch       Kind = "NameMismatch"
	ExtensionInvalid   Kind = "ExtensionInvalid"
	UnsupportedProtocol Kind = "UnsupportedProtocol"
	ReservedName       Kind = "ReservedName"
	InvalidCSR         Kind = "InvalidCSR"
	AlreadyRegistered  Kind = "AlreadyRegistered"
	NotFound           Kind = "NotFound"
	Ambiguous          Kind = "Ambiguous"
	CertificateExpired Kind = "CertificateExpired"
	CertificateRevoked Kind = "CertificateRevoked"
	NotIssuedByThisCA  Kind = "NotIssuedByThisCA"
	SignatureInvalid   Kind = "SignatureInvalid"
	OCSPUnavailable    Kind = "OCSPUnavailable"
	StorageError       Kind = "StorageError"
	InternalError      Kind = "InternalError"
)

// Error wraps a Kind, a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to InternalError when err
// is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return InternalError
}

// HTTPStatus maps a Kind to the HTTP status code the server layer sends.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidName, SchemaError, NameMismatch, ExtensionInvalid,
		UnsupportedProtocol, ReservedName, InvalidCSR:
		return 400
	case AlreadyRegistered:
		return 409
	case Ambiguous:
		return 409
	case CertificateRevoked, CertificateExpired, NotIssuedByThisCA, SignatureInvalid:
		return 401
	case NotFound:
		return 404
	case StorageError, InternalError, OCSPUnavailable:
		return 500
	default:
		return 500
	}
}
