// Package nfcerror defines the single error type returned by reader operations.
//
// Every failure carries a Kind (which operation failed), a Code (why), an
// optional status word and an optional cause. Callers match on Kind and Code
// with errors.Is against a template error, or extract the value with errors.As.
package nfcerror

import (
	"errors"
	"fmt"
)

// Kind identifies the operation that failed.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnect
	KindDisconnect
	KindTransmit
	KindControl
	KindProtocol
	KindAuthentication
	KindLoadAuthenticationKey
	KindRead
	KindWrite
	KindGetUID
	KindSelect
)

var kindNames = map[Kind]string{
	KindUnknown:               "unknown",
	KindConnect:               "connect",
	KindDisconnect:            "disconnect",
	KindTransmit:              "transmit",
	KindControl:               "control",
	KindProtocol:              "protocol",
	KindAuthentication:        "authentication",
	KindLoadAuthenticationKey: "load_authentication_key",
	KindRead:                  "read",
	KindWrite:                 "write",
	KindGetUID:                "get_uid",
	KindSelect:                "select",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error codes.
const (
	CodeUnknown                  = "unknown_error"
	CodeFailure                  = "failure"
	CodeCardNotConnected         = "card_not_connected"
	CodeOperationFailed          = "operation_failed"
	CodeNotConnected             = "not_connected"
	CodeInvalidMode              = "invalid_mode"
	CodeInvalidKeyNumber         = "invalid_key_number"
	CodeInvalidKey               = "invalid_key"
	CodeInvalidDataLength        = "invalid_data_length"
	CodeInvalidResponse          = "invalid_response"
	CodeResponseTooShort         = "response_too_short"
	CodeUnexpectedResponseLength = "unexpected_response_length"
	CodeUnexpectedResponse       = "unexpected_response"
	CodeRndADiffers              = "rnd_a_differs"
	CodeAIDNotSet                = "aid_not_set"
	CodeAIDNotFound              = "aid_not_found"
	CodeReaderClosed             = "reader_closed"
	CodePayloadTooLong           = "payload_too_long"
	CodeInvalidArgument          = "invalid_argument"
)

// Error is the tagged error used across the reader engine.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// SW is the status word reported by the card, zero when not applicable.
	SW    uint16
	Cause error
}

// New returns an error of the given kind and code.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf is New with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind caused by err. A nil err yields nil.
func Wrap(kind Kind, code, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Message: message, Cause: err}
}

// Status returns an operation_failed error carrying the status word.
func Status(kind Kind, sw uint16, message string) *Error {
	return &Error{
		Kind:    kind,
		Code:    CodeOperationFailed,
		Message: fmt.Sprintf("%s: status code 0x%04x", message, sw),
		SW:      sw,
	}
}

func (e *Error) Error() string {
	msg := e.Kind.String() + ": " + e.code()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) code() string {
	if e.Code == "" {
		return CodeUnknown
	}
	return e.Code
}

// KindName and CodeName expose the tags to reporters that do not import this package.
func (e *Error) KindName() string { return e.Kind.String() }
func (e *Error) CodeName() string { return e.code() }

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind and Code.
// A zero Kind or empty Code in target matches any value.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != KindUnknown && t.Kind != e.Kind {
		return false
	}
	if t.Code != "" && t.Code != e.code() {
		return false
	}
	return true
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the Code of the first *Error in err's chain, or "" when there is none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.code()
	}
	return ""
}

// HasCode reports whether any *Error in err's chain has the given code.
func HasCode(err error, code string) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.code() == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
