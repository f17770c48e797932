// Package ddmerrors provides the structured error taxonomy shared across
// the identifier, policy, runner, asset and registry packages.
package ddmerrors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code names one of the error kinds a ddm component can raise.
type Code string

const (
	MalformedId      Code = "MALFORMED_ID"
	UnknownSite      Code = "UNKNOWN_SITE"
	UnknownParty     Code = "UNKNOWN_PARTY"
	UnknownNamespace Code = "UNKNOWN_NAMESPACE"
	AccessDenied     Code = "ACCESS_DENIED"
	IllegalJob       Code = "ILLEGAL_JOB"
	InvalidPlan      Code = "INVALID_PLAN"
	NotYetAvailable  Code = "NOT_YET_AVAILABLE"
	DuplicateAsset   Code = "DUPLICATE_ASSET"
	PolicyConflict   Code = "POLICY_CONFLICT"
	MalformedRule    Code = "MALFORMED_RULE"
	UndefinedItem    Code = "UNDEFINED_ITEM"
	NotLocatable     Code = "NOT_LOCATABLE"
	NotNamespaced    Code = "NOT_NAMESPACED"
	NotFound         Code = "NOT_FOUND"
	Transport        Code = "TRANSPORT"
	Internal         Code = "INTERNAL"
)

var httpStatus = map[Code]int{
	MalformedId:      http.StatusBadRequest,
	UnknownSite:      http.StatusNotFound,
	UnknownParty:     http.StatusNotFound,
	UnknownNamespace: http.StatusNotFound,
	AccessDenied:     http.StatusForbidden,
	IllegalJob:       http.StatusUnprocessableEntity,
	InvalidPlan:      http.StatusUnprocessableEntity,
	NotYetAvailable:  http.StatusConflict,
	DuplicateAsset:   http.StatusConflict,
	PolicyConflict:   http.StatusUnprocessableEntity,
	MalformedRule:    http.StatusBadRequest,
	UndefinedItem:    http.StatusBadRequest,
	NotLocatable:     http.StatusBadRequest,
	NotNamespaced:    http.StatusBadRequest,
	NotFound:         http.StatusNotFound,
	Transport:        http.StatusBadGateway,
	Internal:         http.StatusInternalServerError,
}

// Error is the structured error type every ddm component returns.
type Error struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails attaches a key/value pair to the error, returning the
// receiver for chaining.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New constructs an Error of the given code with the code's default HTTP
// status.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: httpStatus[code]}
}

// Wrap constructs an Error that carries an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: httpStatus[code], Err: err}
}

// Is reports whether err is a ddmerrors.Error of the given code.
func Is(err error, code Code) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// As extracts an *Error from err's chain, if present.
func As(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return nil
}

// StatusFor returns the HTTP status to use for err, defaulting to 500 for
// errors that are not an *Error.
func StatusFor(err error) int {
	if e := As(err); e != nil {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}
