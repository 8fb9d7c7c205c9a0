package fhir

import (
	"errors"
	"fmt"
	"net/http"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// MediaTypeFHIRJSON is the content type for FHIR JSON payloads minted by the
// gateway itself. Backend responses keep whatever content type the backend set.
const MediaTypeFHIRJSON = "application/fhir+json"

// ErrorKind classifies request failures into the small set of HTTP statuses
// the gateway is allowed to surface to clients.
type ErrorKind int

const (
	// KindUnauthorized covers missing, malformed, expired or unverifiable tokens.
	KindUnauthorized ErrorKind = iota
	// KindInvalidRequest covers bodies and query strings the gateway cannot
	// safely interpret.
	KindInvalidRequest
	// KindDenied covers authenticated requests the active access checker refused.
	KindDenied
	// KindBackendUnavailable covers transport failures and 5xx responses from
	// the FHIR backend.
	KindBackendUnavailable
	// KindBackendTimeout covers backend calls that exceeded their deadline.
	KindBackendTimeout
)

// Error is the error type every request-terminating failure is wrapped in.
// The HTTP layer maps it to a status code and an OperationOutcome body without
// inspecting error strings.
type Error struct {
	Kind        ErrorKind
	Diagnostics string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Diagnostics, e.Err)
	}
	return e.Diagnostics
}

func (e *Error) Unwrap() error { return e.Err }

// WithCause attaches the underlying error and returns the receiver.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// StatusCode returns the HTTP status the gateway surfaces for this error.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindDenied:
		return http.StatusForbidden
	case KindBackendTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (e *Error) issueType() fm.IssueType {
	switch e.Kind {
	case KindUnauthorized:
		return fm.IssueTypeLogin
	case KindInvalidRequest:
		return fm.IssueTypeInvalid
	case KindDenied:
		return fm.IssueTypeForbidden
	case KindBackendTimeout:
		return fm.IssueTypeTimeout
	default:
		return fm.IssueTypeTransient
	}
}

// Outcome renders the error as a FHIR OperationOutcome with a single issue.
func (e *Error) Outcome() fm.OperationOutcome {
	diag := e.Diagnostics
	return fm.OperationOutcome{
		Issue: []fm.OperationOutcomeIssue{{
			Severity:    fm.IssueSeverityError,
			Code:        e.issueType(),
			Diagnostics: &diag,
		}},
	}
}

// Unauthorized creates a 401 error.
func Unauthorized(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUnauthorized, Diagnostics: fmt.Sprintf(format, args...)}
}

// InvalidRequest creates a 400 error.
func InvalidRequest(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidRequest, Diagnostics: fmt.Sprintf(format, args...)}
}

// Denied creates a 403 error.
func Denied(format string, args ...interface{}) *Error {
	return &Error{Kind: KindDenied, Diagnostics: fmt.Sprintf(format, args...)}
}

// BackendUnavailable creates a 502 error.
func BackendUnavailable(format string, args ...interface{}) *Error {
	return &Error{Kind: KindBackendUnavailable, Diagnostics: fmt.Sprintf(format, args...)}
}

// BackendTimeout creates a 504 error.
func BackendTimeout(format string, args ...interface{}) *Error {
	return &Error{Kind: KindBackendTimeout, Diagnostics: fmt.Sprintf(format, args...)}
}

// AsError extracts a gateway *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// TooCostlyOutcome is the OperationOutcome for requests the gateway refuses to
// process in full, e.g. a body past the size limit.
func TooCostlyOutcome(diagnostics string) fm.OperationOutcome {
	diag := diagnostics
	return fm.OperationOutcome{
		Issue: []fm.OperationOutcomeIssue{{
			Severity:    fm.IssueSeverityError,
			Code:        fm.IssueTypeTooCostly,
			Diagnostics: &diag,
		}},
	}
}

// InternalOutcome is the OperationOutcome returned when the gateway fails in a
// way no Error was minted for, e.g. a recovered panic.
func InternalOutcome() fm.OperationOutcome {
	diag := "internal server error"
	return fm.OperationOutcome{
		Issue: []fm.OperationOutcomeIssue{{
			Severity:    fm.IssueSeverityFatal,
			Code:        fm.IssueTypeException,
			Diagnostics: &diag,
		}},
	}
}
