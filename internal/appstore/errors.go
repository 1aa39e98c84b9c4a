package appstore

import (
	"errors"
	"fmt"
)

// ErrFieldNotFound marks access to a field that no entity schema knows about.
// MissingFieldError matches it through errors.Is so callers that only care
// about "the field is not there" can treat both uniformly.
var ErrFieldNotFound = errors.New("field not found")

// errFieldShape marks a raw value whose JSON shape does not match the entity
// schema, such as a scalar where a sub-document is required.
var errFieldShape = errors.New("unexpected value shape")

// ModeError reports a verification mode that allows neither production nor
// sandbox, or a mode string outside the known set.
type ModeError struct {
	Mode string
}

func (e *ModeError) Error() string {
	return fmt.Sprintf("appstore: verification mode %q not available", e.Mode)
}

// ServerNotReachableError wraps a transport-level failure: DNS, connection,
// TLS handshake, timeout or context cancellation. The App Store endpoint
// never produced an HTTP response.
type ServerNotReachableError struct {
	Cause error
}

func (e *ServerNotReachableError) Error() string {
	return fmt.Sprintf("appstore: verification server not reachable: %v", e.Cause)
}

func (e *ServerNotReachableError) Unwrap() error { return e.Cause }

// ServerNotAvailableError reports a non-200 HTTP response from the
// verification endpoint.
type ServerNotAvailableError struct {
	StatusCode int
	Body       string
}

func (e *ServerNotAvailableError) Error() string {
	return fmt.Sprintf("appstore: verification server returned %d: %s", e.StatusCode, e.Body)
}

// Receipt status codes returned by the verification service.
const (
	StatusOK                  = 0
	StatusUnreadableJSON      = 21000
	StatusMalformedData       = 21002
	StatusAuthenticationError = 21003
	StatusSharedSecretInvalid = 21004
	StatusServerUnavailable   = 21005
	StatusSubscriptionExpired = 21006
	StatusSandboxReceipt      = 21007
	StatusProductionReceipt   = 21008
	StatusUnauthorized        = 21010
)

var statusDescriptions = map[int64]string{
	StatusUnreadableJSON:      "The App Store could not read the JSON object you provided.",
	StatusMalformedData:       "The data in the receipt-data property was malformed or missing.",
	StatusAuthenticationError: "The receipt could not be authenticated.",
	StatusSharedSecretInvalid: "The shared secret you provided does not match the shared secret on file for your account.",
	StatusServerUnavailable:   "The receipt server is not currently available.",
	StatusSubscriptionExpired: "This receipt is valid but the subscription has expired. When this status code is returned to your server, the receipt data is also decoded and returned as part of the response.",
	StatusSandboxReceipt:      "This receipt is from the test environment, but it was sent to the production environment for verification. Send it to the test environment instead.",
	StatusProductionReceipt:   "This receipt is from the production environment, but it was sent to the test environment for verification. Send it to the production environment instead.",
	StatusUnauthorized:        "This receipt could not be authorized. Treat this the same as if a purchase was never made.",
}

// StatusDescription returns the documented explanation for a nonzero receipt
// status, or the empty string for codes outside the table.
func StatusDescription(status int64) string {
	return statusDescriptions[status]
}

// InvalidReceiptError reports a well-formed verification response whose
// status field is nonzero. Response carries the parsed document for
// introspection; with StatusSubscriptionExpired it still contains the decoded
// receipt.
type InvalidReceiptError struct {
	Status      int64
	Description string
	Response    *Response
}

func newInvalidReceiptError(status int64, resp *Response) *InvalidReceiptError {
	return &InvalidReceiptError{
		Status:      status,
		Description: statusDescriptions[status],
		Response:    resp,
	}
}

func (e *InvalidReceiptError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("appstore: invalid receipt (status %d): %s", e.Status, e.Description)
	}
	return fmt.Sprintf("appstore: invalid receipt (status %d)", e.Status)
}

// FieldNotFoundError reports an entity field outside both the opaque and
// adapter tables. Unlike MissingFieldError the raw document is irrelevant:
// the schema simply has no such field.
type FieldNotFoundError struct {
	Entity string
	Field  string
}

func (e *FieldNotFoundError) Error() string {
	return fmt.Sprintf("appstore: %s has no field %q", e.Entity, e.Field)
}

func (e *FieldNotFoundError) Is(target error) bool { return target == ErrFieldNotFound }

// MissingFieldError reports a schema-known field whose key is absent from the
// raw document.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("appstore: missing field %q", e.Field)
}

func (e *MissingFieldError) Is(target error) bool { return target == ErrFieldNotFound }

// MalformedFieldError reports a raw value an adapter could not convert, such
// as a boolean field holding anything but the literals "true" and "false".
type MalformedFieldError struct {
	Field string
	Value any
	Cause error
}

func (e *MalformedFieldError) Error() string {
	return fmt.Sprintf("appstore: malformed field %q (value %v): %v", e.Field, e.Value, e.Cause)
}

func (e *MalformedFieldError) Unwrap() error { return e.Cause }
