package tenant

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to API clients.
const (
	CodeNotFound        = "TENANT_NOT_FOUND"
	CodeInactive        = "TENANT_INACTIVE"
	CodeConnectionError = "TENANT_DB_CONNECTION_ERROR"
)

var (
	ErrNotFound   = errors.New("tenant not found")
	ErrInactive   = errors.New("tenant is not active")
	ErrConnection = errors.New("tenant database connection failed")
)

// Error is a tenant-resolution failure carrying the stable code and the
// routing key that failed. The wrapped cause is meant for logs; clients only
// ever see the code and routing key, never connection credentials.
type Error struct {
	Code       string
	RoutingKey string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (tenant %q): %v", e.Code, e.RoutingKey, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewNotFoundError(routingKey string) *Error {
	return &Error{Code: CodeNotFound, RoutingKey: routingKey, Err: ErrNotFound}
}

func NewInactiveError(routingKey string) *Error {
	return &Error{Code: CodeInactive, RoutingKey: routingKey, Err: ErrInactive}
}

func NewConnectionError(routingKey string, cause error) *Error {
	return &Error{Code: CodeConnectionError, RoutingKey: routingKey, Err: fmt.Errorf("%w: %v", ErrConnection, cause)}
}

// CodeOf returns the stable code for a resolution error, or empty when the
// error did not originate from tenant resolution.
func CodeOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}
