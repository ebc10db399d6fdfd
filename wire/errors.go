package wire

import "fmt"

// ErrorKind identifies a routing failure class. Kinds travel in client
// error frames, so their string values are part of the client protocol.
type ErrorKind string

const (
	KindAuthenticationFailed  ErrorKind = "AuthenticationFailed"
	KindNoHealthyNode         ErrorKind = "NoHealthyNode"
	KindRoutingUnavailable    ErrorKind = "RoutingUnavailable"
	KindConnectionUnavailable ErrorKind = "ConnectionUnavailable"
	KindBackpressure          ErrorKind = "Backpressure"
	KindProtocolViolation     ErrorKind = "ProtocolViolation"
	KindServiceUnavailable    ErrorKind = "ServiceUnavailable"
	KindQueryFailed           ErrorKind = "QueryFailed"
)

// RouteError is a typed routing failure with a kind and a retryability
// hint for the client.
type RouteError struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
}

// Error implements the error interface
func (e *RouteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is implements error comparison for errors.Is()
func (e *RouteError) Is(target error) bool {
	t, ok := target.(*RouteError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined errors for common cases
var (
	ErrAuthenticationFailed = &RouteError{
		Kind:      KindAuthenticationFailed,
		Message:   "authentication failed",
		Retryable: false,
	}

	ErrNoHealthyNode = &RouteError{
		Kind:      KindNoHealthyNode,
		Message:   "no healthy querier node available",
		Retryable: true,
	}

	ErrRoutingUnavailable = &RouteError{
		Kind:      KindRoutingUnavailable,
		Message:   "request could not be routed",
		Retryable: true,
	}

	ErrConnectionUnavailable = &RouteError{
		Kind:      KindConnectionUnavailable,
		Message:   "querier connection is not established",
		Retryable: true,
	}

	ErrBackpressure = &RouteError{
		Kind:      KindBackpressure,
		Message:   "querier connection outbound queue is full",
		Retryable: true,
	}

	ErrProtocolViolation = &RouteError{
		Kind:      KindProtocolViolation,
		Message:   "peer violated the stream protocol",
		Retryable: false,
	}

	ErrServiceUnavailable = &RouteError{
		Kind:      KindServiceUnavailable,
		Message:   "router is at capacity",
		Retryable: true,
	}
)

// NewRouteError creates a RouteError with the given kind
func NewRouteError(kind ErrorKind, message string, retryable bool) *RouteError {
	return &RouteError{
		Kind:      kind,
		Message:   message,
		Retryable: retryable,
	}
}

// AsRouteError checks if an error is a RouteError and returns it
func AsRouteError(err error) (*RouteError, bool) {
	if rerr, ok := err.(*RouteError); ok {
		return rerr, true
	}
	return nil, false
}
