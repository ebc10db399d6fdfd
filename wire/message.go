package wire

import "encoding/json"

// ClientMessage is one inbound request on a client WebSocket connection.
// The payload is opaque to the router.
type ClientMessage struct {
	TraceID string          `json:"trace_id"`
	Payload json.RawMessage `json:"payload"`
}

// ServerMessage is one outbound message to a client: either a result
// chunk for a trace, a trace-completion marker, or an error frame.
type ServerMessage struct {
	TraceID   string          `json:"trace_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Done      bool            `json:"done,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Message   string          `json:"message,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

// ErrorMessage builds the client error frame for a routing failure.
// Unknown error types map to RoutingUnavailable so internals never leak.
func ErrorMessage(traceID string, err error) ServerMessage {
	rerr, ok := AsRouteError(err)
	if !ok {
		rerr = ErrRoutingUnavailable
	}
	return ServerMessage{
		TraceID:   traceID,
		Done:      true,
		ErrorKind: string(rerr.Kind),
		Message:   rerr.Message,
		Retryable: rerr.Retryable,
	}
}
