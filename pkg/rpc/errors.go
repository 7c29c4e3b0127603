package rpc

import (
	"errors"
	"fmt"
)

// Transport-level sentinel errors, returned (possibly wrapped) by Dialer and
// Connection implementations.
var (
	ErrAlreadyConnected  = errors.New("rpc: dialer already connected")
	ErrDialingWebsocket  = errors.New("rpc: failed to dial websocket")
	ErrConnectionTimeout = errors.New("rpc: connection timeout")
	ErrReadingMessage    = errors.New("rpc: error reading message")
	ErrNilRequest        = errors.New("rpc: request is nil")
	ErrNotConnected      = errors.New("rpc: dialer not connected")
	ErrMarshalingRequest = errors.New("rpc: error marshaling request")
	ErrSendingRequest    = errors.New("rpc: error sending request")
	ErrNoResponse        = errors.New("rpc: no response received")
	ErrSendingPing       = errors.New("rpc: error sending ping")
)

// JSON-RPC error codes used throughout the router core.
const (
	CodeUnknownChain            = -32000
	CodeInvalidSession          = -32001
	CodeInsufficientPermissions = -32002
	CodeMethodNotSupported      = -32003
	CodeWalletNotAvailable      = -32004
	CodePartialFailure          = -32005
	CodeInvalidRequest          = -32006
	CodeUnknownError            = -32603
)

// Error is a JSON-RPC error: it carries a stable numeric code alongside a
// client-safe message. Handlers return an *Error when they want the code and
// message to pass through to the caller verbatim; any other error is reported
// to the client as CodeUnknownError with a generic fallback message.
type Error struct {
	Code    int
	Message string
	Data    any
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Errorf builds a client-safe *Error with the given code and formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches arbitrary structured data to an *Error and returns it for chaining.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// CodeOf returns the JSON-RPC code represented by err, or CodeUnknownError if
// err is not (or does not wrap) an *Error.
func CodeOf(err error) int {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return CodeUnknownError
}
