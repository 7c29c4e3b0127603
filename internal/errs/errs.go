// Package errs defines the router's internal error taxonomy and its
// conversion to the wire-level JSON-RPC error objects in pkg/rpc.
package errs

import (
	"errors"
	"fmt"

	"github.com/walletmesh/router-core/pkg/rpc"
)

// Kind classifies a RouterError for logging and metrics, independent of its
// wire code.
type Kind string

const (
	KindUser      Kind = "user"      // policy-denied
	KindSession   Kind = "session"   // invalid/expired session
	KindChain     Kind = "chain"     // unknown chain, unavailable wallet
	KindMethod    Kind = "method"    // unsupported method, invalid params
	KindTransport Kind = "transport" // timeout, closed transport
	KindInternal  Kind = "internal"  // uncategorized
)

// RouterError is the internal representation of a failure that may cross
// the wire. Code follows the pkg/rpc JSON-RPC error code taxonomy; Cause, if
// set, reaches the client as error.data.cause (its Error() text) whenever
// Data is unset, see RPCError.
type RouterError struct {
	Code    int
	Kind    Kind
	Message string
	Cause   error
	// Data, when set, is sent verbatim on the wire as error.data. Used by
	// PartialFailure to carry successes/failedIndex/cause.
	Data any
}

func (e *RouterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RouterError) Unwrap() error { return e.Cause }

// WithCause returns a copy of e with Cause set, for callers that build a
// RouterError via one of the constructors below and only learn the
// underlying transport failure afterward.
func (e *RouterError) WithCause(cause error) *RouterError {
	out := *e
	out.Cause = cause
	return &out
}

// RPCError converts a RouterError to the wire-level rpc.Error. Data carries
// e.Data when set, otherwise the cause as a string; the router itself
// decides whether a cause is safe to surface.
func (e *RouterError) RPCError() *rpc.Error {
	rpcErr := rpc.Errorf(e.Code, "%s", e.Message)
	switch {
	case e.Data != nil:
		rpcErr = rpcErr.WithData(e.Data)
	case e.Cause != nil:
		rpcErr = rpcErr.WithData(map[string]any{"cause": e.Cause.Error()})
	}
	return rpcErr
}

func newErr(code int, kind Kind, message string, cause error) *RouterError {
	return &RouterError{Code: code, Kind: kind, Message: message, Cause: cause}
}

func UnknownChain(chainID string) *RouterError {
	return newErr(rpc.CodeUnknownChain, KindChain, fmt.Sprintf("unknown chain %q", chainID), nil)
}

func InvalidSession(reason string) *RouterError {
	return newErr(rpc.CodeInvalidSession, KindSession, reason, nil)
}

func InsufficientPermissions(method string) *RouterError {
	return newErr(rpc.CodeInsufficientPermissions, KindUser, fmt.Sprintf("permission denied for method %q", method), nil)
}

func MethodNotSupported(method string) *RouterError {
	return newErr(rpc.CodeMethodNotSupported, KindMethod, fmt.Sprintf("method %q not supported", method), nil)
}

func WalletNotAvailable(chainID string) *RouterError {
	return newErr(rpc.CodeWalletNotAvailable, KindChain, fmt.Sprintf("wallet for chain %q is not available", chainID), nil)
}

// PartialFailureData carries the successes collected so far, the index at
// which execution stopped, and the cause.
type PartialFailureData struct {
	Successes   []rpc.Params `json:"successes"`
	FailedIndex int          `json:"failedIndex"`
	Cause       any          `json:"cause"`
}

func PartialFailure(successes []rpc.Params, failedIndex int, cause error) *RouterError {
	var causeData any
	if rpcErr, ok := As(cause); ok {
		causeData = rpcErr.RPCError()
	} else if cause != nil {
		causeData = cause.Error()
	}
	err := newErr(rpc.CodePartialFailure, KindChain, "bulk call failed partway through", cause)
	err.Data = PartialFailureData{Successes: successes, FailedIndex: failedIndex, Cause: causeData}
	return err
}

func InvalidRequest(reason string) *RouterError {
	return newErr(rpc.CodeInvalidRequest, KindMethod, reason, nil)
}

func Internal(cause error) *RouterError {
	return newErr(rpc.CodeUnknownError, KindInternal, "internal error", cause)
}

// As reports whether err is (or wraps) a *RouterError, mirroring errors.As
// for callers that want to branch on Kind.
func As(err error) (*RouterError, bool) {
	var routerErr *RouterError
	ok := errors.As(err, &routerErr)
	return routerErr, ok
}
