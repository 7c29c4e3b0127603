package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Handler processes (or middles) a single RPC request. Middleware calls
// ctx.Next() to continue the chain; a handler that never calls Next() short
// circuits any remaining middleware/handler.
type Handler func(ctx *Context)

// SafeStorage is a concurrency-safe per-connection key-value store, used by
// middleware to stash values (e.g. a validated session id) for downstream
// handlers within the same connection's lifetime.
type SafeStorage struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewSafeStorage returns an empty SafeStorage.
func NewSafeStorage() *SafeStorage {
	return &SafeStorage{data: make(map[string]any)}
}

// Set stores value under key.
func (s *SafeStorage) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Get retrieves the value stored under key, if any.
func (s *SafeStorage) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Context carries one request through its middleware/handler chain.
type Context struct {
	context.Context

	// ConnectionID identifies the physical connection the request arrived on.
	ConnectionID string
	// Origin is the value of the connecting HTTP request's Origin header, if any.
	Origin string
	// UserID is the session id claimed by the connection, set once wm_connect
	// (or wm_reconnect) succeeds. Middleware may reassign it to trigger
	// re-authentication in the connection hub.
	UserID string

	Request  Request
	Response Response
	Storage  *SafeStorage

	handlers []Handler
}

// Next invokes the next handler in the chain, if any. Calling Next from the
// last handler in the chain is a no-op.
func (c *Context) Next() {
	if len(c.handlers) == 0 {
		return
	}
	h := c.handlers[0]
	c.handlers = c.handlers[1:]
	h(c)
}

// Succeed records a successful result on the context's Response.
func (c *Context) Succeed(result Params) {
	c.Response = Response{ID: c.Request.ID, Result: result}
}

// Fail records an error on the context's Response. If err is (or wraps) an
// *Error, its code and message pass through to the client verbatim;
// otherwise the client sees CodeUnknownError and fallbackMessage (or a
// generic message if fallbackMessage is empty).
func (c *Context) Fail(err error, fallbackMessage string) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		var data []byte
		if rpcErr.Data != nil {
			if b, mErr := json.Marshal(rpcErr.Data); mErr == nil {
				data = b
			}
		}
		c.Response = NewErrorResponse(c.Request.ID, rpcErr.Code, rpcErr.Message, data)
		return
	}

	message := fallbackMessage
	if message == "" {
		message = defaultNodeErrorMessage
	}
	c.Response = NewErrorResponse(c.Request.ID, CodeUnknownError, message, nil)
}

// GetRawResponse marshals the context's Response to JSON, ready to write to the connection.
func (c *Context) GetRawResponse() ([]byte, error) {
	return json.Marshal(c.Response)
}
