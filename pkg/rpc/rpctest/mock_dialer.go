// Package rpctest provides an in-memory Dialer double for exercising
// internal/proxy and internal/router without a real wallet transport.
package rpctest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/walletmesh/router-core/pkg/rpc"
)

// MockCallHandler answers a single RPC method call registered on a MockDialer.
type MockCallHandler func(params rpc.Params) (rpc.Params, error)

// MockDialer is a rpc.Dialer double that answers registered methods
// in-process and lets tests push unsolicited wallet-originated notifications
// (e.g. wm_walletStateChanged) through EventCh.
type MockDialer struct {
	mu        sync.Mutex
	handlers  map[string]MockCallHandler
	connected bool
	eventCh   chan []byte
}

var _ rpc.Dialer = (*MockDialer)(nil)

// NewMockDialer returns an unconnected MockDialer with no registered handlers.
func NewMockDialer() *MockDialer {
	return &MockDialer{
		handlers: make(map[string]MockCallHandler),
		eventCh:  make(chan []byte, 100),
	}
}

// RegisterHandler installs (or replaces) the handler answering method.
func (m *MockDialer) RegisterHandler(method string, handler MockCallHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = handler
}

// Dial marks the dialer connected until ctx is cancelled.
func (m *MockDialer) Dial(ctx context.Context, _ string, handleClosure func(err error)) error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return rpc.ErrAlreadyConnected
	}
	m.connected = true
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.connected = false
		m.mu.Unlock()
		handleClosure(nil)
	}()

	return nil
}

// IsConnected reports whether Dial has been called without the connection closing yet.
func (m *MockDialer) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Call answers req using the handler registered for req.Method, or
// CodeMethodNotSupported if none was registered.
func (m *MockDialer) Call(_ context.Context, req *rpc.Request) (*rpc.Response, error) {
	if req == nil {
		return nil, rpc.ErrNilRequest
	}

	m.mu.Lock()
	handler, ok := m.handlers[req.Method]
	connected := m.connected
	m.mu.Unlock()

	if !connected {
		return nil, rpc.ErrNotConnected
	}
	if !ok {
		res := rpc.NewErrorResponse(req.ID, rpc.CodeMethodNotSupported, fmt.Sprintf("unregistered mock method: %s", req.Method), nil)
		return &res, nil
	}

	result, err := handler(req.Params)
	if err != nil {
		res := rpc.NewErrorResponse(req.ID, rpc.CodeOf(err), err.Error(), nil)
		return &res, nil
	}

	res := rpc.NewResponse(req.ID, result)
	return &res, nil
}

// EventCh returns the channel notifications pushed via PublishNotification arrive on.
func (m *MockDialer) EventCh() <-chan []byte {
	return m.eventCh
}

// PublishNotification pushes a wallet-originated notification (no id) onto
// EventCh, simulating e.g. a wm_walletStateChanged push from the wallet.
func (m *MockDialer) PublishNotification(method string, params rpc.Params) error {
	req := rpc.NewRequest(nil, method, params)
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	m.eventCh <- data
	return nil
}
