// Package provider implements the dApp-side client façade:
// connect/reconnect/call/bulkCall, a fluent per-chain call builder, event
// subscription, and a per-method parameter serializer registry. It dials
// the router's dApp-facing node the same way internal/proxy dials a wallet
// — both sides of the router speak the same pkg/rpc.Dialer contract.
package provider

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/walletmesh/router-core/pkg/log"
	"github.com/walletmesh/router-core/pkg/rpc"
)

// State is the provider-side connection lifecycle:
// Idle → Connecting → Connected → (Disconnected|Error); reconnect takes
// Idle → Reconnecting → Connected|Error.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// EventHandler receives an event's raw params. Handler panics/errors are
// isolated: event subscriptions never throw. Provider recovers and logs,
// and never lets one handler's failure affect others or the dispatch loop.
type EventHandler func(params rpc.Params)

// Serializer is a pure transform applied to a method's params before
// dispatch, never to return values.
type Serializer func(params rpc.Params) (rpc.Params, error)

// Config configures a Provider.
type Config struct {
	Dialer rpc.Dialer
	Logger log.Logger
}

// Provider is a Go-native client for the wm_* method set. It owns one
// rpc.Dialer connection to the router and fans out wallet/router-originated
// notifications to registered handlers.
type Provider struct {
	dialer rpc.Dialer
	logger log.Logger

	idCounter atomic.Uint64

	mu        sync.RWMutex
	state     State
	sessionID string

	serializersMu sync.RWMutex
	serializers   map[string]Serializer

	handlersMu sync.RWMutex
	handlers   map[string][]EventHandler
}

// New builds a Provider around an already-constructed Dialer. Call Connect
// or Reconnect before issuing any other call.
func New(cfg Config) *Provider {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNoopLogger()
	}
	return &Provider{
		dialer:      cfg.Dialer,
		logger:      cfg.Logger.WithName("provider"),
		state:       StateIdle,
		serializers: make(map[string]Serializer),
		handlers:    make(map[string][]EventHandler),
	}
}

// State returns the provider's current connection state.
func (p *Provider) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// SessionID returns the session adopted by the last successful
// Connect/Reconnect, or "" if none.
func (p *Provider) SessionID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionID
}

func (p *Provider) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Dial connects the underlying transport and starts the event-dispatch
// loop. It does not itself establish a router session; call Connect or
// Reconnect afterward.
func (p *Provider) Dial(ctx context.Context, url string, onClose func(err error)) error {
	p.setState(StateConnecting)
	if err := p.dialer.Dial(ctx, url, func(err error) {
		p.setState(StateDisconnected)
		if onClose != nil {
			onClose(err)
		}
	}); err != nil {
		p.setState(StateError)
		return err
	}
	go p.dispatchEvents()
	return nil
}

// ConnectResult is the decoded wm_connect/wm_reconnect response shape.
type ConnectResult struct {
	SessionID   string                     `json:"sessionId"`
	Permissions map[string]map[string]Desc `json:"permissions"`
}

// Desc mirrors permission.Description on the wire, duplicated here so the
// provider package carries no dependency on internal/permission: the
// provider is the OTHER side of the wire, decoding what the router sent.
type Desc struct {
	Allowed          bool   `json:"allowed"`
	ShortDescription string `json:"shortDescription"`
	LongDescription  string `json:"longDescription,omitempty"`
}

// Connect issues wm_connect with the requested permissions, adopts the
// returned sessionId, and transitions to Connected.
func (p *Provider) Connect(ctx context.Context, permissions map[string]map[string]string, metadata map[string]string) (*ConnectResult, error) {
	p.setState(StateConnecting)
	params, err := rpc.NewParams(map[string]any{"permissions": permissions, "metadata": metadata})
	if err != nil {
		p.setState(StateError)
		return nil, err
	}

	result, err := p.request(ctx, "wm_connect", params)
	if err != nil {
		p.setState(StateError)
		return nil, err
	}

	var decoded ConnectResult
	if err := result.Translate(&decoded); err != nil {
		p.setState(StateError)
		return nil, fmt.Errorf("provider: decoding connect result: %w", err)
	}

	p.mu.Lock()
	p.sessionID = decoded.SessionID
	p.state = StateConnected
	p.mu.Unlock()

	p.dispatch("connection:established", result)

	return &decoded, nil
}

// Reconnect validates a previously-issued sessionId with the router. On
// failure the provider is left Disconnected, not Error: an expired session
// is an expected outcome, not a transport fault.
func (p *Provider) Reconnect(ctx context.Context, sessionID string) (*ConnectResult, error) {
	p.setState(StateReconnecting)
	params, err := rpc.NewParams(map[string]string{"sessionId": sessionID})
	if err != nil {
		return nil, err
	}

	result, err := p.request(ctx, "wm_reconnect", params)
	if err != nil {
		p.setState(StateDisconnected)
		return nil, err
	}

	var decoded ConnectResult
	if err := result.Translate(&decoded); err != nil {
		p.setState(StateError)
		return nil, fmt.Errorf("provider: decoding reconnect result: %w", err)
	}
	decoded.SessionID = sessionID

	p.mu.Lock()
	p.sessionID = sessionID
	p.state = StateConnected
	p.mu.Unlock()

	p.dispatch("connection:restored", result)

	return &decoded, nil
}

// Disconnect issues wm_disconnect for the adopted session and clears it
// locally regardless of the call's outcome.
func (p *Provider) Disconnect(ctx context.Context) error {
	sessionID := p.SessionID()
	if sessionID == "" {
		return nil
	}

	params, err := rpc.NewParams(map[string]string{"sessionId": sessionID})
	if err != nil {
		return err
	}
	_, err = p.request(ctx, "wm_disconnect", params)

	p.mu.Lock()
	p.sessionID = ""
	p.state = StateDisconnected
	p.mu.Unlock()

	return err
}

// RegisterSerializer installs (or replaces) the params transform applied to
// method before every Call/BulkCall dispatch. Idempotent: last write wins.
func (p *Provider) RegisterSerializer(method string, fn Serializer) {
	p.serializersMu.Lock()
	defer p.serializersMu.Unlock()
	p.serializers[method] = fn
}

func (p *Provider) serialize(method string, params rpc.Params) (rpc.Params, error) {
	p.serializersMu.RLock()
	fn, ok := p.serializers[method]
	p.serializersMu.RUnlock()
	if !ok {
		return params, nil
	}
	return fn(params)
}

// CallSpec is one {method, params} entry of a call or bulk call.
type CallSpec struct {
	Method string
	Params rpc.Params
}

// Call applies method's registered serializer (if any) to params and
// invokes wm_call.
func (p *Provider) Call(ctx context.Context, chainID string, call CallSpec) (rpc.Params, error) {
	serialized, err := p.serialize(call.Method, call.Params)
	if err != nil {
		return nil, fmt.Errorf("provider: serializing params for %s: %w", call.Method, err)
	}

	params, err := rpc.NewParams(map[string]any{
		"sessionId": p.SessionID(),
		"chainId":   chainID,
		"call":      map[string]any{"method": call.Method, "params": serialized},
	})
	if err != nil {
		return nil, err
	}
	return p.request(ctx, "wm_call", params)
}

// BulkCall passes calls through in order (no reordering), applying each
// call's serializer, and invokes wm_bulkCall.
func (p *Provider) BulkCall(ctx context.Context, chainID string, calls []CallSpec) (rpc.Params, error) {
	serializedCalls := make([]map[string]any, len(calls))
	for i, c := range calls {
		serialized, err := p.serialize(c.Method, c.Params)
		if err != nil {
			return nil, fmt.Errorf("provider: serializing params for %s: %w", c.Method, err)
		}
		serializedCalls[i] = map[string]any{"method": c.Method, "params": serialized}
	}

	params, err := rpc.NewParams(map[string]any{
		"sessionId": p.SessionID(),
		"chainId":   chainID,
		"calls":     serializedCalls,
	})
	if err != nil {
		return nil, err
	}
	return p.request(ctx, "wm_bulkCall", params)
}

// GetPermissions invokes wm_getPermissions, optionally scoped to chainIDs.
func (p *Provider) GetPermissions(ctx context.Context, chainIDs []string) (rpc.Params, error) {
	params, err := rpc.NewParams(map[string]any{"sessionId": p.SessionID(), "chainIds": chainIDs})
	if err != nil {
		return nil, err
	}
	return p.request(ctx, "wm_getPermissions", params)
}

// UpdatePermissions invokes wm_updatePermissions with a delta grant request.
func (p *Provider) UpdatePermissions(ctx context.Context, permissions map[string]map[string]string) (rpc.Params, error) {
	params, err := rpc.NewParams(map[string]any{"sessionId": p.SessionID(), "permissions": permissions})
	if err != nil {
		return nil, err
	}
	return p.request(ctx, "wm_updatePermissions", params)
}

// GetSupportedMethods invokes wm_getSupportedMethods, optionally scoped to chainIDs.
func (p *Provider) GetSupportedMethods(ctx context.Context, chainIDs []string) (rpc.Params, error) {
	params, err := rpc.NewParams(map[string]any{"sessionId": p.SessionID(), "chainIds": chainIDs})
	if err != nil {
		return nil, err
	}
	return p.request(ctx, "wm_getSupportedMethods", params)
}

// ChainBuilder accumulates calls for one chain, to be executed as a single
// wm_bulkCall via the fluent chain(chainId) builder.
type ChainBuilder struct {
	provider *Provider
	chainID  string
	calls    []CallSpec
}

// Chain returns a fluent builder scoped to chainID.
func (p *Provider) Chain(chainID string) *ChainBuilder {
	return &ChainBuilder{provider: p, chainID: chainID}
}

// Call appends method/params to the pending batch and returns the builder
// for chaining.
func (b *ChainBuilder) Call(method string, params rpc.Params) *ChainBuilder {
	b.calls = append(b.calls, CallSpec{Method: method, Params: params})
	return b
}

// Execute invokes wm_bulkCall with the accumulated calls, in the order they
// were appended.
func (b *ChainBuilder) Execute(ctx context.Context) (rpc.Params, error) {
	return b.provider.BulkCall(ctx, b.chainID, b.calls)
}

// On registers handler for event name and returns an unsubscribe function.
// Wallet-pushed events are buffered and delivered in arrival order on the
// dispatch goroutine started by Dial; connection:established and
// connection:restored are delivered synchronously by Connect and Reconnect.
func (p *Provider) On(name string, handler EventHandler) (unsubscribe func()) {
	p.handlersMu.Lock()
	p.handlers[name] = append(p.handlers[name], handler)
	idx := len(p.handlers[name]) - 1
	p.handlersMu.Unlock()

	return func() {
		p.handlersMu.Lock()
		defer p.handlersMu.Unlock()
		handlers := p.handlers[name]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

func (p *Provider) dispatchEvents() {
	for raw := range p.dialer.EventCh() {
		req, _, err := rpc.DecodeMessage(raw)
		if err != nil || req == nil {
			p.logger.Warn("dropping unclassifiable event", "error", err)
			continue
		}
		p.dispatch(req.Method, req.Params)
	}
}

// dispatch invokes every handler registered for method, isolating panics so
// one misbehaving handler cannot affect others.
func (p *Provider) dispatch(method string, params rpc.Params) {
	p.handlersMu.RLock()
	handlers := append([]EventHandler(nil), p.handlers[method]...)
	p.handlersMu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		p.invoke(h, params)
	}
}

func (p *Provider) invoke(h EventHandler, params rpc.Params) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event handler panicked", "recovered", r)
		}
	}()
	h(params)
}

// request sends method/params to the router and returns the result,
// converting a wallet/router-returned error into a Go error.
func (p *Provider) request(ctx context.Context, method string, params rpc.Params) (rpc.Params, error) {
	id := p.idCounter.Add(1)
	req := rpc.NewRequest(&id, method, params)

	res, err := p.dialer.Call(ctx, &req)
	if err != nil {
		return nil, fmt.Errorf("provider: %s: %w", method, err)
	}
	if rpcErr := res.Err(); rpcErr != nil {
		return nil, rpcErr
	}
	return res.Result, nil
}
