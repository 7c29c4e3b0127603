// Package router wires the dApp-facing RPC node, the session store, the
// permission engine, and the per-chain wallet proxies together and
// registers the wm_* method set on the node.
package router

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/walletmesh/router-core/internal/errs"
	"github.com/walletmesh/router-core/internal/metrics"
	"github.com/walletmesh/router-core/internal/middleware"
	"github.com/walletmesh/router-core/internal/permission"
	"github.com/walletmesh/router-core/internal/proxy"
	"github.com/walletmesh/router-core/internal/session"
	"github.com/walletmesh/router-core/pkg/log"
	"github.com/walletmesh/router-core/pkg/rpc"
)

var tracer = otel.Tracer("github.com/walletmesh/router-core/internal/router")

// Method names registered on the dApp-facing node.
const (
	MethodConnect             = "wm_connect"
	MethodReconnect           = "wm_reconnect"
	MethodDisconnect          = "wm_disconnect"
	MethodGetPermissions      = "wm_getPermissions"
	MethodUpdatePermissions   = "wm_updatePermissions"
	MethodCall                = "wm_call"
	MethodBulkCall            = "wm_bulkCall"
	MethodGetSupportedMethods = "wm_getSupportedMethods"
)

// Event names emitted as JSON-RPC notifications.
const (
	EventWalletStateChanged        = "wm_walletStateChanged"
	EventWalletAvailabilityChanged = "wm_walletAvailabilityChanged"
	EventPermissionsChanged        = "wm_permissionsChanged"
	EventSessionTerminated         = "wm_sessionTerminated"
)

// Config wires a Router's collaborators. Node, Store, and Engine are
// required; Logger and Transform default to sensible no-ops.
type Config struct {
	Node      rpc.Node
	Store     session.Store
	Engine    permission.Engine
	Logger    log.Logger
	Transform middleware.TransformFunc
	// Metrics is optional; when nil the router records nothing.
	Metrics *metrics.Metrics
}

// Router implements the wm_* method set on top of a session store, a
// permission engine, and a set of per-chain wallet proxies it owns.
type Router struct {
	node    rpc.Node
	store   session.Store
	engine  permission.Engine
	logger  log.Logger
	metrics *metrics.Metrics

	walletsMu sync.RWMutex
	wallets   map[string]*proxy.Proxy

	// subsMu guards chainSubs, the in-memory index of which sessions
	// should receive a wallet event for a given chain. It is rebuilt from
	// session.Permissions on every wm_connect/wm_updatePermissions/
	// wm_disconnect, since the session store itself is not indexed by
	// chain id.
	subsMu    sync.RWMutex
	chainSubs map[string]map[string]struct{}
}

// New builds a Router and registers its handlers on cfg.Node. The returned
// Router does not own any wallet proxies until RegisterWallet is called.
func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNoopLogger()
	}
	r := &Router{
		node:      cfg.Node,
		store:     cfg.Store,
		engine:    cfg.Engine,
		logger:    cfg.Logger.WithName("router"),
		metrics:   cfg.Metrics,
		wallets:   make(map[string]*proxy.Proxy),
		chainSubs: make(map[string]map[string]struct{}),
	}

	skipConnect := func(method string) bool { return method == MethodConnect }
	cfg.Node.Use(r.recordRequestMetrics)
	cfg.Node.Use(middleware.SessionValidate(cfg.Store, skipConnect))
	cfg.Node.Use(middleware.PermissionCheck(cfg.Engine, r.extractCalls, skipConnect))
	if cfg.Transform != nil {
		cfg.Node.Use(middleware.Transform(cfg.Transform))
	}

	cfg.Node.Handle(MethodConnect, r.handleConnect)
	cfg.Node.Handle(MethodReconnect, r.handleReconnect)
	cfg.Node.Handle(MethodDisconnect, r.handleDisconnect)
	cfg.Node.Handle(MethodGetPermissions, r.handleGetPermissions)
	cfg.Node.Handle(MethodUpdatePermissions, r.handleUpdatePermissions)
	cfg.Node.Handle(MethodCall, r.handleCall)
	cfg.Node.Handle(MethodBulkCall, r.handleBulkCall)
	cfg.Node.Handle(MethodGetSupportedMethods, r.handleGetSupportedMethods)

	return r
}

// RegisterWallet adds p as the proxy for its chain and starts forwarding its
// wallet-pushed events to subscribed sessions. Replacing an existing chain's
// proxy does not stop forwarding from the old one; that stops only once its
// owner calls Close on it, after which it classifies no further events.
func (r *Router) RegisterWallet(p *proxy.Proxy) {
	r.walletsMu.Lock()
	r.wallets[p.ChainID()] = p
	r.walletsMu.Unlock()

	if r.metrics != nil {
		r.setWalletAvailability(p.ChainID(), p.IsAvailable())
	}
	go r.forwardWalletEvents(p)
}

// RemoveWallet drops the proxy registered for chainID. The caller remains
// responsible for closing the underlying proxy/dialer.
func (r *Router) RemoveWallet(chainID string) {
	r.walletsMu.Lock()
	delete(r.wallets, chainID)
	r.walletsMu.Unlock()

	if r.metrics != nil {
		r.metrics.WalletAvailable.DeleteLabelValues(chainID)
	}
}

func (r *Router) setWalletAvailability(chainID string, available bool) {
	value := 0.0
	if available {
		value = 1.0
	}
	r.metrics.WalletAvailable.WithLabelValues(chainID).Set(value)
}

// recordRequestMetrics runs first in the Use chain, wrapping the rest of it:
// it calls Next(), which runs the remaining middleware and the handler to
// completion, then records the method's outcome and latency. It therefore
// also counts requests that SessionValidate or PermissionCheck reject, and
// wm_connect, which those two skip.
func (r *Router) recordRequestMetrics(ctx *rpc.Context) {
	if r.metrics == nil {
		ctx.Next()
		return
	}

	start := time.Now()
	ctx.Next()
	duration := time.Since(start)

	outcome := "ok"
	if ctx.Response.Error != nil {
		outcome = "error"
		if ctx.Response.Error.Code == rpc.CodeInsufficientPermissions {
			r.metrics.PermissionDecisions.WithLabelValues("denied").Inc()
		}
	} else if ctx.Request.Method == MethodCall || ctx.Request.Method == MethodBulkCall {
		r.metrics.PermissionDecisions.WithLabelValues("allowed").Inc()
	}

	r.metrics.RPCRequestsTotal.WithLabelValues(ctx.Request.Method, outcome).Inc()
	r.metrics.RPCRequestDuration.WithLabelValues(ctx.Request.Method).Observe(duration.Seconds())
}

func (r *Router) wallet(chainID string) (*proxy.Proxy, bool) {
	r.walletsMu.RLock()
	defer r.walletsMu.RUnlock()
	p, ok := r.wallets[chainID]
	return p, ok
}

func (r *Router) forwardWalletEvents(p *proxy.Proxy) {
	for evt := range p.Events() {
		switch evt.Method {
		case EventWalletStateChanged, EventWalletAvailabilityChanged:
			if r.metrics != nil {
				r.metrics.WalletEvents.WithLabelValues(p.ChainID(), evt.Method).Inc()
				if evt.Method == EventWalletAvailabilityChanged {
					r.setWalletAvailability(p.ChainID(), p.IsAvailable())
				}
			}
			r.broadcastToChain(p.ChainID(), evt.Method, evt.Params)
		default:
			r.logger.Debug("dropping wallet event with unrecognized method", "chainId", p.ChainID(), "method", evt.Method)
		}
	}
}

// broadcastToChain re-emits method/params to every session subscribed to
// chainID: wm_walletStateChanged and similar wallet-originated events reach
// only sessions whose permissions reference the chain, never every
// connected session.
func (r *Router) broadcastToChain(chainID, method string, params rpc.Params) {
	r.subsMu.RLock()
	sessionIDs := make([]string, 0, len(r.chainSubs[chainID]))
	for id := range r.chainSubs[chainID] {
		sessionIDs = append(sessionIDs, id)
	}
	r.subsMu.RUnlock()

	for _, sessionID := range sessionIDs {
		r.node.Notify(sessionID, method, params)
	}
}

// indexSession (re)computes which chains record subscribes to, so
// broadcastToChain can address it without scanning the whole session store.
func (r *Router) indexSession(record *session.Record) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for chainID, sessions := range r.chainSubs {
		delete(sessions, record.SessionID)
		if len(sessions) == 0 {
			delete(r.chainSubs, chainID)
		}
	}
	for chainID := range record.Permissions {
		if r.chainSubs[chainID] == nil {
			r.chainSubs[chainID] = make(map[string]struct{})
		}
		r.chainSubs[chainID][record.SessionID] = struct{}{}
	}
}

func (r *Router) unindexSession(sessionID string) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for chainID, sessions := range r.chainSubs {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.chainSubs, chainID)
		}
	}
}

// extractCalls builds the permission.CheckRequest for the middleware
// pipeline's permission-check stage. Only wm_call and wm_bulkCall carry
// calls to gate; every other method yields an empty CheckRequest, which the
// three-state engine always allows, since permission gating applies to
// calls, not session lifecycle operations.
func (r *Router) extractCalls(ctx *rpc.Context, record *session.Record) (permission.CheckRequest, error) {
	req := permission.CheckRequest{Session: record, Origin: ctx.Origin}
	switch ctx.Request.Method {
	case MethodCall:
		var p callParams
		if err := middleware.DecodeParams(ctx.Request.Params, &p); err != nil {
			return req, err
		}
		req.Calls = []permission.Call{{ChainID: p.ChainID, Method: p.Call.Method, Params: p.Call.Params}}
	case MethodBulkCall:
		var p bulkCallParams
		if err := middleware.DecodeParams(ctx.Request.Params, &p); err != nil {
			return req, err
		}
		req.Calls = make([]permission.Call, len(p.Calls))
		for i, c := range p.Calls {
			req.Calls[i] = permission.Call{ChainID: p.ChainID, Method: c.Method, Params: c.Params}
		}
	}
	return req, nil
}

// asRPCError converts a *errs.RouterError to its wire form; any other error
// (including a wallet-originated *rpc.Error) passes through unchanged for
// ctx.Fail to handle.
func asRPCError(err error) error {
	if routerErr, ok := errs.As(err); ok {
		return routerErr.RPCError()
	}
	return err
}

func mustSession(ctx *rpc.Context) (*session.Record, bool) {
	record, ok := middleware.SessionFromContext(ctx)
	if !ok {
		ctx.Fail(errs.Internal(nil).RPCError(), "")
		return nil, false
	}
	return record, true
}

// --- wm_connect ---

type connectParams struct {
	Permissions session.Permissions `json:"permissions"`
	Metadata    map[string]string   `json:"metadata,omitempty"`
}

type connectResult struct {
	SessionID   string                              `json:"sessionId"`
	Permissions permission.HumanReadablePermissions `json:"permissions"`
}

func (r *Router) handleConnect(ctx *rpc.Context) {
	var p connectParams
	if err := middleware.DecodeParams(ctx.Request.Params, &p); err != nil {
		ctx.Fail(asRPCError(err), "")
		return
	}

	granted, err := r.engine.ApprovePermissions(ctx, permission.ApprovalRequest{
		Origin:    ctx.Origin,
		Requested: p.Permissions,
	})
	if err != nil {
		ctx.Fail(errs.Internal(err).RPCError(), "")
		return
	}

	record, err := r.store.Create(ctx, ctx.Origin, granted, p.Metadata)
	if err != nil {
		ctx.Fail(errs.Internal(err).RPCError(), "")
		return
	}
	r.indexSession(record)

	if r.metrics != nil {
		r.metrics.ConnectionsTotal.Inc()
		r.metrics.ConnectedSessions.Inc()
	}

	result, err := rpc.NewParams(connectResult{
		SessionID:   record.SessionID,
		Permissions: permission.Materialize(granted, nil),
	})
	if err != nil {
		ctx.Fail(errs.Internal(err).RPCError(), "")
		return
	}
	ctx.UserID = record.SessionID
	ctx.Succeed(result)
}

// --- wm_reconnect ---

type reconnectResult struct {
	Permissions permission.HumanReadablePermissions `json:"permissions"`
}

func (r *Router) handleReconnect(ctx *rpc.Context) {
	record, ok := mustSession(ctx)
	if !ok {
		return
	}

	result, err := rpc.NewParams(reconnectResult{Permissions: r.engine.GetPermissions(ctx, record, nil)})
	if err != nil {
		ctx.Fail(errs.Internal(err).RPCError(), "")
		return
	}
	ctx.Succeed(result)
}

// --- wm_disconnect ---

func (r *Router) handleDisconnect(ctx *rpc.Context) {
	record, ok := mustSession(ctx)
	if !ok {
		return
	}

	if err := r.store.Delete(ctx, record.SessionID); err != nil {
		ctx.Fail(errs.Internal(err).RPCError(), "")
		return
	}
	r.engine.Cleanup(ctx, record.SessionID)
	r.unindexSession(record.SessionID)
	r.node.Notify(record.SessionID, EventSessionTerminated, nil)

	if r.metrics != nil {
		r.metrics.ConnectedSessions.Dec()
		r.metrics.SessionsTerminated.Inc()
	}

	ctx.Succeed(nil)
}

// --- wm_getPermissions ---

type getPermissionsParams struct {
	ChainIDs []string `json:"chainIds,omitempty"`
}

type getPermissionsResult struct {
	Permissions permission.HumanReadablePermissions `json:"permissions"`
}

func (r *Router) handleGetPermissions(ctx *rpc.Context) {
	record, ok := mustSession(ctx)
	if !ok {
		return
	}

	var p getPermissionsParams
	// chainIds is optional; a missing/empty field leaves p at its zero
	// value rather than an error (see rpc.Params.Translate on nil).
	_ = ctx.Request.Params.Translate(&p)

	result, err := rpc.NewParams(getPermissionsResult{Permissions: r.engine.GetPermissions(ctx, record, p.ChainIDs)})
	if err != nil {
		ctx.Fail(errs.Internal(err).RPCError(), "")
		return
	}
	ctx.Succeed(result)
}

// --- wm_updatePermissions ---

type updatePermissionsParams struct {
	Permissions session.Permissions `json:"permissions" validate:"required"`
}

type updatePermissionsResult struct {
	Permissions permission.HumanReadablePermissions `json:"permissions"`
}

func (r *Router) handleUpdatePermissions(ctx *rpc.Context) {
	record, ok := mustSession(ctx)
	if !ok {
		return
	}

	var p updatePermissionsParams
	if err := middleware.DecodeParams(ctx.Request.Params, &p); err != nil {
		ctx.Fail(asRPCError(err), "")
		return
	}

	granted, err := r.engine.ApprovePermissions(ctx, permission.ApprovalRequest{
		Session:   record,
		Origin:    ctx.Origin,
		Requested: p.Permissions,
	})
	if err != nil {
		ctx.Fail(errs.Internal(err).RPCError(), "")
		return
	}

	updated := record.Clone()
	if updated.Permissions == nil {
		updated.Permissions = make(session.Permissions)
	}
	for chainID, methods := range granted {
		if updated.Permissions[chainID] == nil {
			updated.Permissions[chainID] = make(session.ChainPermissions, len(methods))
		}
		for method, policy := range methods {
			updated.Permissions[chainID][method] = policy
		}
	}
	if err := r.store.Update(ctx, updated); err != nil {
		ctx.Fail(errs.Internal(err).RPCError(), "")
		return
	}
	r.indexSession(updated)

	view := r.engine.GetPermissions(ctx, updated, nil)
	result, err := rpc.NewParams(updatePermissionsResult{Permissions: view})
	if err != nil {
		ctx.Fail(errs.Internal(err).RPCError(), "")
		return
	}
	if notifyParams, nErr := rpc.NewParams(view); nErr == nil {
		r.node.Notify(record.SessionID, EventPermissionsChanged, notifyParams)
	}
	ctx.Succeed(result)
}

// --- wm_call ---

// callSpec is the {method, params} tuple that makes up a single method call.
type callSpec struct {
	Method string     `json:"method" validate:"required"`
	Params rpc.Params `json:"params,omitempty"`
}

type callParams struct {
	ChainID string   `json:"chainId" validate:"required"`
	Call    callSpec `json:"call" validate:"required"`
}

func (r *Router) handleCall(ctx *rpc.Context) {
	// PermissionCheck already decoded and stashed this call; reuse it
	// rather than decoding ctx.Request.Params a second time.
	calls, ok := middleware.CallsFromContext(ctx)
	if !ok || len(calls) != 1 {
		ctx.Fail(errs.InvalidRequest("missing call").RPCError(), "")
		return
	}
	call := calls[0]

	result, err := r.forwardOne(ctx, call.ChainID, callSpec{Method: call.Method, Params: call.Params})
	if err != nil {
		ctx.Fail(asRPCError(err), "")
		return
	}
	ctx.Succeed(result)
}

// forwardOne resolves chainID's wallet proxy and forwards call, raising
// unknownChain when no proxy is registered; unavailability and transport
// failures are surfaced by Proxy.Call itself.
func (r *Router) forwardOne(ctx context.Context, chainID string, call callSpec) (rpc.Params, error) {
	p, ok := r.wallet(chainID)
	if !ok {
		return nil, errs.UnknownChain(chainID)
	}

	spanCtx, span := tracer.Start(ctx, "router.call", trace.WithAttributes(
		attribute.String("chain_id", chainID),
		attribute.String("method", call.Method),
	))
	defer span.End()

	result, err := p.Call(spanCtx, call.Method, call.Params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// --- wm_bulkCall ---

type bulkCallParams struct {
	ChainID string     `json:"chainId" validate:"required"`
	Calls   []callSpec `json:"calls" validate:"required,min=1,dive"`
}

type bulkCallResult struct {
	Results []rpc.Params `json:"results"`
}

func (r *Router) handleBulkCall(ctx *rpc.Context) {
	// PermissionCheck already decoded and stashed the batch; reuse it
	// rather than decoding ctx.Request.Params a second time.
	calls, ok := middleware.CallsFromContext(ctx)
	if !ok || len(calls) == 0 {
		ctx.Fail(errs.InvalidRequest("missing calls").RPCError(), "")
		return
	}

	spanCtx, span := tracer.Start(ctx, "router.bulk_call", trace.WithAttributes(
		attribute.String("chain_id", calls[0].ChainID),
		attribute.Int("call_count", len(calls)),
	))
	defer span.End()

	if r.metrics != nil {
		r.metrics.BulkCallsTotal.Inc()
		r.metrics.BulkCallCallCount.Observe(float64(len(calls)))
	}

	// Stop-on-error, not transactional rollback: a wallet may already have
	// produced side effects for earlier calls.
	successes := make([]rpc.Params, 0, len(calls))
	for i, call := range calls {
		result, err := r.forwardOne(spanCtx, call.ChainID, callSpec{Method: call.Method, Params: call.Params})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if r.metrics != nil {
				r.metrics.BulkCallFailures.Inc()
			}
			ctx.Fail(errs.PartialFailure(successes, i, err).RPCError(), "")
			return
		}
		successes = append(successes, result)
	}

	result, err := rpc.NewParams(bulkCallResult{Results: successes})
	if err != nil {
		ctx.Fail(errs.Internal(err).RPCError(), "")
		return
	}
	ctx.Succeed(result)
}

// --- wm_getSupportedMethods ---

type getSupportedMethodsParams struct {
	ChainIDs []string `json:"chainIds,omitempty"`
}

type getSupportedMethodsResult struct {
	Methods map[string][]string `json:"methods"`
}

func (r *Router) handleGetSupportedMethods(ctx *rpc.Context) {
	var p getSupportedMethodsParams
	_ = ctx.Request.Params.Translate(&p)

	chainIDs := p.ChainIDs
	if len(chainIDs) == 0 {
		r.walletsMu.RLock()
		for chainID := range r.wallets {
			chainIDs = append(chainIDs, chainID)
		}
		r.walletsMu.RUnlock()
	}

	methods := make(map[string][]string, len(chainIDs))
	for _, chainID := range chainIDs {
		wallet, ok := r.wallet(chainID)
		if !ok {
			ctx.Fail(errs.UnknownChain(chainID).RPCError(), "")
			return
		}
		supported, err := wallet.SupportedMethods(ctx)
		if err != nil {
			ctx.Fail(asRPCError(err), "")
			return
		}
		methods[chainID] = supported
	}

	result, err := rpc.NewParams(getSupportedMethodsResult{Methods: methods})
	if err != nil {
		ctx.Fail(errs.Internal(err).RPCError(), "")
		return
	}
	ctx.Succeed(result)
}
