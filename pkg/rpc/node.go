package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/walletmesh/router-core/pkg/log"
)

const defaultNodeErrorMessage = "an error occurred while processing the request"

const (
	nodeGroupHandlerPrefix = "group."
	nodeGroupRoot          = "root"
)

// SendResponseFunc pushes a server-initiated message to a single connection.
type SendResponseFunc func(method string, params Params)

// Node represents an RPC server that manages client connections and routes
// messages to appropriate handlers. It is transport-agnostic; WebsocketNode
// is the binding used by the reference daemon.
type Node interface {
	// Handle registers a handler for a specific RPC method.
	Handle(method string, handler Handler)
	// Notify sends a server-initiated notification to every connection
	// claimed by userID. If userID has no active connections, the
	// notification is dropped.
	Notify(userID string, method string, params Params)
	// Use adds global middleware, executed for every request before any
	// method-specific handler.
	Use(middleware Handler)
	// NewGroup creates a handler group for organizing related endpoints
	// under shared middleware.
	NewGroup(name string) HandlerGroup
}

// HandlerGroup organizes a set of handlers under shared middleware, and may
// itself contain nested groups.
type HandlerGroup interface {
	Handle(method string, handler Handler)
	Use(middleware Handler)
	NewGroup(name string) HandlerGroup
}

var (
	_ Node         = &WebsocketNode{}
	_ http.Handler = &WebsocketNode{}

	_ HandlerGroup = &WebsocketHandlerGroup{}
)

// WebsocketNode implements Node over a WebSocket transport: it upgrades
// incoming HTTP requests, routes decoded requests through the matching
// handler chain, and writes back JSON-RPC responses.
type WebsocketNode struct {
	upgrader websocket.Upgrader
	cfg      WebsocketNodeConfig
	groupId  string

	handlerChain map[string][]Handler
	routes       map[string][]string

	connHub *ConnectionHub
}

// WebsocketNodeConfig configures a WebsocketNode. Logger is required; every
// other field has a sensible default.
type WebsocketNodeConfig struct {
	Logger log.Logger

	OnConnectHandler       func(send SendResponseFunc)
	OnDisconnectHandler    func(userID string)
	OnMessageSentHandler   func([]byte)
	OnAuthenticatedHandler func(userID string, send SendResponseFunc)

	WsUpgraderReadBufferSize  int
	WsUpgraderWriteBufferSize int
	WsUpgraderCheckOrigin     func(r *http.Request) bool

	WsConnWriteTimeout      time.Duration
	WsConnWriteBufferSize   int
	WsConnProcessBufferSize int
}

// NewWebsocketNode builds a WebsocketNode ready to accept connections. A
// built-in "ping" handler is registered automatically.
func NewWebsocketNode(config WebsocketNodeConfig) (*WebsocketNode, error) {
	if config.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	config.Logger = config.Logger.WithName("rpc-node")

	if config.OnConnectHandler == nil {
		config.OnConnectHandler = func(send SendResponseFunc) {}
	}
	if config.OnDisconnectHandler == nil {
		config.OnDisconnectHandler = func(userID string) {}
	}
	if config.OnMessageSentHandler == nil {
		config.OnMessageSentHandler = func([]byte) {}
	}
	if config.OnAuthenticatedHandler == nil {
		config.OnAuthenticatedHandler = func(userID string, send SendResponseFunc) {}
	}
	if config.WsUpgraderReadBufferSize <= 0 {
		config.WsUpgraderReadBufferSize = 1024
	}
	if config.WsUpgraderWriteBufferSize <= 0 {
		config.WsUpgraderWriteBufferSize = 1024
	}
	if config.WsUpgraderCheckOrigin == nil {
		config.WsUpgraderCheckOrigin = func(r *http.Request) bool { return true }
	}

	node := &WebsocketNode{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.WsUpgraderReadBufferSize,
			WriteBufferSize: config.WsUpgraderWriteBufferSize,
			CheckOrigin:     config.WsUpgraderCheckOrigin,
		},
		cfg:          config,
		groupId:      nodeGroupHandlerPrefix + nodeGroupRoot,
		handlerChain: make(map[string][]Handler),
		routes:       make(map[string][]string),
		connHub:      NewConnectionHub(),
	}

	node.Handle(PingMethod.String(), node.handlePing)

	return node, nil
}

// ServeHTTP upgrades the incoming request to a WebSocket connection and
// blocks until it closes, running the read/process/write loops concurrently.
func (wn *WebsocketNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConnection, err := wn.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wn.cfg.Logger.Error("failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer wsConnection.Close()

	connectionID := uuid.NewString()
	origin := r.Header.Get("Origin")

	connConfig := WebsocketConnectionConfig{
		ConnectionID:         connectionID,
		WebsocketConn:        wsConnection,
		Logger:               wn.cfg.Logger,
		OnMessageSentHandler: wn.cfg.OnMessageSentHandler,
		WriteTimeout:         wn.cfg.WsConnWriteTimeout,
		WriteBufferSize:      wn.cfg.WsConnWriteBufferSize,
		ProcessBufferSize:    wn.cfg.WsConnProcessBufferSize,
	}
	connection, err := NewWebsocketConnection(connConfig)
	if err != nil {
		wn.cfg.Logger.Error("failed to create WebSocket connection", "error", err, "connectionID", connectionID)
		return
	}
	if err := wn.connHub.Add(connection); err != nil {
		wn.cfg.Logger.Error("failed to add connection to hub", "error", err, "connectionID", connectionID)
		return
	}

	wn.cfg.OnConnectHandler(wn.getSendResponseFunc(connection))
	wn.cfg.Logger.Info("new WebSocket connection established", "connectionID", connectionID, "origin", origin)

	defer func() {
		userID := connection.UserID()
		wn.connHub.Remove(connectionID)

		wn.cfg.OnDisconnectHandler(userID)
		wn.cfg.Logger.Info("connection closed", "connectionID", connectionID, "userID", userID)
	}()

	parentCtx, cancel := context.WithCancel(r.Context())
	wg := &sync.WaitGroup{}
	wg.Add(2)
	childHandleClosure := func(_ error) {
		cancel()
		wg.Done()
	}

	go connection.Serve(parentCtx, childHandleClosure)
	go wn.processRequests(connection, origin, parentCtx, childHandleClosure)

	wg.Wait()
}

// processRequests is the main decode-route-handle-respond loop for a single connection.
func (wn *WebsocketNode) processRequests(conn Connection, origin string, parentCtx context.Context, handleClosure func(error)) {
	defer handleClosure(nil)
	safeStorage := NewSafeStorage()

	for {
		var messageBytes []byte
		select {
		case <-parentCtx.Done():
			wn.cfg.Logger.Debug("context done, stopping message processing")
			return
		case messageBytes = <-conn.RawRequests():
			if len(messageBytes) == 0 {
				return
			}
		}

		req := Request{}
		if err := json.Unmarshal(messageBytes, &req); err != nil {
			wn.cfg.Logger.Debug("invalid message format", "error", err, "message", string(messageBytes))
			wn.sendErrorResponse(conn, nil, CodeInvalidRequest, "invalid message format")
			continue
		}

		methodRoute, ok := wn.routes[req.Method]
		if !ok || len(methodRoute) == 0 {
			wn.cfg.Logger.Debug("no handlers' route found for method", "method", req.Method)
			wn.sendErrorResponse(conn, req.ID, CodeMethodNotSupported, fmt.Sprintf("unknown method: %s", req.Method))
			continue
		}

		var routeHandlers []Handler
		for _, handlersId := range methodRoute {
			// A group with no middleware registered contributes nothing.
			routeHandlers = append(routeHandlers, wn.handlerChain[handlersId]...)
		}
		if len(routeHandlers) == 0 {
			wn.sendErrorResponse(conn, req.ID, CodeMethodNotSupported, fmt.Sprintf("unknown method: %s", req.Method))
			continue
		}

		wn.cfg.Logger.Debug("processing message",
			"userID", conn.UserID(),
			"method", req.Method,
			"route", methodRoute)

		ctx := &Context{
			Context:      parentCtx,
			ConnectionID: conn.ConnectionID(),
			Origin:       origin,
			UserID:       conn.UserID(),
			Request:      req,
			handlers:     routeHandlers,
			Storage:      safeStorage,
		}
		ctx.Next()

		if req.IsNotification() {
			// Notifications never receive a response.
			continue
		}

		responseBytes, err := ctx.GetRawResponse()
		if err != nil {
			wn.sendErrorResponse(conn, req.ID, CodeUnknownError, defaultNodeErrorMessage)
			wn.cfg.Logger.Error("failed to prepare response", "error", err, "method", req.Method)
			continue
		}
		conn.WriteRawResponse(responseBytes)

		if conn.UserID() != ctx.UserID {
			wn.connHub.Reauthenticate(conn.ConnectionID(), ctx.UserID)
			wn.cfg.OnAuthenticatedHandler(ctx.UserID, wn.getSendResponseFunc(conn))
		}
	}
}

// NewGroup creates a handler group with the specified name.
func (wn *WebsocketNode) NewGroup(name string) HandlerGroup {
	return &WebsocketHandlerGroup{
		groupId:     nodeGroupHandlerPrefix + name,
		routePrefix: []string{wn.groupId},
		root:        wn,
	}
}

// Handle registers a handler function for the specified RPC method.
//
// Panics if method is empty or handler is nil.
func (wn *WebsocketNode) Handle(method string, handler Handler) {
	wn.handle(method, handler)
	wn.routes[method] = []string{wn.groupId, method}
}

func (wn *WebsocketNode) handle(method string, handler Handler) {
	if method == "" {
		panic("Websocket method cannot be empty")
	}
	if handler == nil {
		panic(fmt.Sprintf("Websocket handler cannot be nil for method %s", method))
	}

	wn.handlerChain[method] = []Handler{handler}
}

// Use adds global middleware that executes for all requests.
func (wn *WebsocketNode) Use(middleware Handler) {
	wn.use(wn.groupId, middleware)
}

func (wn *WebsocketNode) use(groupId string, middleware Handler) {
	if middleware == nil {
		panic("Websocket middleware handler cannot be nil for group")
	}

	if _, exists := wn.handlerChain[groupId]; !exists {
		wn.handlerChain[groupId] = []Handler{}
	}
	wn.handlerChain[groupId] = append(wn.handlerChain[groupId], middleware)
}

// Notify sends a server-initiated notification (a Request with no id) to
// every connection claimed by userID.
func (wn *WebsocketNode) Notify(userID, method string, params Params) {
	message, err := json.Marshal(NewRequest(nil, method, params))
	if err != nil {
		wn.cfg.Logger.Error("failed to prepare notification message", "error", err, "userID", userID, "method", method)
		return
	}

	wn.connHub.Publish(userID, message)
}

func (wn *WebsocketNode) getSendResponseFunc(conn Connection) SendResponseFunc {
	return func(method string, params Params) {
		message, err := json.Marshal(NewRequest(nil, method, params))
		if err != nil {
			wn.cfg.Logger.Error("failed to prepare notification message", "error", err, "method", method)
			return
		}

		if conn == nil {
			wn.cfg.Logger.Error("connection is nil, cannot send message", "method", method)
			return
		}

		conn.WriteRawResponse(message)
	}
}

// sendErrorResponse sends a protocol-level error response, for failures that
// occur before a request can be routed to a handler chain.
func (wn *WebsocketNode) sendErrorResponse(conn Connection, id *uint64, code int, message string) {
	if conn == nil {
		wn.cfg.Logger.Error("connection is nil, cannot send error response")
		return
	}

	res := NewErrorResponse(id, code, message, nil)
	responseBytes, err := json.Marshal(res)
	if err != nil {
		wn.cfg.Logger.Error("failed to prepare error response", "error", err)
		return
	}

	conn.WriteRawResponse(responseBytes)
}

// handlePing is the built-in handler for the "ping" method.
func (wn *WebsocketNode) handlePing(ctx *Context) {
	ctx.Next()
	ctx.Succeed(nil)
}

// WebsocketHandlerGroup implements HandlerGroup, organizing handlers under
// shared middleware. Groups nest: a request's chain is global middleware,
// then each parent group's middleware in order, then the matched group's own
// middleware, then the method handler.
type WebsocketHandlerGroup struct {
	groupId     string
	routePrefix []string
	root        *WebsocketNode
}

// NewGroup creates a nested handler group within this group.
func (hg *WebsocketHandlerGroup) NewGroup(name string) HandlerGroup {
	return &WebsocketHandlerGroup{
		groupId:     fmt.Sprintf("%s.%s", hg.groupId, name),
		routePrefix: append(hg.routePrefix, hg.groupId),
		root:        hg.root,
	}
}

// Handle registers a handler for the specified RPC method within this group.
func (hg *WebsocketHandlerGroup) Handle(method string, handler Handler) {
	hg.root.routes[method] = append(hg.routePrefix, hg.groupId, method)
	hg.root.handle(method, handler)
}

// Use adds middleware to this handler group.
func (hg *WebsocketHandlerGroup) Use(middleware Handler) {
	hg.root.use(hg.groupId, middleware)
}
