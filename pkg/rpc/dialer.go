package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/walletmesh/router-core/pkg/log"
)

// Dialer is the client side of an RPC connection: it establishes a transport
// to a single peer (a wallet, from the proxy's perspective) and exchanges
// requests/responses and unsolicited events over it.
type Dialer interface {
	// Dial establishes a connection to the specified URL and returns once
	// it is up; the connection then runs in the background until ctx ends
	// or the transport fails. handleClosure is invoked exactly once, when
	// the connection closes.
	Dial(ctx context.Context, url string, handleClosure func(err error)) error

	// IsConnected reports whether the dialer currently has an active connection.
	IsConnected() bool

	// Call sends an RPC request and waits for its matching response. The
	// context may be used to bound how long to wait.
	Call(ctx context.Context, req *Request) (*Response, error)

	// EventCh returns unsolicited events: responses that matched no pending
	// Call, and incoming Requests/notifications the peer pushed unprompted.
	EventCh() <-chan []byte
}

// dialCtx holds resources tied to the lifetime of one connection attempt.
type dialCtx struct {
	ctx  context.Context
	conn *websocket.Conn
	lg   log.Logger
}

// WebsocketDialerConfig configures a WebsocketDialer.
type WebsocketDialerConfig struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	// PingRequestID is the id every keepalive ping is sent with; Call does
	// not reserve it.
	PingRequestID uint64
	EventChanSize int
}

// DefaultWebsocketDialerConfig provides sensible defaults for dialing a wallet transport.
var DefaultWebsocketDialerConfig = WebsocketDialerConfig{
	HandshakeTimeout: 5 * time.Second,
	PingInterval:     15 * time.Second,
	PingRequestID:    0, // the proxy's and provider's id counters start at 1
	EventChanSize:    100,
}

// WebsocketDialer implements Dialer over a WebSocket connection, with
// automatic ping/pong keepalive and thread-safe concurrent Call.
type WebsocketDialer struct {
	cfg           WebsocketDialerConfig
	dialCtx       *dialCtx
	eventCh       chan []byte
	responseSinks map[uint64]chan *Response
	mu            sync.RWMutex
	writeMu       sync.Mutex
}

var _ Dialer = (*WebsocketDialer)(nil)

// NewWebsocketDialer creates a WebsocketDialer with the given configuration.
func NewWebsocketDialer(cfg WebsocketDialerConfig) *WebsocketDialer {
	return &WebsocketDialer{
		cfg:           cfg,
		eventCh:       make(chan []byte, cfg.EventChanSize),
		responseSinks: make(map[uint64]chan *Response),
	}
}

// Dial connects to url and starts the read/ping loops in the background. It
// returns as soon as the handshake completes (or fails); it does not wait
// for the connection to close.
func (d *WebsocketDialer) Dial(parentCtx context.Context, url string, handleClosure func(err error)) error {
	if d.IsConnected() {
		return ErrAlreadyConnected
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  d.cfg.HandshakeTimeout,
		EnableCompression: true,
	}

	conn, _, err := dialer.DialContext(parentCtx, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDialingWebsocket, err)
	}

	childCtx, cancel := context.WithCancel(parentCtx)
	wg := sync.WaitGroup{}
	wg.Add(3)

	var closureErr error
	var closureErrMu sync.Mutex
	childHandleClosure := func(err error) {
		closureErrMu.Lock()
		defer closureErrMu.Unlock()

		if err != nil && closureErr == nil {
			closureErr = err
		}
		cancel()
		wg.Done()
	}

	d.mu.Lock()
	d.dialCtx = &dialCtx{
		ctx:  childCtx,
		conn: conn,
		lg:   log.FromContext(parentCtx).WithName("ws-dialer"),
	}
	d.eventCh = make(chan []byte, d.cfg.EventChanSize)
	d.mu.Unlock()

	go d.closeOnContextDone(childCtx, childHandleClosure)
	go d.readMessages(childCtx, childHandleClosure)
	go d.pingPeriodically(childCtx, childHandleClosure)

	go func() {
		wg.Wait()

		closureErrMu.Lock()
		defer closureErrMu.Unlock()
		handleClosure(closureErr)
	}()

	return nil
}

// IsConnected reports whether the dialer currently has an active connection.
func (d *WebsocketDialer) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.dialCtx != nil && d.dialCtx.ctx.Err() == nil
}

func (d *WebsocketDialer) closeOnContextDone(ctx context.Context, handleClosure func(err error)) {
	<-ctx.Done()

	d.mu.RLock()
	conn := d.dialCtx.conn
	d.mu.RUnlock()

	err := conn.Close()

	d.mu.Lock()
	for _, sink := range d.responseSinks {
		close(sink)
	}
	d.responseSinks = make(map[uint64]chan *Response)
	d.mu.Unlock()

	handleClosure(err)
}

// readMessages reads frames off the wire and either routes them to a pending
// Call's response sink, or forwards them (response or request alike) to
// EventCh as an unsolicited event.
func (d *WebsocketDialer) readMessages(ctx context.Context, handleClosure func(err error)) {
	d.mu.RLock()
	conn := d.dialCtx.conn
	lg := d.dialCtx.lg
	d.mu.RUnlock()

	for {
		_, messageBytes, err := conn.ReadMessage()
		if ctx.Err() != nil {
			handleClosure(nil)
			lg.Info("websocket read loop exiting due to context done")
			return
		} else if _, ok := err.(net.Error); ok {
			handleClosure(fmt.Errorf("%w: %w", ErrConnectionTimeout, err))
			lg.Error("websocket connection timeout", "error", err)
			return
		} else if err != nil {
			handleClosure(fmt.Errorf("%w: %w", ErrReadingMessage, err))
			lg.Error("websocket read error", "error", err)
			return
		}

		req, res, err := DecodeMessage(messageBytes)
		if err != nil {
			lg.Warn("malformed message", "message", string(messageBytes), "error", err)
			continue
		}

		if req != nil {
			d.deliverEvent(ctx, messageBytes, handleClosure, lg)
			continue
		}

		if res.ID == nil {
			d.deliverEvent(ctx, messageBytes, handleClosure, lg)
			continue
		}

		d.mu.Lock()
		responseSink, exists := d.responseSinks[*res.ID]
		d.mu.Unlock()

		if !exists {
			d.deliverEvent(ctx, messageBytes, handleClosure, lg)
			continue
		}

		select {
		case <-ctx.Done():
			handleClosure(nil)
			return
		case responseSink <- res:
		default:
			lg.Warn("response channel full, dropping message", "requestID", *res.ID)
		}
	}
}

func (d *WebsocketDialer) deliverEvent(ctx context.Context, messageBytes []byte, handleClosure func(error), lg log.Logger) {
	select {
	case <-ctx.Done():
		handleClosure(nil)
	case d.eventCh <- messageBytes:
	default:
		lg.Warn("event channel full, dropping message")
	}
}

// Call sends req and blocks until a matching response arrives, ctx is done,
// or the connection closes.
func (d *WebsocketDialer) Call(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	if req.ID == nil {
		return nil, fmt.Errorf("%w: call requires a request id", ErrNilRequest)
	}

	d.mu.Lock()
	if d.dialCtx == nil || d.dialCtx.ctx.Err() != nil {
		d.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := d.dialCtx.conn
	connCtx := d.dialCtx.ctx
	responseSink := make(chan *Response, 1)
	d.responseSinks[*req.ID] = responseSink
	d.mu.Unlock()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMarshalingRequest, err)
	}

	d.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, reqJSON)
	d.writeMu.Unlock()

	if err != nil {
		d.mu.Lock()
		delete(d.responseSinks, *req.ID)
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrSendingRequest, err)
	}

	var res *Response
	select {
	case <-ctx.Done():
	case <-connCtx.Done():
	case res = <-responseSink:
	}

	d.mu.Lock()
	delete(d.responseSinks, *req.ID)
	d.mu.Unlock()

	if res == nil {
		return nil, fmt.Errorf("%w for request %d", ErrNoResponse, *req.ID)
	}
	return res, nil
}

func (d *WebsocketDialer) pingPeriodically(ctx context.Context, handleClosure func(err error)) {
	d.mu.RLock()
	lg := d.dialCtx.lg
	d.mu.RUnlock()

	ticker := time.NewTicker(d.cfg.PingInterval)
	defer ticker.Stop()

	id := d.cfg.PingRequestID

	for {
		select {
		case <-ctx.Done():
			handleClosure(nil)
			lg.Info("ping loop exiting due to context done")
			return
		case <-ticker.C:
			req := NewRequest(&id, PingMethod.String(), nil)

			if _, err := d.Call(ctx, &req); err != nil {
				handleClosure(fmt.Errorf("%w: %w", ErrSendingPing, err))
				lg.Error("error sending ping", "error", err)
				return
			}
		}
	}
}

// EventCh returns raw unsolicited messages: events that did not match a
// pending Call. The channel is replaced on each Dial, so callers should
// fetch it again after reconnecting.
func (d *WebsocketDialer) EventCh() <-chan []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.eventCh
}
