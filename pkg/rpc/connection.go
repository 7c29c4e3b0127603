package rpc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/walletmesh/router-core/pkg/log"
)

// Connection represents a single physical transport connection to either a
// dApp (router's node side) or a wallet (proxy's dialer side).
type Connection interface {
	ConnectionID() string
	UserID() string
	SetUserID(userID string)
	RawRequests() <-chan []byte
	WriteRawResponse(msg []byte) bool
	Serve(ctx context.Context, handleClosure func(error))
}

// WSConn is the subset of *websocket.Conn used by WebsocketConnection. It
// exists so tests can substitute a mock transport.
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	NextWriter(messageType int) (io.WriteCloser, error)
	Close() error
}

var _ Connection = (*WebsocketConnection)(nil)

// WebsocketConnectionConfig configures a WebsocketConnection.
type WebsocketConnectionConfig struct {
	ConnectionID  string
	UserID        string
	WebsocketConn WSConn
	Logger        log.Logger

	OnMessageSentHandler func([]byte)

	WriteTimeout      time.Duration
	WriteBufferSize   int
	ProcessBufferSize int
}

// WebsocketConnection implements Connection over a WebSocket transport. It
// runs independent read and write loops so a slow writer never blocks reads
// (or vice versa).
type WebsocketConnection struct {
	connectionID string
	wsConn       WSConn
	logger       log.Logger
	onSent       func([]byte)
	writeTimeout time.Duration

	mu     sync.RWMutex
	userID string

	rawRequests chan []byte
	writeCh     chan []byte

	serveOnce sync.Once
}

// NewWebsocketConnection validates cfg and builds a WebsocketConnection.
func NewWebsocketConnection(cfg WebsocketConnectionConfig) (*WebsocketConnection, error) {
	if cfg.ConnectionID == "" {
		return nil, fmt.Errorf("connection ID cannot be empty")
	}
	if cfg.WebsocketConn == nil {
		return nil, fmt.Errorf("websocket connection cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNoopLogger()
	}
	if cfg.OnMessageSentHandler == nil {
		cfg.OnMessageSentHandler = func([]byte) {}
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = 10
	}
	if cfg.ProcessBufferSize <= 0 {
		cfg.ProcessBufferSize = 10
	}

	return &WebsocketConnection{
		connectionID: cfg.ConnectionID,
		userID:       cfg.UserID,
		wsConn:       cfg.WebsocketConn,
		logger:       cfg.Logger.WithName("ws-connection"),
		onSent:       cfg.OnMessageSentHandler,
		writeTimeout: cfg.WriteTimeout,
		rawRequests:  make(chan []byte, cfg.ProcessBufferSize),
		writeCh:      make(chan []byte, cfg.WriteBufferSize),
	}, nil
}

func (c *WebsocketConnection) ConnectionID() string { return c.connectionID }

func (c *WebsocketConnection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *WebsocketConnection) SetUserID(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

func (c *WebsocketConnection) RawRequests() <-chan []byte { return c.rawRequests }

// WriteRawResponse enqueues msg for the write loop. It returns false if the
// write buffer stays full for longer than the configured write timeout,
// which signals an unresponsive peer.
func (c *WebsocketConnection) WriteRawResponse(msg []byte) bool {
	select {
	case c.writeCh <- msg:
		return true
	case <-time.After(c.writeTimeout):
		return false
	}
}

// Serve starts the read and write loops. It is idempotent: calling it more
// than once is a no-op beyond the first call. handleClosure is invoked
// exactly once, after both loops have exited.
func (c *WebsocketConnection) Serve(ctx context.Context, handleClosure func(error)) {
	c.serveOnce.Do(func() {
		go c.run(ctx, handleClosure)
	})
}

func (c *WebsocketConnection) run(ctx context.Context, handleClosure func(error)) {
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := sync.WaitGroup{}
	wg.Add(2)

	var mu sync.Mutex
	var firstErr error
	done := func(err error) {
		mu.Lock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		cancel()
		wg.Done()
	}

	go c.readLoop(childCtx, done)
	go c.writeLoop(childCtx, done)

	// Closing the transport once the context ends is what unblocks a read
	// loop parked in ReadMessage.
	<-childCtx.Done()
	c.wsConn.Close()
	wg.Wait()
	close(c.rawRequests)
	handleClosure(firstErr)
}

func (c *WebsocketConnection) readLoop(ctx context.Context, done func(error)) {
	for {
		_, msg, err := c.wsConn.ReadMessage()
		if ctx.Err() != nil {
			done(nil)
			return
		}
		if err != nil {
			c.logger.Debug("read loop exiting", "error", err)
			done(nil)
			return
		}

		select {
		case c.rawRequests <- msg:
		case <-ctx.Done():
			done(nil)
			return
		}
	}
}

func (c *WebsocketConnection) writeLoop(ctx context.Context, done func(error)) {
	for {
		select {
		case <-ctx.Done():
			done(nil)
			return
		case msg := <-c.writeCh:
			w, err := c.wsConn.NextWriter(websocket.TextMessage)
			if err != nil {
				done(err)
				return
			}
			if _, err := w.Write(msg); err != nil {
				done(err)
				return
			}
			if err := w.Close(); err != nil {
				done(err)
				return
			}
			c.onSent(msg)
		}
	}
}
