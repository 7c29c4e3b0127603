package rpc_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletmesh/router-core/pkg/rpc"
)

type mockWriter struct {
	buf *[]byte
	m   *mockWSConn
}

func (w *mockWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

func (w *mockWriter) Close() error {
	w.m.mu.Lock()
	w.m.closeCount++
	w.m.lastWritten = *w.buf
	w.m.mu.Unlock()
	return nil
}

type mockWSConn struct {
	mu          sync.Mutex
	closeCount  int
	lastWritten []byte
	inbound     chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
}

func newMockWSConn() *mockWSConn {
	return &mockWSConn{
		inbound: make(chan []byte, 10),
		closed:  make(chan struct{}),
	}
}

func (m *mockWSConn) push(msg []byte) { m.inbound <- msg }

func (m *mockWSConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-m.inbound:
		return 1, msg, nil
	case <-m.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (m *mockWSConn) NextWriter(int) (io.WriteCloser, error) {
	buf := make([]byte, 0)
	return &mockWriter{buf: &buf, m: m}, nil
}

func (m *mockWSConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	m.mu.Lock()
	m.closeCount++
	m.mu.Unlock()
	return nil
}

func (m *mockWSConn) getCalledCloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCount
}

func (m *mockWSConn) getLastWrittenMessage() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastWritten
}

var _ rpc.WSConn = (*mockWSConn)(nil)

func TestNewWebsocketConnection_Defaults(t *testing.T) {
	conn, err := rpc.NewWebsocketConnection(rpc.WebsocketConnectionConfig{
		ConnectionID:  "c1",
		WebsocketConn: newMockWSConn(),
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", conn.ConnectionID())
	assert.Equal(t, 10, cap(conn.RawRequests()))
}

func TestNewWebsocketConnection_Validation(t *testing.T) {
	_, err := rpc.NewWebsocketConnection(rpc.WebsocketConnectionConfig{WebsocketConn: newMockWSConn()})
	assert.ErrorContains(t, err, "connection ID cannot be empty")

	_, err = rpc.NewWebsocketConnection(rpc.WebsocketConnectionConfig{ConnectionID: "c1"})
	assert.ErrorContains(t, err, "websocket connection cannot be nil")
}

func TestWebsocketConnection_Serve(t *testing.T) {
	mock := newMockWSConn()
	conn, err := rpc.NewWebsocketConnection(rpc.WebsocketConnectionConfig{
		ConnectionID:  "c1",
		WebsocketConn: mock,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var closeErr error
	var wg sync.WaitGroup
	wg.Add(1)
	conn.Serve(ctx, func(err error) { closeErr = err; wg.Done() })
	conn.Serve(ctx, func(err error) { t.Fatal("Serve should be idempotent") }) // second call is a no-op

	mock.push([]byte("hello"))
	select {
	case msg := <-conn.RawRequests():
		assert.Equal(t, "hello", string(msg))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for raw request")
	}

	ok := conn.WriteRawResponse([]byte("msg1"))
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		return string(mock.getLastWrittenMessage()) == "msg1"
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, mock.getCalledCloseCount())

	cancel()
	wg.Wait()
	assert.NoError(t, closeErr)
	assert.Equal(t, 2, mock.getCalledCloseCount())
}

func TestWebsocketConnection_WriteRawResponse_TimesOutWhenFull(t *testing.T) {
	mock := newMockWSConn()
	conn, err := rpc.NewWebsocketConnection(rpc.WebsocketConnectionConfig{
		ConnectionID:      "c1",
		WebsocketConn:     mock,
		WriteBufferSize:   1,
		WriteTimeout:      50 * time.Millisecond,
		ProcessBufferSize: 1,
	})
	require.NoError(t, err)

	assert.True(t, conn.WriteRawResponse([]byte("msg1")))
	assert.False(t, conn.WriteRawResponse([]byte("msg2")))
}
