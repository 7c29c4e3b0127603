package rpc_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletmesh/router-core/pkg/rpc"
)

// echoServer answers every request with a success response carrying the
// same params back, and supports pushing unsolicited notifications.
func echoServer(t *testing.T, push chan []byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var req rpc.Request
				if err := json.Unmarshal(msg, &req); err != nil {
					continue
				}
				res := rpc.NewResponse(req.ID, req.Params)
				data, _ := json.Marshal(res)
				conn.WriteMessage(websocket.TextMessage, data)
			}
		}()

		for {
			select {
			case msg := <-push:
				conn.WriteMessage(websocket.TextMessage, msg)
			case <-done:
				return
			}
		}
	}))
}

func TestWebsocketDialer_CallRoundTrip(t *testing.T) {
	push := make(chan []byte)
	server := echoServer(t, push)
	defer server.Close()

	dialer := rpc.NewWebsocketDialer(rpc.DefaultWebsocketDialerConfig)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closed := make(chan error, 1)
	require.NoError(t, dialer.Dial(ctx, wsURL, func(err error) { closed <- err }))
	require.Eventually(t, dialer.IsConnected, time.Second, 10*time.Millisecond)

	id := uint64(1)
	params, err := rpc.NewParams(map[string]string{"hello": "world"})
	require.NoError(t, err)
	req := rpc.NewRequest(&id, "wallet_echo", params)

	res, err := dialer.Call(context.Background(), &req)
	require.NoError(t, err)
	assert.Nil(t, res.Err())

	var out map[string]string
	require.NoError(t, res.Result.Translate(&out))
	assert.Equal(t, "world", out["hello"])
}

func TestWebsocketDialer_EventCh(t *testing.T) {
	push := make(chan []byte)
	server := echoServer(t, push)
	defer server.Close()

	dialer := rpc.NewWebsocketDialer(rpc.DefaultWebsocketDialerConfig)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, dialer.Dial(ctx, wsURL, func(error) {}))
	require.Eventually(t, dialer.IsConnected, time.Second, 10*time.Millisecond)

	notif := rpc.NewRequest(nil, "wm_walletStateChanged", nil)
	data, err := json.Marshal(notif)
	require.NoError(t, err)
	push <- data

	select {
	case msg := <-dialer.EventCh():
		var decoded rpc.Request
		require.NoError(t, json.Unmarshal(msg, &decoded))
		assert.Equal(t, "wm_walletStateChanged", decoded.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWebsocketDialer_CallWithoutDialing(t *testing.T) {
	dialer := rpc.NewWebsocketDialer(rpc.DefaultWebsocketDialerConfig)
	id := uint64(1)
	req := rpc.NewRequest(&id, "whatever", nil)

	_, err := dialer.Call(context.Background(), &req)
	assert.ErrorIs(t, err, rpc.ErrNotConnected)
}

// TestWebsocketDialer_PingReusesReservedID guards against a ping loop
// minting its own incrementing ids: a second counter starting at 1 would
// eventually collide with a real Call's id (proxy/provider counters also
// start at 1), silently stealing that Call's response sink.
func TestWebsocketDialer_PingReusesReservedID(t *testing.T) {
	var mu sync.Mutex
	var pingIDs []uint64

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req rpc.Request
			require.NoError(t, json.Unmarshal(msg, &req))
			if req.Method == rpc.PingMethod.String() {
				mu.Lock()
				pingIDs = append(pingIDs, *req.ID)
				mu.Unlock()
			}
			res := rpc.NewResponse(req.ID, req.Params)
			data, _ := json.Marshal(res)
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}))
	defer server.Close()

	cfg := rpc.DefaultWebsocketDialerConfig
	cfg.PingInterval = 10 * time.Millisecond
	dialer := rpc.NewWebsocketDialer(cfg)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, dialer.Dial(ctx, wsURL, func(error) {}))
	require.Eventually(t, dialer.IsConnected, time.Second, 10*time.Millisecond)

	// Concurrently drive real Calls whose ids start at 1, same as the
	// ping loop's old per-counter scheme would have.
	for i := 0; i < 10; i++ {
		id := uint64(1)
		params, err := rpc.NewParams(map[string]string{"n": "x"})
		require.NoError(t, err)
		req := rpc.NewRequest(&id, "wallet_echo", params)
		res, err := dialer.Call(context.Background(), &req)
		require.NoError(t, err)
		require.Nil(t, res.Err())
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(pingIDs) >= 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, id := range pingIDs {
		assert.Equal(t, cfg.PingRequestID, id)
	}
}

func TestWebsocketDialer_DoubleDial(t *testing.T) {
	push := make(chan []byte)
	server := echoServer(t, push)
	defer server.Close()

	dialer := rpc.NewWebsocketDialer(rpc.DefaultWebsocketDialerConfig)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, dialer.Dial(ctx, wsURL, func(error) {}))
	require.Eventually(t, dialer.IsConnected, time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, dialer.Dial(ctx, wsURL, func(error) {}), rpc.ErrAlreadyConnected)
}
