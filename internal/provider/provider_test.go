package provider_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletmesh/router-core/internal/provider"
	"github.com/walletmesh/router-core/pkg/rpc"
	"github.com/walletmesh/router-core/pkg/rpc/rpctest"
)

func dialedProvider(t *testing.T, dialer *rpctest.MockDialer) *provider.Provider {
	t.Helper()
	p := provider.New(provider.Config{Dialer: dialer})
	require.NoError(t, p.Dial(context.Background(), "mock://router", nil))
	require.Eventually(t, dialer.IsConnected, time.Second, 5*time.Millisecond)
	return p
}

func TestProvider_Connect_AdoptsSessionAndState(t *testing.T) {
	dialer := rpctest.NewMockDialer()
	dialer.RegisterHandler("wm_connect", func(rpc.Params) (rpc.Params, error) {
		return rpc.NewParams(map[string]any{
			"sessionId": "sess-1",
			"permissions": map[string]any{
				"eip155:1": map[string]any{
					"eth_accounts": map[string]any{"allowed": true, "shortDescription": "Read accounts"},
				},
			},
		})
	})
	p := dialedProvider(t, dialer)

	result, err := p.Connect(context.Background(), map[string]map[string]string{
		"eip155:1": {"eth_accounts": "ALLOW"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", result.SessionID)
	assert.True(t, result.Permissions["eip155:1"]["eth_accounts"].Allowed)
	assert.Equal(t, "sess-1", p.SessionID())
	assert.Equal(t, provider.StateConnected, p.State())
}

func TestProvider_Connect_EmitsConnectionEstablishedExactlyOnce(t *testing.T) {
	dialer := rpctest.NewMockDialer()
	dialer.RegisterHandler("wm_connect", func(rpc.Params) (rpc.Params, error) {
		return rpc.NewParams(map[string]any{"sessionId": "sess-1", "permissions": map[string]any{}})
	})
	p := dialedProvider(t, dialer)

	received := make(chan rpc.Params, 2)
	p.On("connection:established", func(params rpc.Params) { received <- params })

	_, err := p.Connect(context.Background(), nil, nil)
	require.NoError(t, err)

	select {
	case params := <-received:
		var decoded struct {
			SessionID string `json:"sessionId"`
		}
		require.NoError(t, params.Translate(&decoded))
		assert.Equal(t, "sess-1", decoded.SessionID)
	case <-time.After(time.Second):
		t.Fatal("connection:established was not dispatched")
	}

	select {
	case <-received:
		t.Fatal("connection:established dispatched more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProvider_Reconnect_EmitsConnectionRestoredExactlyOnce(t *testing.T) {
	dialer := rpctest.NewMockDialer()
	dialer.RegisterHandler("wm_reconnect", func(rpc.Params) (rpc.Params, error) {
		return rpc.NewParams(map[string]any{"permissions": map[string]any{}})
	})
	p := dialedProvider(t, dialer)

	received := make(chan rpc.Params, 2)
	p.On("connection:restored", func(params rpc.Params) { received <- params })

	_, err := p.Reconnect(context.Background(), "sess-1")
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("connection:restored was not dispatched")
	}

	select {
	case <-received:
		t.Fatal("connection:restored dispatched more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProvider_Call_AppliesSerializerBeforeDispatch(t *testing.T) {
	dialer := rpctest.NewMockDialer()
	dialer.RegisterHandler("wm_connect", func(rpc.Params) (rpc.Params, error) {
		return rpc.NewParams(map[string]any{"sessionId": "sess-1", "permissions": map[string]any{}})
	})
	var gotParams rpc.Params
	dialer.RegisterHandler("wm_call", func(params rpc.Params) (rpc.Params, error) {
		var decoded struct {
			Call struct {
				Params rpc.Params `json:"params"`
			} `json:"call"`
		}
		require.NoError(t, params.Translate(&decoded))
		gotParams = decoded.Call.Params
		return rpc.NewParams(map[string]any{"ok": true})
	})
	p := dialedProvider(t, dialer)
	_, err := p.Connect(context.Background(), nil, nil)
	require.NoError(t, err)

	p.RegisterSerializer("eth_sendTransaction", func(params rpc.Params) (rpc.Params, error) {
		return rpc.NewParams(map[string]string{"normalized": "yes"})
	})

	rawParams, err := rpc.NewParams(map[string]string{"to": "0xabc"})
	require.NoError(t, err)
	_, err = p.Call(context.Background(), "eip155:1", provider.CallSpec{Method: "eth_sendTransaction", Params: rawParams})
	require.NoError(t, err)

	var decoded struct {
		Normalized string `json:"normalized"`
	}
	require.NoError(t, gotParams.Translate(&decoded))
	assert.Equal(t, "yes", decoded.Normalized)
}

func TestProvider_Reconnect_FailureLeavesDisconnected(t *testing.T) {
	dialer := rpctest.NewMockDialer()
	dialer.RegisterHandler("wm_reconnect", func(rpc.Params) (rpc.Params, error) {
		return nil, rpc.Errorf(rpc.CodeInvalidSession, "session missing, expired, or origin mismatch")
	})
	p := dialedProvider(t, dialer)

	_, err := p.Reconnect(context.Background(), "stale-session")
	require.Error(t, err)
	assert.Equal(t, rpc.CodeInvalidSession, rpc.CodeOf(err))
	assert.Equal(t, provider.StateDisconnected, p.State())
}

func TestProvider_Chain_BuilderExecutesAsBulkCall(t *testing.T) {
	dialer := rpctest.NewMockDialer()
	dialer.RegisterHandler("wm_connect", func(rpc.Params) (rpc.Params, error) {
		return rpc.NewParams(map[string]any{"sessionId": "sess-1", "permissions": map[string]any{}})
	})
	var gotMethods []string
	dialer.RegisterHandler("wm_bulkCall", func(params rpc.Params) (rpc.Params, error) {
		var decoded struct {
			Calls []struct {
				Method string `json:"method"`
			} `json:"calls"`
		}
		require.NoError(t, params.Translate(&decoded))
		for _, c := range decoded.Calls {
			gotMethods = append(gotMethods, c.Method)
		}
		return rpc.NewParams(map[string]any{"results": []any{}})
	})
	p := dialedProvider(t, dialer)
	_, err := p.Connect(context.Background(), nil, nil)
	require.NoError(t, err)

	_, err = p.Chain("eip155:1").
		Call("eth_chainId", nil).
		Call("eth_accounts", nil).
		Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"eth_chainId", "eth_accounts"}, gotMethods)
}

func TestProvider_On_DeliversEventsAndIsolatesPanics(t *testing.T) {
	dialer := rpctest.NewMockDialer()
	p := dialedProvider(t, dialer)

	received := make(chan rpc.Params, 1)
	p.On("wm_sessionTerminated", func(rpc.Params) { panic("boom") })
	p.On("wm_sessionTerminated", func(params rpc.Params) { received <- params })

	params, err := rpc.NewParams(map[string]string{"reason": "disconnected"})
	require.NoError(t, err)
	require.NoError(t, dialer.PublishNotification("wm_sessionTerminated", params))

	select {
	case got := <-received:
		var decoded struct {
			Reason string `json:"reason"`
		}
		require.NoError(t, got.Translate(&decoded))
		assert.Equal(t, "disconnected", decoded.Reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestProvider_Disconnect_ClearsSessionRegardlessOfOutcome(t *testing.T) {
	dialer := rpctest.NewMockDialer()
	dialer.RegisterHandler("wm_connect", func(rpc.Params) (rpc.Params, error) {
		return rpc.NewParams(map[string]any{"sessionId": "sess-1", "permissions": map[string]any{}})
	})
	dialer.RegisterHandler("wm_disconnect", func(rpc.Params) (rpc.Params, error) {
		return nil, nil
	})
	p := dialedProvider(t, dialer)
	_, err := p.Connect(context.Background(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, p.Disconnect(context.Background()))
	assert.Equal(t, "", p.SessionID())
	assert.Equal(t, provider.StateDisconnected, p.State())
}
