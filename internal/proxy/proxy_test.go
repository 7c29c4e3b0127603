package proxy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletmesh/router-core/internal/errs"
	"github.com/walletmesh/router-core/internal/proxy"
	"github.com/walletmesh/router-core/pkg/rpc"
	"github.com/walletmesh/router-core/pkg/rpc/rpctest"
)

func dialedProxy(t *testing.T, dialer *rpctest.MockDialer) (*proxy.Proxy, context.CancelFunc) {
	t.Helper()
	p := proxy.New(dialer, proxy.Config{ChainID: "eip155:1"})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Dial(ctx, "mock://wallet", nil))
	require.Eventually(t, p.IsAvailable, time.Second, 5*time.Millisecond)
	return p, cancel
}

func TestProxy_Call_RoundTrip(t *testing.T) {
	dialer := rpctest.NewMockDialer()
	dialer.RegisterHandler("eth_accounts", func(rpc.Params) (rpc.Params, error) {
		return rpc.NewParams(map[string][]string{"accounts": {"0xabc"}})
	})
	p, cancel := dialedProxy(t, dialer)
	defer cancel()

	result, err := p.Call(context.Background(), "eth_accounts", nil)
	require.NoError(t, err)

	var decoded struct {
		Accounts []string `json:"accounts"`
	}
	require.NoError(t, result.Translate(&decoded))
	assert.Equal(t, []string{"0xabc"}, decoded.Accounts)
}

func TestProxy_Call_PreservesWalletErrorCode(t *testing.T) {
	dialer := rpctest.NewMockDialer()
	dialer.RegisterHandler("eth_sendTransaction", func(rpc.Params) (rpc.Params, error) {
		return nil, rpc.Errorf(rpc.CodeInvalidRequest, "insufficient funds")
	})
	p, cancel := dialedProxy(t, dialer)
	defer cancel()

	_, err := p.Call(context.Background(), "eth_sendTransaction", nil)
	require.Error(t, err)
	assert.Equal(t, rpc.CodeInvalidRequest, rpc.CodeOf(err))
}

func TestProxy_Call_UnavailableBeforeDial(t *testing.T) {
	dialer := rpctest.NewMockDialer()
	p := proxy.New(dialer, proxy.Config{ChainID: "eip155:1"})

	_, err := p.Call(context.Background(), "eth_accounts", nil)
	require.Error(t, err)
	routerErr, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, rpc.CodeWalletNotAvailable, routerErr.Code)
}

func TestProxy_Call_UnavailableAfterClose(t *testing.T) {
	dialer := rpctest.NewMockDialer()
	p, cancel := dialedProxy(t, dialer)
	cancel()

	require.Eventually(t, func() bool { return !p.IsAvailable() }, time.Second, 5*time.Millisecond)

	_, err := p.Call(context.Background(), "eth_accounts", nil)
	require.Error(t, err)
	routerErr, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, rpc.CodeWalletNotAvailable, routerErr.Code)
}

func TestProxy_Events_ClassifiesWalletPushedNotifications(t *testing.T) {
	dialer := rpctest.NewMockDialer()
	p, cancel := dialedProxy(t, dialer)
	defer cancel()
	defer p.Close()

	params, err := rpc.NewParams(map[string]string{"status": "locked"})
	require.NoError(t, err)
	require.NoError(t, dialer.PublishNotification("wm_walletStateChanged", params))

	select {
	case evt := <-p.Events():
		assert.Equal(t, "wm_walletStateChanged", evt.Method)
		assert.True(t, evt.IsNotification())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for wallet event")
	}
}

func TestProxy_SupportedMethods_CachesResult(t *testing.T) {
	dialer := rpctest.NewMockDialer()
	calls := 0
	dialer.RegisterHandler("wm_getSupportedMethods", func(rpc.Params) (rpc.Params, error) {
		calls++
		return rpc.NewParams(map[string][]string{"methods": {"eth_accounts", "eth_sendTransaction"}})
	})
	p, cancel := dialedProxy(t, dialer)
	defer cancel()

	methods1, err := p.SupportedMethods(context.Background())
	require.NoError(t, err)
	methods2, err := p.SupportedMethods(context.Background())
	require.NoError(t, err)

	assert.Equal(t, methods1, methods2)
	assert.Equal(t, 1, calls, "second call within TTL must not hit the wallet again")
}
