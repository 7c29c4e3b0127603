// Command routerd is the reference wallet router daemon: it wires a
// session store, a permission engine, and a set of per-chain wallet proxies
// behind a single dApp-facing websocket endpoint, following a standard
// wiring order (logger -> config -> storage -> domain services -> RPC node
// -> dual HTTP servers -> graceful shutdown).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/walletmesh/router-core/internal/config"
	"github.com/walletmesh/router-core/internal/metrics"
	"github.com/walletmesh/router-core/internal/permission"
	"github.com/walletmesh/router-core/internal/proxy"
	"github.com/walletmesh/router-core/internal/router"
	"github.com/walletmesh/router-core/internal/session"
	"github.com/walletmesh/router-core/pkg/log"
	"github.com/walletmesh/router-core/pkg/rpc"
)

func main() {
	logger := log.NewDefaultLogger("routerd")

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}
	logger.Info("configuration loaded", "mode", cfg.Mode, "chains", len(cfg.Chains))

	store, err := newSessionStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to set up session store", "error", err)
	}
	defer store.Close()

	engine := newPermissionEngine(cfg)

	metricsReg := metrics.New(nil)

	node, err := rpc.NewWebsocketNode(rpc.WebsocketNodeConfig{Logger: logger})
	if err != nil {
		logger.Fatal("failed to build rpc node", "error", err)
	}

	r := router.New(router.Config{
		Node:    node,
		Store:   store,
		Engine:  engine,
		Logger:  logger,
		Metrics: metricsReg,
	})

	for _, chain := range cfg.Chains {
		dialer := rpc.NewWebsocketDialer(rpc.DefaultWebsocketDialerConfig)
		p := proxy.New(dialer, proxy.Config{ChainID: chain.ChainID, Logger: logger})
		r.RegisterWallet(p)

		go func(chain config.ChainConfig, p *proxy.Proxy) {
			for {
				err := p.Dial(context.Background(), chain.WalletURL, func(err error) {
					logger.Warn("wallet connection closed", "chainId", chain.ChainID, "error", err)
				})
				if err != nil {
					logger.Error("wallet dial failed, retrying", "chainId", chain.ChainID, "error", err)
					time.Sleep(5 * time.Second)
					continue
				}
				return
			}
		}(chain, p)
	}

	wsMux := http.NewServeMux()
	wsMux.Handle(cfg.WSPath, node)
	wsServer := &http.Server{Addr: cfg.WSListenAddr, Handler: wsMux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsListenAddr, Handler: metricsMux}

	go func() {
		logger.Info("metrics server listening", "addr", cfg.MetricsListenAddr, "path", cfg.MetricsPath)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failure", "error", err)
		}
	}()

	go func() {
		logger.Info("websocket server listening", "addr", cfg.WSListenAddr, "path", cfg.WSPath)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("websocket server failure", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down metrics server", "error", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down websocket server", "error", err)
	}

	logger.Info("shutdown complete")
}

func newSessionStore(ctx context.Context, cfg *config.Config, logger log.Logger) (session.Store, error) {
	sessionCfg := session.DefaultConfig()
	sessionCfg.Lifetime = cfg.SessionLifetime
	return session.Open(ctx, cfg.DB, sessionCfg, logger)
}

// newPermissionEngine wires the engine selected by ROUTER_PERMISSION_MODE.
// The allow-ask-deny engine's ask/approve callbacks default to granting
// exactly what was requested: routerd has no UI of its own to prompt a
// user, so an integrator embedding this daemon behind a real wallet
// front-end is expected to replace these with callbacks that show a prompt.
func newPermissionEngine(cfg *config.Config) permission.Engine {
	if cfg.PermissionMode == config.PermissionModePermissive {
		return permission.NewPermissiveEngine()
	}
	approve := func(_ context.Context, req permission.ApprovalRequest) (session.Permissions, error) {
		return req.Requested, nil
	}
	ask := func(context.Context, permission.CheckRequest) (bool, error) {
		return true, nil
	}
	return permission.NewAllowAskDenyEngine(ask, approve)
}
