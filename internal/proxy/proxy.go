// Package proxy implements the transparent JSON-RPC forwarder between the
// router and a single chain's wallet transport. Each Proxy
// wraps one pkg/rpc.Dialer, which tracks pending responses by id; the proxy
// gives every forwarded call a fresh outbound id, applies per-call timeouts,
// classifies wallet-pushed notifications, and surfaces availability.
package proxy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/walletmesh/router-core/internal/errs"
	"github.com/walletmesh/router-core/pkg/log"
	"github.com/walletmesh/router-core/pkg/rpc"
)

var tracer = otel.Tracer("github.com/walletmesh/router-core/internal/proxy")

// DefaultCallTimeout is the default deadline applied to a forwarded call
// when the caller does not already carry one.
const DefaultCallTimeout = 30 * time.Second

// DefaultMethodsCacheTTL bounds how long a wallet's supported-methods
// response is cached for wm_getSupportedMethods.
const DefaultMethodsCacheTTL = 30 * time.Second

// Config configures a Proxy.
type Config struct {
	ChainID         string
	CallTimeout     time.Duration
	MethodsCacheTTL time.Duration
	Logger          log.Logger
}

// Proxy forwards calls to one chain's wallet transport and classifies
// wallet-pushed notifications for the router's event fan-out.
type Proxy struct {
	chainID     string
	dialer      rpc.Dialer
	callTimeout time.Duration
	methodsTTL  time.Duration
	logger      log.Logger

	idCounter atomic.Uint64

	mu         sync.RWMutex
	available  bool
	events     chan *rpc.Request
	stopEvents chan struct{}
	eventsOnce sync.Once

	methodsMu       sync.Mutex
	methodsCached   []string
	methodsCachedAt time.Time
}

// New builds a Proxy around an already-constructed Dialer. The caller is
// responsible for calling Dial with the wallet's transport URL.
func New(dialer rpc.Dialer, cfg Config) *Proxy {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.MethodsCacheTTL <= 0 {
		cfg.MethodsCacheTTL = DefaultMethodsCacheTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNoopLogger()
	}
	return &Proxy{
		chainID:     cfg.ChainID,
		dialer:      dialer,
		callTimeout: cfg.CallTimeout,
		methodsTTL:  cfg.MethodsCacheTTL,
		logger:      cfg.Logger.WithName("proxy").WithKV("chainId", cfg.ChainID),
		events:      make(chan *rpc.Request, 64),
		stopEvents:  make(chan struct{}),
	}
}

// ChainID returns the chain this proxy forwards to.
func (p *Proxy) ChainID() string { return p.chainID }

// Dial connects the underlying dialer and starts the event-classification
// loop. onClose is invoked exactly once when the wallet transport closes.
func (p *Proxy) Dial(ctx context.Context, url string, onClose func(err error)) error {
	err := p.dialer.Dial(ctx, url, func(closeErr error) {
		p.mu.Lock()
		p.available = false
		p.mu.Unlock()
		if onClose != nil {
			onClose(closeErr)
		}
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.available = true
	p.mu.Unlock()

	go p.classifyEvents()
	return nil
}

// IsAvailable reports whether the proxy currently has a live wallet
// connection. A proxy in the failed (unavailable) state rejects calls with
// walletNotAvailable without attempting to send anything.
func (p *Proxy) IsAvailable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.available && p.dialer.IsConnected()
}

// Events returns wallet-pushed requests/notifications (e.g.
// wm_walletStateChanged), decoded and ready for the router to re-emit to
// subscribed sessions.
func (p *Proxy) Events() <-chan *rpc.Request { return p.events }

func (p *Proxy) classifyEvents() {
	for {
		select {
		case raw, ok := <-p.dialer.EventCh():
			if !ok {
				return
			}
			req, _, err := rpc.DecodeMessage(raw)
			if err != nil || req == nil {
				p.logger.Warn("dropping unclassifiable wallet event", "error", err)
				continue
			}
			select {
			case p.events <- req:
			default:
				p.logger.Warn("event channel full, dropping wallet event", "method", req.Method)
			}
		case <-p.stopEvents:
			return
		}
	}
}

// Call forwards method/params to the wallet under a fresh outbound id and
// waits for the matching response, applying the configured call timeout
// unless ctx already carries an earlier deadline. Wallet-returned errors
// are preserved with their original code; transport failures and
// unavailability surface as walletNotAvailable.
func (p *Proxy) Call(ctx context.Context, method string, params rpc.Params) (rpc.Params, error) {
	spanCtx, span := tracer.Start(ctx, "proxy.call", trace.WithAttributes(
		attribute.String("chain_id", p.chainID),
		attribute.String("method", method),
	))
	defer span.End()

	result, err := p.call(spanCtx, method, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (p *Proxy) call(ctx context.Context, method string, params rpc.Params) (rpc.Params, error) {
	if !p.IsAvailable() {
		return nil, errs.WalletNotAvailable(p.chainID)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
	}

	id := p.idCounter.Add(1)
	req := rpc.NewRequest(&id, method, params)

	res, err := p.dialer.Call(ctx, &req)
	if err != nil {
		return nil, errs.WalletNotAvailable(p.chainID).WithCause(err)
	}
	if rpcErr := res.Err(); rpcErr != nil {
		// Preserve the wallet's original code and message.
		return nil, rpcErr
	}
	return res.Result, nil
}

// SupportedMethods returns the wallet's advertised method list, served from
// a short-lived cache.
func (p *Proxy) SupportedMethods(ctx context.Context) ([]string, error) {
	p.methodsMu.Lock()
	if time.Since(p.methodsCachedAt) < p.methodsTTL && p.methodsCached != nil {
		cached := p.methodsCached
		p.methodsMu.Unlock()
		return cached, nil
	}
	p.methodsMu.Unlock()

	result, err := p.Call(ctx, "wm_getSupportedMethods", nil)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Methods []string `json:"methods"`
	}
	if result != nil {
		if err := result.Translate(&decoded); err != nil {
			return nil, fmt.Errorf("proxy: decoding supported methods: %w", err)
		}
	}
	methods := decoded.Methods

	p.methodsMu.Lock()
	p.methodsCached = methods
	p.methodsCachedAt = time.Now()
	p.methodsMu.Unlock()

	return methods, nil
}

// Close stops the event-classification loop. It does not close the
// underlying dialer's transport; callers own the dialer's lifecycle.
func (p *Proxy) Close() {
	p.eventsOnce.Do(func() { close(p.stopEvents) })
}
