// Package rpc provides a transport-agnostic JSON-RPC 2.0 node/dialer pair
// used on both sides of the wallet router: WebsocketNode serves the
// dApp-facing endpoint, and WebsocketDialer is used by internal/proxy to
// reach each wallet's own RPC transport.
//
// # Wire format
//
// Messages are standard JSON-RPC 2.0 objects. Requests without an "id" field
// are notifications and never receive a Response:
//
//	{"jsonrpc":"2.0","id":1,"method":"wm_call","params":{...}}
//	{"jsonrpc":"2.0","method":"wm_walletStateChanged","params":{...}}
//	{"jsonrpc":"2.0","id":1,"result":{...}}
//	{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"..."}}
//
// # Server usage
//
//	node, err := rpc.NewWebsocketNode(rpc.WebsocketNodeConfig{Logger: logger})
//	node.Use(loggingMiddleware)
//	node.Handle("wm_call", handleCall)
//	http.Handle("/ws", node)
//
// Handlers run in a chain: each middleware calls ctx.Next() to continue, and
// the terminal handler calls ctx.Succeed or ctx.Fail to set the response.
//
// # Client usage
//
//	dialer := rpc.NewWebsocketDialer(rpc.DefaultWebsocketDialerConfig)
//	err := dialer.Dial(ctx, walletURL, func(err error) { ... })
//	id := uint64(1)
//	req := rpc.NewRequest(&id, "wallet_getBalance", params)
//	res, err := dialer.Call(ctx, &req)
//
// # Error handling
//
// A handler that wants a specific, client-visible JSON-RPC error code calls
// ctx.Fail with an *rpc.Error (built with rpc.Errorf). Any other error value
// is reported to the client as CodeUnknownError with a generic fallback
// message, so internal error detail never leaks across the wire.
package rpc
