// Package middleware implements the router's inbound middleware pipeline:
// session validation, permission checking, and request transformation, each
// expressed as a pkg/rpc.Handler mounted with Node.Use/HandlerGroup.Use in a
// chain-of-responsibility shape.
package middleware

import (
	"github.com/go-playground/validator/v10"

	"github.com/walletmesh/router-core/internal/errs"
	"github.com/walletmesh/router-core/internal/permission"
	"github.com/walletmesh/router-core/internal/session"
	"github.com/walletmesh/router-core/pkg/rpc"
)

// validate runs struct-tag validation (`validate:"required"` and friends)
// over decoded params. A single instance is safe for concurrent use and
// caches struct reflection across calls.
var validate = validator.New()

// Storage keys used to pass data from middleware to the terminal handler,
// avoiding a second decode of the same params.
const (
	SessionKey = "router.session"
	CallsKey   = "router.calls"
)

// sessionParams is the {sessionId, ...} shape shared by every wm_* method
// except wm_connect (which has no sessionId yet).
type sessionParams struct {
	SessionID string `json:"sessionId" validate:"required"`
}

// SessionValidate populates ctx.Storage[SessionKey] with the validated,
// refreshed session.Record and sets ctx.UserID to the session id so
// ConnectionHub fan-out and Node.Notify can address this connection by
// session. It short-circuits the chain with invalidSession when the
// session is missing, expired, or origin-mismatched.
//
// skip reports methods that run before any session exists (the router
// skips only wm_connect, which creates one) and so must not be
// pre-validated by this middleware.
func SessionValidate(store session.Store, skip func(method string) bool) rpc.Handler {
	return func(ctx *rpc.Context) {
		if skip != nil && skip(ctx.Request.Method) {
			ctx.Next()
			return
		}

		var params sessionParams
		if err := DecodeParams(ctx.Request.Params, &params); err != nil {
			ctx.Fail(errs.InvalidRequest("missing sessionId").RPCError(), "")
			return
		}

		record, err := store.ValidateAndRefresh(ctx, params.SessionID, ctx.Origin)
		if err != nil {
			ctx.Fail(errs.Internal(err).RPCError(), "")
			return
		}
		if record == nil {
			ctx.Fail(errs.InvalidSession("session missing, expired, or origin mismatch").RPCError(), "")
			return
		}

		ctx.UserID = record.SessionID
		ctx.Storage.Set(SessionKey, record)
		ctx.Next()
	}
}

// SessionFromContext retrieves the record SessionValidate stashed, if any.
func SessionFromContext(ctx *rpc.Context) (*session.Record, bool) {
	v, ok := ctx.Storage.Get(SessionKey)
	if !ok {
		return nil, false
	}
	record, ok := v.(*session.Record)
	return record, ok
}

// Extractor builds the permission.CheckRequest for one inbound call from
// the context populated by SessionValidate. Each wm_* method that needs a
// permission check (wm_call, wm_bulkCall) supplies its own, since the
// params shape differs.
type Extractor func(ctx *rpc.Context, record *session.Record) (permission.CheckRequest, error)

// PermissionCheck runs engine.CheckPermissions over the request built by
// extract and short-circuits with insufficientPermissions on denial. The
// extracted Calls are stashed for the terminal handler to avoid
// re-decoding params.
//
// skip reports methods that run before a session exists (wm_connect) and
// so must not be gated by this middleware.
func PermissionCheck(engine permission.Engine, extract Extractor, skip func(method string) bool) rpc.Handler {
	return func(ctx *rpc.Context) {
		if skip != nil && skip(ctx.Request.Method) {
			ctx.Next()
			return
		}

		record, ok := SessionFromContext(ctx)
		if !ok {
			ctx.Fail(errs.Internal(nil).RPCError(), "permission check ran before session validation")
			return
		}

		req, err := extract(ctx, record)
		if err != nil {
			ctx.Fail(errs.InvalidRequest(err.Error()).RPCError(), "")
			return
		}

		allowed, err := engine.CheckPermissions(ctx, req)
		if err != nil {
			ctx.Fail(errs.Internal(err).RPCError(), "")
			return
		}
		if !allowed {
			method := ""
			if len(req.Calls) > 0 {
				method = req.Calls[0].Method
			}
			ctx.Fail(errs.InsufficientPermissions(method).RPCError(), "")
			return
		}

		ctx.Storage.Set(CallsKey, req.Calls)
		ctx.Next()
	}
}

// CallsFromContext retrieves the calls PermissionCheck stashed, if any.
func CallsFromContext(ctx *rpc.Context) ([]permission.Call, bool) {
	v, ok := ctx.Storage.Get(CallsKey)
	if !ok {
		return nil, false
	}
	calls, ok := v.([]permission.Call)
	return calls, ok
}

// TransformFunc rewrites a method's params before dispatch, e.g. to
// normalize chain id casing. It is a pure transform: never applied to
// return values.
type TransformFunc func(method string, params rpc.Params) (rpc.Params, error)

// Transform applies fn to the inbound request's params in place.
func Transform(fn TransformFunc) rpc.Handler {
	return func(ctx *rpc.Context) {
		transformed, err := fn(ctx.Request.Method, ctx.Request.Params)
		if err != nil {
			ctx.Fail(errs.InvalidRequest(err.Error()).RPCError(), "")
			return
		}
		ctx.Request.Params = transformed
		ctx.Next()
	}
}

// DecodeParams is a small helper so router handlers and extractors share
// one error path for malformed or incomplete params: it decodes, then runs
// struct-tag validation (`validate:"required"` and similar) over out.
func DecodeParams(params rpc.Params, out any) error {
	if params == nil {
		return errs.InvalidRequest("missing params")
	}
	if err := params.Translate(out); err != nil {
		return errs.InvalidRequest("malformed params: " + err.Error())
	}
	if err := validate.Struct(out); err != nil {
		return errs.InvalidRequest("invalid params: " + err.Error())
	}
	return nil
}
