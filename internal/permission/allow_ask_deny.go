package permission

import (
	"context"

	"github.com/walletmesh/router-core/internal/session"
)

// AllowAskDenyEngine implements the three-state algorithm: ALLOW passes,
// DENY rejects, ASK invokes the ask callback. Bulk
// checks are all-or-nothing: any DENY short-circuits the whole batch
// without firing a single ask prompt; ASK items are consolidated into one
// prompt covering the batch.
type AllowAskDenyEngine struct {
	ask     AskFunc
	approve ApproveFunc
}

var _ Engine = (*AllowAskDenyEngine)(nil)

// NewAllowAskDenyEngine builds the engine around the integrator-supplied
// ask and approve callbacks.
func NewAllowAskDenyEngine(ask AskFunc, approve ApproveFunc) *AllowAskDenyEngine {
	return &AllowAskDenyEngine{ask: ask, approve: approve}
}

func (e *AllowAskDenyEngine) ApprovePermissions(ctx context.Context, req ApprovalRequest) (session.Permissions, error) {
	granted, err := e.approve(ctx, req)
	if err != nil {
		return nil, err
	}
	// Defensive: never let a misbehaving ApproveFunc expand scope beyond
	// what was requested.
	return intersect(granted, req.Requested), nil
}

// CheckPermissions dispatches to the single-call or bulk-call algorithm
// depending on the number of calls in the request.
func (e *AllowAskDenyEngine) CheckPermissions(ctx context.Context, req CheckRequest) (bool, error) {
	if len(req.Calls) <= 1 {
		return e.checkSingle(ctx, req)
	}
	return e.checkBulk(ctx, req)
}

func (e *AllowAskDenyEngine) checkSingle(ctx context.Context, req CheckRequest) (bool, error) {
	if len(req.Calls) == 0 {
		return true, nil
	}
	call := req.Calls[0]
	state := lookup(req.Session.Permissions, call.ChainID, call.Method)
	switch state {
	case session.Allow:
		return true, nil
	case session.Deny:
		return false, nil
	default: // ASK
		return e.ask(ctx, req)
	}
}

// checkBulk implements bulk-call atomicity:
//  1. any DENY in the batch denies the whole bulk, no asks fired.
//  2. if every call is ALLOW, allow.
//  3. otherwise the ASK subset is presented as one consolidated prompt;
//     its answer governs the whole batch.
func (e *AllowAskDenyEngine) checkBulk(ctx context.Context, req CheckRequest) (bool, error) {
	var askItems []Call
	for _, call := range req.Calls {
		switch lookup(req.Session.Permissions, call.ChainID, call.Method) {
		case session.Deny:
			return false, nil
		case session.Ask:
			askItems = append(askItems, call)
		}
	}
	if len(askItems) == 0 {
		return true, nil
	}
	return e.ask(ctx, CheckRequest{Session: req.Session, Origin: req.Origin, Calls: askItems})
}

func (e *AllowAskDenyEngine) GetPermissions(_ context.Context, record *session.Record, chainIDs []string) HumanReadablePermissions {
	if record == nil {
		return HumanReadablePermissions{}
	}
	return materialize(record.Permissions, chainIDs)
}

// Cleanup is a no-op: the default policy never persists ASK decisions
// beyond the call that triggered them, so there is no per-session state to
// release here.
func (e *AllowAskDenyEngine) Cleanup(_ context.Context, _ string) {}

// intersect returns the subset of requested whose chains/methods are also
// present (with an equal-or-weaker policy never invented) in granted. This
// enforces the never-silently-expand invariant even if a caller's
// ApproveFunc returns more than it was asked for.
func intersect(granted, requested session.Permissions) session.Permissions {
	out := make(session.Permissions, len(requested))
	for chainID, methods := range requested {
		grantedMethods, ok := granted[chainID]
		if !ok {
			continue
		}
		view := make(session.ChainPermissions, len(methods))
		for method := range methods {
			if policy, ok := grantedMethods[method]; ok {
				view[method] = policy
			}
		}
		if len(view) > 0 {
			out[chainID] = view
		}
	}
	return out
}
