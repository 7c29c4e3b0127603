// Package permission implements the three-state (Allow/Ask/Deny) permission
// engine that gates every wallet call, including bulk-call all-or-nothing
// atomicity and human-readable permission views.
package permission

import (
	"context"

	"github.com/walletmesh/router-core/internal/session"
	"github.com/walletmesh/router-core/pkg/rpc"
)

// Call is a single method invocation subject to a permission check.
type Call struct {
	ChainID string
	Method  string
	Params  rpc.Params
}

// CheckRequest carries the session and the call(s) a check is made against.
// A single wm_call check has len(Calls) == 1; a wm_bulkCall check carries
// the whole ordered batch.
type CheckRequest struct {
	Session *session.Record
	Origin  string
	Calls   []Call
}

// ApprovalRequest carries the permission set a dApp is requesting, presented
// to the user for approval during wm_connect/wm_updatePermissions.
type ApprovalRequest struct {
	Session   *session.Record
	Origin    string
	Requested session.Permissions
}

// Description is a human-readable view of one method's permission state.
// Derived, never stored.
type Description struct {
	Allowed          bool   `json:"allowed"`
	ShortDescription string `json:"shortDescription"`
	LongDescription  string `json:"longDescription,omitempty"`
}

// HumanReadablePermissions maps chain id -> method -> Description.
type HumanReadablePermissions map[string]map[string]Description

// AskFunc presents a consolidated approval prompt to the user and returns
// whether the requested scope (or, for a bulk check, every ASK'd call in
// the batch) was granted. It may block indefinitely; the engine MUST NOT
// hold any internal lock while it runs.
type AskFunc func(ctx context.Context, req CheckRequest) (bool, error)

// ApproveFunc presents a permission grant request to the user and returns
// the subset actually granted. Implementations MUST NOT silently expand
// the requested scope: the returned Permissions must be a subset of
// req.Requested.
type ApproveFunc func(ctx context.Context, req ApprovalRequest) (session.Permissions, error)

// Engine is the permission engine contract.
type Engine interface {
	// ApprovePermissions presents req to the user via the approval
	// callback and returns the granted subset, ready for the router to
	// persist on the session record. Callers that need the human-readable
	// view of what was just granted call Materialize on the result.
	ApprovePermissions(ctx context.Context, req ApprovalRequest) (session.Permissions, error)
	// CheckPermissions dispatches to single-call or bulk-call logic
	// depending on len(req.Calls).
	CheckPermissions(ctx context.Context, req CheckRequest) (bool, error)
	// GetPermissions returns the current materialized view for the given
	// session, optionally filtered to chainIDs.
	GetPermissions(ctx context.Context, record *session.Record, chainIDs []string) HumanReadablePermissions
	// Cleanup is invoked on session termination to release any
	// engine-held per-session state.
	Cleanup(ctx context.Context, sessionID string)
}

// Materialize derives the human-readable permission view for perms,
// optionally filtered to chainIDs. Exported so callers that obtain a raw
// session.Permissions value (e.g. the router, after ApprovePermissions)
// can build the same view GetPermissions would.
func Materialize(perms session.Permissions, chainIDs []string) HumanReadablePermissions {
	return materialize(perms, chainIDs)
}

func materialize(perms session.Permissions, chainIDs []string) HumanReadablePermissions {
	out := make(HumanReadablePermissions)
	for chainID, methods := range perms {
		if len(chainIDs) > 0 && !contains(chainIDs, chainID) {
			continue
		}
		view := make(map[string]Description, len(methods))
		for method, policy := range methods {
			view[method] = describe(policy)
		}
		out[chainID] = view
	}
	return out
}

func describe(policy session.Policy) Description {
	switch policy {
	case session.Allow:
		return Description{Allowed: true, ShortDescription: "Allowed"}
	case session.Deny:
		return Description{Allowed: false, ShortDescription: "Denied"}
	default:
		return Description{Allowed: false, ShortDescription: "Ask on each use"}
	}
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// lookup returns the policy state for (chainID, method), defaulting to ASK
// when the chain or method is absent.
func lookup(perms session.Permissions, chainID, method string) session.Policy {
	methods, ok := perms[chainID]
	if !ok {
		return session.Ask
	}
	policy, ok := methods[method]
	if !ok {
		return session.Ask
	}
	return policy
}
