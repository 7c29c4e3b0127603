package permission

import (
	"context"

	"github.com/walletmesh/router-core/internal/session"
)

// PermissiveEngine always allows every call and every approval request. It
// exists for local development and tests where prompting the user would
// just get in the way.
type PermissiveEngine struct{}

var _ Engine = PermissiveEngine{}

func NewPermissiveEngine() PermissiveEngine { return PermissiveEngine{} }

func (PermissiveEngine) ApprovePermissions(_ context.Context, req ApprovalRequest) (session.Permissions, error) {
	return req.Requested, nil
}

func (PermissiveEngine) CheckPermissions(context.Context, CheckRequest) (bool, error) {
	return true, nil
}

func (PermissiveEngine) GetPermissions(context.Context, *session.Record, []string) HumanReadablePermissions {
	return HumanReadablePermissions{
		"*": {"*": Description{Allowed: true, ShortDescription: "Permissive"}},
	}
}

func (PermissiveEngine) Cleanup(context.Context, string) {}
