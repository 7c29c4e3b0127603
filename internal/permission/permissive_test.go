package permission_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletmesh/router-core/internal/permission"
	"github.com/walletmesh/router-core/internal/session"
)

func TestPermissiveEngine_AlwaysAllows(t *testing.T) {
	engine := permission.NewPermissiveEngine()
	ok, err := engine.CheckPermissions(context.Background(), permission.CheckRequest{
		Session: recordWithPermissions(nil),
		Calls:   []permission.Call{{ChainID: "eip155:1", Method: "eth_sendTransaction"}},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPermissiveEngine_GetPermissions_Wildcard(t *testing.T) {
	engine := permission.NewPermissiveEngine()
	view := engine.GetPermissions(context.Background(), nil, nil)
	require.Contains(t, view, "*")
	assert.True(t, view["*"]["*"].Allowed)
}
