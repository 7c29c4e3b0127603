package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestContext is an internal test helper so it can install handlers,
// which the node sets through an unexported field.
func newTestContext(handlers ...Handler) *Context {
	id := uint64(1)
	return &Context{
		Context:  context.Background(),
		Request:  NewRequest(&id, "wm_call", nil),
		Storage:  NewSafeStorage(),
		handlers: handlers,
	}
}

func TestContext_NextRunsChainInOrder(t *testing.T) {
	var order []string
	ctx := newTestContext(
		func(c *Context) { order = append(order, "first"); c.Next() },
		func(c *Context) { order = append(order, "second"); c.Next() },
		func(c *Context) { order = append(order, "terminal"); c.Succeed(nil) },
	)
	ctx.Next()

	assert.Equal(t, []string{"first", "second", "terminal"}, order)
}

func TestContext_NextStopsIfNotCalled(t *testing.T) {
	var ran bool
	ctx := newTestContext(
		func(c *Context) { c.Fail(nil, "denied") },
		func(c *Context) { ran = true },
	)
	ctx.Next()

	assert.False(t, ran)
	assert.NotNil(t, ctx.Response.Error)
}

func TestContext_Succeed(t *testing.T) {
	ctx := newTestContext()
	result, err := NewParams(map[string]string{"ok": "true"})
	require.NoError(t, err)

	ctx.Succeed(result)

	require.NotNil(t, ctx.Request.ID)
	assert.Equal(t, ctx.Request.ID, ctx.Response.ID)
	assert.Nil(t, ctx.Response.Error)
}

func TestContext_Fail_WithRPCError(t *testing.T) {
	ctx := newTestContext()
	ctx.Fail(Errorf(CodeUnknownChain, "unknown chain %s", "eip155:999"), "fallback")

	require.NotNil(t, ctx.Response.Error)
	assert.Equal(t, CodeUnknownChain, ctx.Response.Error.Code)
	assert.Equal(t, "unknown chain eip155:999", ctx.Response.Error.Message)
}

func TestContext_Fail_GenericError(t *testing.T) {
	ctx := newTestContext()
	ctx.Fail(assert.AnError, "")

	require.NotNil(t, ctx.Response.Error)
	assert.Equal(t, CodeUnknownError, ctx.Response.Error.Code)
	assert.NotEmpty(t, ctx.Response.Error.Message)
}

func TestContext_GetRawResponse(t *testing.T) {
	ctx := newTestContext()
	ctx.Succeed(nil)

	raw, err := ctx.GetRawResponse()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"jsonrpc":"2.0"`)
}
