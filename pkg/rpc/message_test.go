package rpc_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletmesh/router-core/pkg/rpc"
)

func TestRequest_MarshalJSON(t *testing.T) {
	id := uint64(7)
	req := rpc.NewRequest(&id, "wm_call", nil)

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "2.0", raw["jsonrpc"])
	assert.Equal(t, float64(7), raw["id"])
	assert.Equal(t, "wm_call", raw["method"])
	assert.NotContains(t, raw, "params")
}

func TestRequest_Notification_HasNoID(t *testing.T) {
	req := rpc.NewRequest(nil, "wm_walletStateChanged", nil)
	assert.True(t, req.IsNotification())

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "id")
}

func TestResponse_ErrorRoundTrip(t *testing.T) {
	id := uint64(3)
	res := rpc.NewErrorResponse(&id, rpc.CodeInvalidSession, "session expired", nil)

	data, err := json.Marshal(res)
	require.NoError(t, err)

	var decodedReq *rpc.Request
	var decodedRes *rpc.Response
	decodedReq, decodedRes, err = rpc.DecodeMessage(data)
	require.NoError(t, err)
	assert.Nil(t, decodedReq)
	require.NotNil(t, decodedRes)

	rpcErr := decodedRes.Err()
	require.Error(t, rpcErr)
	var typed *rpc.Error
	require.ErrorAs(t, rpcErr, &typed)
	assert.Equal(t, rpc.CodeInvalidSession, typed.Code)
	assert.Equal(t, "session expired", typed.Message)
}

func TestDecodeMessage_Request(t *testing.T) {
	id := uint64(1)
	req := rpc.NewRequest(&id, "wm_call", nil)
	data, err := json.Marshal(req)
	require.NoError(t, err)

	decodedReq, decodedRes, err := rpc.DecodeMessage(data)
	require.NoError(t, err)
	assert.Nil(t, decodedRes)
	require.NotNil(t, decodedReq)
	assert.Equal(t, "wm_call", decodedReq.Method)
	require.NotNil(t, decodedReq.ID)
	assert.Equal(t, uint64(1), *decodedReq.ID)
}

func TestDecodeMessage_SuccessResponse(t *testing.T) {
	id := uint64(9)
	result, err := rpc.NewParams(map[string]string{"status": "ok"})
	require.NoError(t, err)
	res := rpc.NewResponse(&id, result)

	data, err := json.Marshal(res)
	require.NoError(t, err)

	decodedReq, decodedRes, err := rpc.DecodeMessage(data)
	require.NoError(t, err)
	assert.Nil(t, decodedReq)
	require.NotNil(t, decodedRes)
	assert.Nil(t, decodedRes.Err())

	var out map[string]string
	require.NoError(t, decodedRes.Result.Translate(&out))
	assert.Equal(t, "ok", out["status"])
}
