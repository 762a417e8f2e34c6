package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestInvokeRequestNumericFields(t *testing.T) {
	req := &InvokeRequest{Script: "println 1", Language: "groovy", DeviceID: 123456789, DatasourceID: 42}
	s, err := req.Struct()
	require.NoError(t, err)

	got := InvokeRequestFrom(s)
	require.Equal(t, req, got)
}

func TestMissingFieldsAreZero(t *testing.T) {
	got := PollResponseFrom(&structpb.Struct{})
	require.Equal(t, &PollResponse{}, got)

	require.False(t, CancelResponseFrom(nil).Acknowledged)
}

func TestPollResponseInvalidUTF8(t *testing.T) {
	resp := &PollResponse{State: StateComplete, Output: "caf\xe9\n", Error: "\xff", Truncated: true}
	s, err := resp.Struct()
	require.NoError(t, err)

	got := PollResponseFrom(s)
	require.Equal(t, "caf�\n", got.Output)
	require.Equal(t, "�", got.Error)
	require.True(t, got.Truncated)
}
