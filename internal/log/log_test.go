package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, false)

	ctx := With(context.Background(), slog.String("request_id", "r-1"))
	ctx = With(ctx, slog.String("portal", "acme"))
	logger.InfoContext(ctx, "submitted")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "submitted", rec["msg"])
	require.Equal(t, "r-1", rec["request_id"])
	require.Equal(t, "acme", rec["portal"])
}

func TestVerboseLevel(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, false).Debug("hidden")
	require.Zero(t, buf.Len())

	NewWriter(&buf, true).Debug("shown")
	require.Contains(t, buf.String(), "shown")
}
