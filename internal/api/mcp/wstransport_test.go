package mcp_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket" //nolint:staticcheck

	"github.com/scrypster/memento/internal/api/mcp"
)

func TestWebSocketTransport_RoundTrip(t *testing.T) {
	f := newFixture(t)
	transport := mcp.NewWebSocketTransport(f.srv, nil)

	server := httptest.NewServer(transport)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+server.URL[len("http"):], nil) //nolint:staticcheck
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck

	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"jsonrpc":"2.0","id":7,"method":"initialize","params":{}}`)))

	msgType, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, msgType)

	var resp mcp.JSONRPCResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Nil(t, resp.Error)
	assert.Equal(t, float64(7), resp.ID)

	// A second frame on the same connection keeps working.
	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"jsonrpc":"2.0","id":8,"method":"shutdown"}`)))
	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, float64(8), resp.ID)
}
