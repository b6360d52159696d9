package upstream

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parasshah10/mcphub/internal/config"
	"github.com/parasshah10/mcphub/internal/upstream/types"
)

// startSSEUpstream runs an in-process MCP server behind an SSE endpoint.
func startSSEUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := mcpserver.NewMCPServer("mock-upstream", "1.0.0-test",
		mcpserver.WithToolCapabilities(true))
	return httptest.NewServer(mcpserver.NewSSEServer(srv))
}

func TestClientConnectsToSSEUpstream(t *testing.T) {
	upstream := startSSEUpstream(t)
	defer upstream.Close()

	cli := NewClient("mock", &config.ServerConfig{
		Type: config.TypeSSE,
		URL:  upstream.URL + "/sse",
	}, nil, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cli.Run(ctx)
	defer cli.Stop()

	require.Eventually(t, func() bool {
		return cli.State() == types.StateConnected
	}, 10*time.Second, 25*time.Millisecond, "client never reached connected")
}

func TestConnectionLostLeavesConnectedState(t *testing.T) {
	upstream := startSSEUpstream(t)

	cli := NewClient("flaky", &config.ServerConfig{
		Type: config.TypeSSE,
		URL:  upstream.URL + "/sse",
	}, nil, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cli.Run(ctx)
	defer cli.Stop()

	require.Eventually(t, func() bool {
		return cli.State() == types.StateConnected
	}, 10*time.Second, 25*time.Millisecond, "client never reached connected")

	// Kill the upstream. The loop must notice the dropped transport and
	// move to disconnected with retries, not stay connected forever.
	upstream.CloseClientConnections()
	upstream.Close()

	require.Eventually(t, func() bool {
		state := cli.State()
		return state == types.StateDisconnected || state == types.StateConnecting
	}, 10*time.Second, 25*time.Millisecond, "lost connection went unnoticed")
}
