package client

import (
	"context"
	"encoding/json"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/mcp"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/utils"
)

// McpClient is the tool-invocation facade. Envelope-native endpoints are
// reached through the hybrid layer; configured mcp-go servers are called
// through the manager.
type McpClient struct {
	router  Router
	manager *mcp.Manager
	logger  *logrus.Entry
}

// NewMcpClient builds the facade. The MCP feature must be enabled in
// configuration.
func NewMcpClient(cfg *config.TransportConfig, router Router, logger *logrus.Logger) (*McpClient, error) {
	if cfg == nil || !cfg.Mcp.Enabled {
		return nil, qerrors.FeatureNotEnabled("MCP")
	}
	return &McpClient{
		router:  router,
		manager: mcp.NewManager(cfg.Mcp, logger),
		logger:  utils.ComponentLogger(utils.EnsureLogger(logger), "mcp-client"),
	}, nil
}

// CallTool invokes a tool on an envelope-native endpoint. The arguments
// value is serialized as the tool-call arguments; the metadata rides the
// envelope unchanged.
func (c *McpClient) CallTool(ctx context.Context, endpoint, toolName string, args interface{}, meta envelope.Meta) (*mcp.ToolResponse, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindSerialization, "tool arguments", err)
	}

	req := envelope.New(meta, mcp.CallPayload{
		ToolCall: mcp.ToolCall{ToolName: toolName, Arguments: data},
	})
	res, err := Call[mcp.CallPayload, mcp.ResponsePayload](ctx, c.router, endpoint, req)
	if err != nil {
		return nil, err
	}
	out := res.Payload.ToolResponse
	return &out, nil
}

// ListTools asks an envelope-native endpoint for its tool registrations.
func (c *McpClient) ListTools(ctx context.Context, endpoint string) (*mcp.RegistrationList, error) {
	raw, err := c.router.Send(ctx, endpoint, envelope.NullRaw(envelope.NewMeta()))
	if err != nil {
		return nil, err
	}
	typed, err := envelope.FromRaw[mcp.RegistrationList](raw)
	if err != nil {
		return nil, err
	}
	return &typed.Payload, nil
}

// CallRemoteTool invokes a tool on a configured mcp-go server by name.
func (c *McpClient) CallRemoteTool(ctx context.Context, serverName, toolName string, args map[string]interface{}) (*mcptypes.CallToolResult, error) {
	return c.manager.CallRemoteTool(ctx, serverName, toolName, args)
}

// ListRemoteTools lists the tools a configured mcp-go server offers.
func (c *McpClient) ListRemoteTools(ctx context.Context, serverName string) ([]mcptypes.Tool, error) {
	return c.manager.ListRemoteTools(ctx, serverName)
}

// Close releases remote server connections.
func (c *McpClient) Close() {
	c.manager.Close()
}
