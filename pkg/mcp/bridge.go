package mcp

import (
	"context"
	"encoding/json"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/server"
	"github.com/qollective/qollective-go/pkg/utils"
)

// Bridge exposes the tool registry on a mark3labs/mcp-go server, so
// standard MCP clients can call the same tools the envelope adapter
// serves. The wire transport is picked by configuration: stdio, sse or
// streamable-http.
type Bridge struct {
	cfg      config.McpConfig
	registry *ToolRegistry
	logger   *logrus.Entry

	srv  *mcpserver.MCPServer
	sse  *mcpserver.SSEServer
	http *mcpserver.StreamableHTTPServer

	added map[string]bool
}

// NewBridge builds the mcp-go server and mirrors the registry's current
// tools onto it.
func NewBridge(registry *ToolRegistry, cfg config.McpConfig, logger *logrus.Logger) *Bridge {
	name := cfg.ServerName
	if name == "" {
		name = config.DefaultMcpServerName
	}
	version := cfg.ServerVersion
	if version == "" {
		version = "1.0.0"
	}

	b := &Bridge{
		cfg:      cfg,
		registry: registry,
		logger:   utils.ComponentLogger(utils.EnsureLogger(logger), "mcp-bridge"),
		srv: mcpserver.NewMCPServer(name, version,
			mcpserver.WithToolCapabilities(true)),
		added: make(map[string]bool),
	}
	b.Sync()
	return b
}

// Sync mirrors registry tools added since the last call onto the mcp-go
// server.
func (b *Bridge) Sync() {
	for _, reg := range b.registry.Registrations().Tools {
		if b.added[reg.Name] {
			continue
		}
		tool := mcptypes.NewToolWithRawSchema(reg.Name, reg.Description, reg.InputSchema)
		b.srv.AddTool(tool, b.toolHandler(reg.Name))
		b.added[reg.Name] = true
	}
}

// toolHandler translates one mcp-go call into a registry invocation
// under fresh request metadata. Tool failures map to the protocol's
// error result, not a Go error.
func (b *Bridge) toolHandler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
		args, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcptypes.NewToolResultError("arguments not serializable: " + err.Error()), nil
		}

		c := server.NewContext(envelope.NewMeta())
		res := b.registry.Invoke(server.Attach(ctx, c), c, ToolCall{ToolName: name, Arguments: args})
		if res.IsError {
			return mcptypes.NewToolResultError(res.Content), nil
		}
		return mcptypes.NewToolResultText(res.Content), nil
	}
}

// Start serves the configured transport. stdio blocks the calling
// goroutine by protocol nature and is started in the background; the
// HTTP transports listen on addr.
func (b *Bridge) Start(addr string) error {
	transportName := b.cfg.Transport
	if transportName == "" {
		transportName = config.DefaultMcpTransport
	}

	switch transportName {
	case "stdio":
		go func() {
			if err := mcpserver.ServeStdio(b.srv); err != nil {
				b.logger.WithError(err).Error("stdio server stopped")
			}
		}()
	case "sse":
		b.sse = mcpserver.NewSSEServer(b.srv)
		go func() {
			if err := b.sse.Start(addr); err != nil {
				b.logger.WithError(err).Error("SSE server stopped")
			}
		}()
	case "streamable-http", "http":
		b.http = mcpserver.NewStreamableHTTPServer(b.srv)
		go func() {
			if err := b.http.Start(addr); err != nil {
				b.logger.WithError(err).Error("HTTP server stopped")
			}
		}()
	default:
		return qerrors.Newf(qerrors.KindMcpProtocol, "unknown MCP transport %q", transportName)
	}

	b.logger.WithFields(logrus.Fields{
		"transport": transportName,
		"addr":      addr,
	}).Info("MCP bridge serving")
	return nil
}

// Shutdown stops whichever transport is serving.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if b.sse != nil {
		return b.sse.Shutdown(ctx)
	}
	if b.http != nil {
		return b.http.Shutdown(ctx)
	}
	return nil
}
