package mcp

import (
	"context"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/utils"
)

// Manager owns the clients for the remote MCP servers this service is
// configured to call. Connections are created lazily on first use and
// initialized once.
type Manager struct {
	limits  config.McpLimits
	logger  *logrus.Entry
	version string

	mu      sync.Mutex
	configs map[string]config.McpServerConfig
	clients map[string]*mcpclient.Client
}

// NewManager indexes the configured remote servers. Disabled entries are
// ignored.
func NewManager(cfg config.McpConfig, logger *logrus.Logger) *Manager {
	m := &Manager{
		limits:  cfg.Limits,
		logger:  utils.ComponentLogger(utils.EnsureLogger(logger), "mcp-manager"),
		version: cfg.ServerVersion,
		configs: make(map[string]config.McpServerConfig),
		clients: make(map[string]*mcpclient.Client),
	}
	for _, sc := range cfg.Servers {
		if sc.Enabled {
			m.configs[sc.Name] = sc
		}
	}
	return m
}

// CallRemoteTool invokes a tool on a named remote server.
func (m *Manager) CallRemoteTool(ctx context.Context, serverName, toolName string, args map[string]interface{}) (*mcptypes.CallToolResult, error) {
	c, err := m.clientFor(ctx, serverName)
	if err != nil {
		return nil, err
	}

	timeout := m.limits.RequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcptypes.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	result, err := c.CallTool(cctx, req)
	if err != nil {
		m.dropClient(serverName)
		return nil, qerrors.Wrap(qerrors.KindMcpToolExecution, "call "+toolName+" on "+serverName, err)
	}
	return result, nil
}

// ListRemoteTools lists the tools a named remote server offers.
func (m *Manager) ListRemoteTools(ctx context.Context, serverName string) ([]mcptypes.Tool, error) {
	c, err := m.clientFor(ctx, serverName)
	if err != nil {
		return nil, err
	}
	res, err := c.ListTools(ctx, mcptypes.ListToolsRequest{})
	if err != nil {
		m.dropClient(serverName)
		return nil, qerrors.Wrap(qerrors.KindMcpClientConnection, "list tools on "+serverName, err)
	}
	return res.Tools, nil
}

// Close disconnects every live client.
func (m *Manager) Close() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*mcpclient.Client)
	m.mu.Unlock()

	for name, c := range clients {
		if err := c.Close(); err != nil {
			m.logger.WithError(err).WithField("server", name).Warn("Close failed")
		}
	}
}

// clientFor returns the live client for a server, dialing and
// initializing on first use.
func (m *Manager) clientFor(ctx context.Context, serverName string) (*mcpclient.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[serverName]; ok {
		return c, nil
	}
	sc, ok := m.configs[serverName]
	if !ok {
		return nil, qerrors.Newf(qerrors.KindMcpServerNotFound, "MCP server %q not configured", serverName)
	}

	c, err := m.dial(sc)
	if err != nil {
		return nil, err
	}

	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = config.DefaultConnectTimeout
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	initReq := mcptypes.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcptypes.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcptypes.Implementation{
		Name:    "qollective-mcp-client",
		Version: m.version,
	}
	initReq.Params.Capabilities = mcptypes.ClientCapabilities{}

	if _, err := c.Initialize(ictx, initReq); err != nil {
		c.Close()
		return nil, qerrors.Wrap(qerrors.KindMcpClientConnection, "initialize "+serverName, err)
	}

	m.clients[serverName] = c
	m.logger.WithFields(logrus.Fields{
		"server":    serverName,
		"transport": sc.Transport,
	}).Info("MCP server connected")
	return c, nil
}

func (m *Manager) dial(sc config.McpServerConfig) (*mcpclient.Client, error) {
	switch sc.Transport {
	case "sse":
		c, err := mcpclient.NewSSEMCPClient(sc.URL)
		if err != nil {
			return nil, qerrors.Wrap(qerrors.KindMcpClientConnection, "create SSE client", err)
		}
		return c, nil
	case "streamable-http", "http":
		c, err := mcpclient.NewStreamableHttpClient(sc.URL)
		if err != nil {
			return nil, qerrors.Wrap(qerrors.KindMcpClientConnection, "create HTTP client", err)
		}
		return c, nil
	case "stdio":
		c, err := mcpclient.NewStdioMCPClient(sc.Command, nil, sc.Args...)
		if err != nil {
			return nil, qerrors.Wrap(qerrors.KindMcpClientConnection, "create stdio client", err)
		}
		return c, nil
	default:
		return nil, qerrors.Newf(qerrors.KindMcpClientConnection, "unknown MCP transport %q", sc.Transport)
	}
}

// dropClient forgets a client after a call failure so the next use
// redials. The close is delayed so in-flight readers can finish.
func (m *Manager) dropClient(serverName string) {
	m.mu.Lock()
	c, ok := m.clients[serverName]
	delete(m.clients, serverName)
	m.mu.Unlock()
	if ok {
		go func() {
			time.Sleep(100 * time.Millisecond)
			c.Close()
		}()
	}
}
