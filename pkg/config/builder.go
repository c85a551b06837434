package config

import "time"

// Builder assembles a TransportConfig fluently, starting from defaults.
// Build validates before returning so misconfigured transports fail at
// construction, not first use.
type Builder struct {
	cfg *TransportConfig
}

// NewBuilder starts from the framework defaults with every transport
// disabled; With* calls enable the sections they touch.
func NewBuilder() *Builder {
	cfg := DefaultTransportConfig()
	cfg.Rest.Enabled = false
	return &Builder{cfg: cfg}
}

// WithRest enables the REST transport against a base URL.
func (b *Builder) WithRest(baseURL string) *Builder {
	b.cfg.Rest.Enabled = true
	if baseURL != "" {
		b.cfg.Rest.Client.BaseURL = baseURL
	}
	return b
}

// WithRestServer enables the REST transport and sets the listen address.
func (b *Builder) WithRestServer(host string, port int) *Builder {
	b.cfg.Rest.Enabled = true
	b.cfg.Rest.Server.Host = host
	b.cfg.Rest.Server.Port = port
	return b
}

// WithGrpc enables the gRPC transport against a target address.
func (b *Builder) WithGrpc(target string) *Builder {
	b.cfg.Grpc.Enabled = true
	if target != "" {
		b.cfg.Grpc.Client.Target = target
	}
	return b
}

// WithGrpcServer enables the gRPC transport and sets the listen address.
func (b *Builder) WithGrpcServer(host string, port int) *Builder {
	b.cfg.Grpc.Enabled = true
	b.cfg.Grpc.Server.Host = host
	b.cfg.Grpc.Server.Port = port
	return b
}

// WithNats enables the NATS transport against a server URL.
func (b *Builder) WithNats(url string) *Builder {
	b.cfg.Nats.Enabled = true
	if url != "" {
		b.cfg.Nats.Connection.URL = url
	}
	return b
}

// WithNatsAuth sets the NATS authentication mechanism.
func (b *Builder) WithNatsAuth(auth NatsAuthConfig) *Builder {
	b.cfg.Nats.Auth = auth
	return b
}

// WithWebSocket enables the WebSocket transport against a dial URL.
func (b *Builder) WithWebSocket(url string) *Builder {
	b.cfg.WebSocket.Enabled = true
	if url != "" {
		b.cfg.WebSocket.Client.URL = url
	}
	return b
}

// WithWebSocketServer enables the WebSocket transport and sets the
// listen address.
func (b *Builder) WithWebSocketServer(host string, port int) *Builder {
	b.cfg.WebSocket.Enabled = true
	b.cfg.WebSocket.Server.Host = host
	b.cfg.WebSocket.Server.Port = port
	return b
}

// WithMcp enables the MCP adapter.
func (b *Builder) WithMcp(serverName, version string) *Builder {
	b.cfg.Mcp.Enabled = true
	if serverName != "" {
		b.cfg.Mcp.ServerName = serverName
	}
	if version != "" {
		b.cfg.Mcp.ServerVersion = version
	}
	return b
}

// WithA2A enables agent registration and discovery.
func (b *Builder) WithA2A() *Builder {
	b.cfg.A2A.Enabled = true
	return b
}

// WithDiscoveryWindows sets the A2A liveness windows.
func (b *Builder) WithDiscoveryWindows(heartbeat, agentTTL, cacheTTL time.Duration) *Builder {
	b.cfg.A2A.Discovery.HeartbeatInterval = heartbeat
	b.cfg.A2A.Discovery.AgentTTL = agentTTL
	b.cfg.A2A.Discovery.CacheTTL = cacheTTL
	return b
}

// WithPreferences sets the hybrid protocol preference order.
func (b *Builder) WithPreferences(protocols ...string) *Builder {
	b.cfg.Hybrid.Preferences = protocols
	return b
}

// WithProbing toggles capability probing; when off, selection falls back
// to syntactic URL mapping.
func (b *Builder) WithProbing(enabled bool) *Builder {
	b.cfg.Hybrid.ProbingEnabled = enabled
	return b
}

// WithTLS replaces the shared TLS settings.
func (b *Builder) WithTLS(settings TLSSettings) *Builder {
	b.cfg.TLS = settings
	return b
}

// Build validates and returns the assembled configuration.
func (b *Builder) Build() (*TransportConfig, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}
	return b.cfg, nil
}

// MustBuild is Build for static configurations known to be valid.
func (b *Builder) MustBuild() *TransportConfig {
	cfg, err := b.Build()
	if err != nil {
		panic(err)
	}
	return cfg
}
