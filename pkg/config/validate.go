package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/nats-io/nkeys"
)

// Validate returns the first violated invariant across all sections.
func (c *TransportConfig) Validate() error {
	if err := c.Rest.Validate(); err != nil {
		return err
	}
	if err := c.Grpc.Validate(); err != nil {
		return err
	}
	if err := c.Nats.Validate(); err != nil {
		return err
	}
	if err := c.WebSocket.Validate(); err != nil {
		return err
	}
	if err := c.Mcp.Validate(); err != nil {
		return err
	}
	if err := c.A2A.Validate(); err != nil {
		return err
	}
	if err := c.Hybrid.Validate(); err != nil {
		return err
	}
	return c.TLS.Validate()
}

func validateScheme(raw, field string, allowed ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	for _, scheme := range allowed {
		if u.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("%s must use scheme %s, got %q", field, strings.Join(allowed, "/"), u.Scheme)
}

func validatePort(port int, field string) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s must be within 0-65535, got %d", field, port)
	}
	return nil
}

// Validate checks the REST section.
func (c *RestConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Client.BaseURL != "" {
		if err := validateScheme(c.Client.BaseURL, "rest.client.base_url", "http", "https"); err != nil {
			return err
		}
	}
	if c.Client.RequestTimeout < 0 {
		return fmt.Errorf("rest.client.request_timeout cannot be negative")
	}
	if c.Client.MaxConnsPerHost < 0 || c.Client.MaxIdleConnsPerHost < 0 {
		return fmt.Errorf("rest.client pool sizes cannot be negative")
	}
	return validatePort(c.Server.Port, "rest.server.port")
}

// Validate checks the gRPC section.
func (c *GrpcConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Client.Target != "" && strings.Contains(c.Client.Target, "://") {
		if err := validateScheme(c.Client.Target, "grpc.client.target", "grpc", "grpcs"); err != nil {
			return err
		}
	}
	if c.Client.MaxRecvBytes < 0 || c.Client.MaxSendBytes < 0 {
		return fmt.Errorf("grpc.client message size limits cannot be negative")
	}
	return validatePort(c.Server.Port, "grpc.server.port")
}

// Validate checks the NATS section, including auth exclusivity.
func (c *NatsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Connection.URL == "" {
		return fmt.Errorf("nats.connection.url is required when NATS is enabled")
	}
	for _, raw := range strings.Split(c.Connection.URL, ",") {
		if err := validateScheme(strings.TrimSpace(raw), "nats.connection.url", "nats", "tls"); err != nil {
			return err
		}
	}
	if c.Connection.MaxReconnects < -1 {
		return fmt.Errorf("nats.connection.max_reconnects must be >= -1")
	}
	if c.Behavior.MaxPendingMessages < 0 {
		return fmt.Errorf("nats.client_behavior.max_pending_messages cannot be negative")
	}
	return c.Auth.Validate()
}

// Validate enforces mutual exclusion between authentication mechanisms.
func (c *NatsAuthConfig) Validate() error {
	mechanisms := 0
	if c.Token != "" {
		mechanisms++
	}
	if c.Username != "" || c.Password != "" {
		if c.Username == "" || c.Password == "" {
			return fmt.Errorf("nats.auth username and password must be set together")
		}
		mechanisms++
	}
	if c.NKeyFile != "" || c.NKeySeed != "" {
		if c.NKeyFile != "" && c.NKeySeed != "" {
			return fmt.Errorf("nats.auth.nkey_file and nkey_seed are mutually exclusive")
		}
		mechanisms++
	}
	if mechanisms > 1 {
		return fmt.Errorf("nats.auth token, username/password and nkey are mutually exclusive")
	}
	if c.NKeyFile != "" {
		if _, err := os.Stat(c.NKeyFile); err != nil {
			return fmt.Errorf("nats.auth.nkey_file is not accessible: %w", err)
		}
	}
	if c.NKeySeed != "" {
		kp, err := nkeys.FromSeed([]byte(c.NKeySeed))
		if err != nil {
			return fmt.Errorf("nats.auth.nkey_seed is not a valid seed: %w", err)
		}
		pub, err := kp.PublicKey()
		if err != nil {
			return fmt.Errorf("nats.auth.nkey_seed: %w", err)
		}
		if !nkeys.IsValidPublicUserKey(pub) {
			return fmt.Errorf("nats.auth.nkey_seed must be a user seed")
		}
	}
	return nil
}

// Validate checks the WebSocket section.
func (c *WebSocketConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Client.URL != "" {
		if err := validateScheme(c.Client.URL, "websocket.client.url", "ws", "wss"); err != nil {
			return err
		}
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("websocket.server.max_connections cannot be negative")
	}
	if c.Server.MaxMessageBytes < 0 {
		return fmt.Errorf("websocket.server.max_message_bytes cannot be negative")
	}
	if c.Server.PongWait > 0 && c.Server.WriteWait > c.Server.PongWait {
		return fmt.Errorf("websocket.server.write_wait must not exceed pong_wait")
	}
	return validatePort(c.Server.Port, "websocket.server.port")
}

// Validate checks the MCP section.
func (c *McpConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Transport {
	case "", "stdio", "sse", "http", "streamable-http":
	default:
		return fmt.Errorf("mcp.transport must be stdio, sse, http or streamable-http; got %q", c.Transport)
	}
	for i := range c.Servers {
		if err := c.Servers[i].Validate(); err != nil {
			return err
		}
	}
	if c.Limits.MaxConcurrentRequests < 0 {
		return fmt.Errorf("mcp.limits.max_concurrent_requests cannot be negative")
	}
	return nil
}

// Validate checks one remote MCP server entry.
func (c *McpServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("mcp server name cannot be empty")
	}
	switch c.Transport {
	case "stdio":
		if c.Command == "" {
			return fmt.Errorf("command is required for stdio transport in mcp server %q", c.Name)
		}
	case "sse", "http", "streamable-http":
		if c.URL == "" {
			return fmt.Errorf("url is required for %s transport in mcp server %q", c.Transport, c.Name)
		}
	default:
		return fmt.Errorf("mcp server %q transport must be stdio, sse, http or streamable-http", c.Name)
	}
	return nil
}

// Validate checks the A2A section. Liveness requires heartbeats to land
// strictly inside the registration TTL.
func (c *A2AConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	d := &c.Discovery
	if d.RegisterSubject == "" || d.DiscoverSubject == "" {
		return fmt.Errorf("a2a.discovery register and discover subjects are required")
	}
	if !strings.Contains(d.InboxPattern, "%s") {
		return fmt.Errorf("a2a.discovery.inbox_pattern must contain %%s for the agent id")
	}
	if !strings.Contains(d.BroadcastPattern, "%s") {
		return fmt.Errorf("a2a.discovery.broadcast_pattern must contain %%s for the capability tag")
	}
	if d.HeartbeatInterval <= 0 || d.AgentTTL <= 0 {
		return fmt.Errorf("a2a.discovery heartbeat_interval and agent_ttl must be positive")
	}
	if d.AgentTTL < d.HeartbeatInterval {
		return fmt.Errorf("a2a.discovery.agent_ttl (%s) must be >= heartbeat_interval (%s)", d.AgentTTL, d.HeartbeatInterval)
	}
	if d.CacheTTL < 0 {
		return fmt.Errorf("a2a.discovery.cache_ttl cannot be negative")
	}
	if d.MaxResults <= 0 {
		return fmt.Errorf("a2a.discovery.max_results must be positive")
	}
	return nil
}

// Validate checks the hybrid selection policy.
func (c *HybridConfig) Validate() error {
	for _, p := range c.Preferences {
		switch p {
		case "rest", "grpc", "nats", "websocket":
		default:
			return fmt.Errorf("hybrid.preferences contains unknown protocol %q", p)
		}
	}
	if c.DetectionTimeout < 0 {
		return fmt.Errorf("hybrid.detection_timeout cannot be negative")
	}
	if c.CapabilityTTL < 0 {
		return fmt.Errorf("hybrid.capability_ttl cannot be negative")
	}
	return nil
}
