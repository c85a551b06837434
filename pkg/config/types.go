package config

import (
	"time"
)

// TransportConfig is the unified framework configuration: one section per
// protocol plus hybrid selection policy and shared TLS settings. Each
// protocol carries independent client and server sub-configs and an
// Enabled flag; disabled transports reject construction with a
// feature-not-enabled error.
type TransportConfig struct {
	Rest      RestConfig      `yaml:"rest" json:"rest" envconfig:"REST"`
	Grpc      GrpcConfig      `yaml:"grpc" json:"grpc" envconfig:"GRPC"`
	Nats      NatsConfig      `yaml:"nats" json:"nats" envconfig:"NATS"`
	WebSocket WebSocketConfig `yaml:"websocket" json:"websocket" envconfig:"WEBSOCKET"`
	Mcp       McpConfig       `yaml:"mcp" json:"mcp" envconfig:"MCP"`
	A2A       A2AConfig       `yaml:"a2a" json:"a2a" envconfig:"A2A"`
	Hybrid    HybridConfig    `yaml:"hybrid" json:"hybrid" envconfig:"HYBRID"`
	TLS       TLSSettings     `yaml:"tls" json:"tls" envconfig:"TLS"`
}

// RestConfig configures the HTTP transport.
type RestConfig struct {
	Enabled bool             `yaml:"enabled" json:"enabled" envconfig:"ENABLED"`
	Client  RestClientConfig `yaml:"client" json:"client" envconfig:"CLIENT"`
	Server  RestServerConfig `yaml:"server" json:"server" envconfig:"SERVER"`
}

// RestClientConfig tunes the pooled HTTP client.
type RestClientConfig struct {
	BaseURL             string            `yaml:"base_url" json:"base_url" envconfig:"BASE_URL"`
	RequestTimeout      time.Duration     `yaml:"request_timeout" json:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	MaxIdleConnsPerHost int               `yaml:"max_idle_conns_per_host" json:"max_idle_conns_per_host" envconfig:"MAX_IDLE_CONNS_PER_HOST"`
	MaxConnsPerHost     int               `yaml:"max_conns_per_host" json:"max_conns_per_host" envconfig:"MAX_CONNS_PER_HOST"`
	DefaultHeaders      map[string]string `yaml:"default_headers" json:"default_headers" envconfig:"DEFAULT_HEADERS"`
	ExtensionPrefix     string            `yaml:"extension_prefix" json:"extension_prefix" envconfig:"EXTENSION_PREFIX"`
	RetryAttempts       int               `yaml:"retry_attempts" json:"retry_attempts" envconfig:"RETRY_ATTEMPTS"`
}

// RestServerConfig tunes the gin server.
type RestServerConfig struct {
	Host            string        `yaml:"host" json:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" json:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	EnableCORS      bool          `yaml:"enable_cors" json:"enable_cors" envconfig:"ENABLE_CORS"`
	ExtensionPrefix string        `yaml:"extension_prefix" json:"extension_prefix" envconfig:"EXTENSION_PREFIX"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// GrpcConfig configures the gRPC transport.
type GrpcConfig struct {
	Enabled bool             `yaml:"enabled" json:"enabled" envconfig:"ENABLED"`
	Client  GrpcClientConfig `yaml:"client" json:"client" envconfig:"CLIENT"`
	Server  GrpcServerConfig `yaml:"server" json:"server" envconfig:"SERVER"`
}

// GrpcClientConfig tunes outbound gRPC channels.
type GrpcClientConfig struct {
	Target         string        `yaml:"target" json:"target" envconfig:"TARGET"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`
	MaxRecvBytes   int           `yaml:"max_recv_bytes" json:"max_recv_bytes" envconfig:"MAX_RECV_BYTES"`
	MaxSendBytes   int           `yaml:"max_send_bytes" json:"max_send_bytes" envconfig:"MAX_SEND_BYTES"`
}

// GrpcServerConfig tunes the envelope service listener.
type GrpcServerConfig struct {
	Host            string        `yaml:"host" json:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" json:"port" envconfig:"PORT"`
	MaxRecvBytes    int           `yaml:"max_recv_bytes" json:"max_recv_bytes" envconfig:"MAX_RECV_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// NatsConfig configures the NATS transport. Section names follow the
// conventional [connection] / [client_behavior] split.
type NatsConfig struct {
	Enabled    bool                 `yaml:"enabled" json:"enabled" envconfig:"ENABLED"`
	Connection NatsConnectionConfig `yaml:"connection" json:"connection" envconfig:"CONNECTION"`
	Behavior   NatsBehaviorConfig   `yaml:"client_behavior" json:"client_behavior" envconfig:"CLIENT_BEHAVIOR"`
	Auth       NatsAuthConfig       `yaml:"auth" json:"auth" envconfig:"AUTH"`
}

// NatsConnectionConfig holds dial and reconnect settings.
type NatsConnectionConfig struct {
	URL            string        `yaml:"url" json:"url" envconfig:"URL"`
	Name           string        `yaml:"name" json:"name" envconfig:"NAME"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait" json:"reconnect_wait" envconfig:"RECONNECT_WAIT"`
	MaxReconnects  int           `yaml:"max_reconnects" json:"max_reconnects" envconfig:"MAX_RECONNECTS"`
}

// NatsBehaviorConfig holds request/publish behavior.
type NatsBehaviorConfig struct {
	RequestTimeout     time.Duration `yaml:"request_timeout" json:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	MaxPendingMessages int           `yaml:"max_pending_messages" json:"max_pending_messages" envconfig:"MAX_PENDING_MESSAGES"`
	BlockOnPending     bool          `yaml:"block_on_pending" json:"block_on_pending" envconfig:"BLOCK_ON_PENDING"`
}

// NatsAuthConfig selects exactly one authentication mechanism. Token,
// username+password and NKey are mutually exclusive; for NKey, file and
// inline seed are mutually exclusive.
type NatsAuthConfig struct {
	Token     string `yaml:"token" json:"token" envconfig:"TOKEN"`
	Username  string `yaml:"username" json:"username" envconfig:"USERNAME"`
	Password  string `yaml:"password" json:"password" envconfig:"PASSWORD"`
	NKeyFile  string `yaml:"nkey_file" json:"nkey_file" envconfig:"NKEY_FILE"`
	NKeySeed  string `yaml:"nkey_seed" json:"nkey_seed" envconfig:"NKEY_SEED"`
	Anonymous bool   `yaml:"anonymous" json:"anonymous" envconfig:"ANONYMOUS"`
}

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	Enabled bool           `yaml:"enabled" json:"enabled" envconfig:"ENABLED"`
	Client  WsClientConfig `yaml:"client" json:"client" envconfig:"CLIENT"`
	Server  WsServerConfig `yaml:"server" json:"server" envconfig:"SERVER"`
}

// WsClientConfig tunes the dialer side.
type WsClientConfig struct {
	URL              string        `yaml:"url" json:"url" envconfig:"URL"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout" envconfig:"HANDSHAKE_TIMEOUT"`
	RequestTimeout   time.Duration `yaml:"request_timeout" json:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	StaleReplyTTL    time.Duration `yaml:"stale_reply_ttl" json:"stale_reply_ttl" envconfig:"STALE_REPLY_TTL"`
}

// WsServerConfig tunes the hub side.
type WsServerConfig struct {
	Host            string        `yaml:"host" json:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" json:"port" envconfig:"PORT"`
	Path            string        `yaml:"path" json:"path" envconfig:"PATH"`
	MaxMessageBytes int64         `yaml:"max_message_bytes" json:"max_message_bytes" envconfig:"MAX_MESSAGE_BYTES"`
	MaxConnections  int           `yaml:"max_connections" json:"max_connections" envconfig:"MAX_CONNECTIONS"`
	WriteWait       time.Duration `yaml:"write_wait" json:"write_wait" envconfig:"WRITE_WAIT"`
	PongWait        time.Duration `yaml:"pong_wait" json:"pong_wait" envconfig:"PONG_WAIT"`
	CloseGrace      time.Duration `yaml:"close_grace" json:"close_grace" envconfig:"CLOSE_GRACE"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// McpConfig configures the MCP adapter and bridge.
type McpConfig struct {
	Enabled       bool              `yaml:"enabled" json:"enabled" envconfig:"ENABLED"`
	ServerName    string            `yaml:"server_name" json:"server_name" envconfig:"SERVER_NAME"`
	ServerVersion string            `yaml:"server_version" json:"server_version" envconfig:"SERVER_VERSION"`
	Transport     string            `yaml:"transport" json:"transport" envconfig:"TRANSPORT"`
	Servers       []McpServerConfig `yaml:"servers" json:"servers"`
	Limits        McpLimits         `yaml:"limits" json:"limits" envconfig:"LIMITS"`
}

// McpServerConfig describes one remote MCP server this agent talks to.
type McpServerConfig struct {
	Name      string        `yaml:"name" json:"name"`
	Transport string        `yaml:"transport" json:"transport"`
	URL       string        `yaml:"url" json:"url,omitempty"`
	Command   string        `yaml:"command" json:"command,omitempty"`
	Args      []string      `yaml:"args" json:"args,omitempty"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	Enabled   bool          `yaml:"enabled" json:"enabled"`
}

// McpLimits bounds adapter resource usage.
type McpLimits struct {
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests" json:"max_concurrent_requests" envconfig:"MAX_CONCURRENT_REQUESTS"`
	RequestTimeout        time.Duration `yaml:"request_timeout" json:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	MaxResponseBytes      int64         `yaml:"max_response_bytes" json:"max_response_bytes" envconfig:"MAX_RESPONSE_BYTES"`
	RetryAttempts         int           `yaml:"retry_attempts" json:"retry_attempts" envconfig:"RETRY_ATTEMPTS"`
}

// A2AConfig configures registration and discovery over the pub/sub
// substrate.
type A2AConfig struct {
	Enabled   bool            `yaml:"enabled" json:"enabled" envconfig:"ENABLED"`
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery" envconfig:"DISCOVERY"`
}

// DiscoveryConfig holds subjects and liveness windows. AgentTTL bounds
// registry record liveness; CacheTTL bounds client-side query caching.
// The two are distinct and never unified.
type DiscoveryConfig struct {
	RegisterSubject   string        `yaml:"register_subject" json:"register_subject" envconfig:"REGISTER_SUBJECT"`
	DiscoverSubject   string        `yaml:"discover_subject" json:"discover_subject" envconfig:"DISCOVER_SUBJECT"`
	InboxPattern      string        `yaml:"inbox_pattern" json:"inbox_pattern" envconfig:"INBOX_PATTERN"`
	BroadcastPattern  string        `yaml:"broadcast_pattern" json:"broadcast_pattern" envconfig:"BROADCAST_PATTERN"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval" envconfig:"HEARTBEAT_INTERVAL"`
	AgentTTL          time.Duration `yaml:"agent_ttl" json:"agent_ttl" envconfig:"AGENT_TTL"`
	CacheTTL          time.Duration `yaml:"cache_ttl" json:"cache_ttl" envconfig:"CACHE_TTL"`
	MaxResults        int           `yaml:"max_results" json:"max_results" envconfig:"MAX_RESULTS"`
}

// HybridConfig holds the transport selection policy.
type HybridConfig struct {
	Preferences      []string      `yaml:"preferences" json:"preferences" envconfig:"PREFERENCES"`
	ProbingEnabled   bool          `yaml:"probing_enabled" json:"probing_enabled" envconfig:"PROBING_ENABLED"`
	DetectionTimeout time.Duration `yaml:"detection_timeout" json:"detection_timeout" envconfig:"DETECTION_TIMEOUT"`
	CapabilityTTL    time.Duration `yaml:"capability_ttl" json:"capability_ttl" envconfig:"CAPABILITY_TTL"`
}

// DefaultTransportConfig returns the framework defaults. Only REST starts
// enabled; other transports opt in.
func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		Rest: RestConfig{
			Enabled: true,
			Client: RestClientConfig{
				BaseURL:             DefaultRestBaseURL,
				RequestTimeout:      DefaultRequestTimeout,
				MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
				MaxConnsPerHost:     DefaultMaxConnsPerHost,
				ExtensionPrefix:     DefaultExtensionPrefix,
				RetryAttempts:       DefaultRetryAttempts,
			},
			Server: RestServerConfig{
				Host:            DefaultRestHost,
				Port:            DefaultRestPort,
				ReadTimeout:     DefaultRequestTimeout,
				WriteTimeout:    DefaultRequestTimeout,
				EnableCORS:      true,
				ExtensionPrefix: DefaultExtensionPrefix,
				ShutdownTimeout: DefaultShutdownTimeout,
			},
		},
		Grpc: GrpcConfig{
			Client: GrpcClientConfig{
				Target:         DefaultGrpcTarget,
				RequestTimeout: DefaultRequestTimeout,
				ConnectTimeout: DefaultConnectTimeout,
				MaxRecvBytes:   DefaultMaxMsgBytes,
				MaxSendBytes:   DefaultMaxMsgBytes,
			},
			Server: GrpcServerConfig{
				Host:            DefaultGrpcHost,
				Port:            DefaultGrpcPort,
				MaxRecvBytes:    DefaultMaxMsgBytes,
				ShutdownTimeout: DefaultShutdownTimeout,
			},
		},
		Nats: NatsConfig{
			Connection: NatsConnectionConfig{
				URL:            DefaultNatsURL,
				Name:           DefaultNatsName,
				ConnectTimeout: DefaultConnectTimeout,
				ReconnectWait:  DefaultReconnectWait,
				MaxReconnects:  DefaultMaxReconnects,
			},
			Behavior: NatsBehaviorConfig{
				RequestTimeout:     DefaultRequestTimeout,
				MaxPendingMessages: DefaultMaxPendingMessages,
			},
			Auth: NatsAuthConfig{Anonymous: true},
		},
		WebSocket: WebSocketConfig{
			Client: WsClientConfig{
				URL:              DefaultWsURL,
				HandshakeTimeout: DefaultConnectTimeout,
				RequestTimeout:   DefaultRequestTimeout,
				StaleReplyTTL:    DefaultStaleReplyTTL,
			},
			Server: WsServerConfig{
				Host:            DefaultWsHost,
				Port:            DefaultWsPort,
				Path:            DefaultWsPath,
				MaxMessageBytes: DefaultWsMaxMessageBytes,
				MaxConnections:  DefaultWsMaxConnections,
				WriteWait:       DefaultWsWriteWait,
				PongWait:        DefaultWsPongWait,
				CloseGrace:      DefaultCloseGrace,
				ShutdownTimeout: DefaultShutdownTimeout,
			},
		},
		Mcp: McpConfig{
			ServerName:    DefaultMcpServerName,
			ServerVersion: "1.0.0",
			Transport:     DefaultMcpTransport,
			Limits: McpLimits{
				MaxConcurrentRequests: 100,
				RequestTimeout:        DefaultRequestTimeout,
				MaxResponseBytes:      10 << 20,
				RetryAttempts:         DefaultRetryAttempts,
			},
		},
		A2A: A2AConfig{
			Discovery: DiscoveryConfig{
				RegisterSubject:   DefaultRegisterSubject,
				DiscoverSubject:   DefaultDiscoverSubject,
				InboxPattern:      DefaultInboxPattern,
				BroadcastPattern:  DefaultBroadcastPattern,
				HeartbeatInterval: DefaultHeartbeatInterval,
				AgentTTL:          DefaultAgentTTL,
				CacheTTL:          DefaultDiscoveryCacheTTL,
				MaxResults:        DefaultMaxResults,
			},
		},
		Hybrid: HybridConfig{
			Preferences:      DefaultProtocolPreferences(),
			ProbingEnabled:   true,
			DetectionTimeout: DefaultDetectionTimeout,
			CapabilityTTL:    DefaultCapabilityTTL,
		},
		TLS: TLSSettings{
			Mode:     TLSModeDisabled,
			Strategy: CryptoAutoInstall,
		},
	}
}
