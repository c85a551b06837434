package config

import "time"

// Framework-wide defaults. Every configurable field starts from one of
// these; files and QOLLECTIVE_* environment variables override them.
const (
	DefaultRequestTimeout  = 30 * time.Second
	DefaultConnectTimeout  = 10 * time.Second
	DefaultShutdownTimeout = 15 * time.Second

	DefaultRestBaseURL         = "http://127.0.0.1:8080"
	DefaultRestHost            = "0.0.0.0"
	DefaultRestPort            = 8080
	DefaultMaxIdleConnsPerHost = 32
	DefaultMaxConnsPerHost     = 64
	DefaultExtensionPrefix     = "x-ext-"

	DefaultGrpcTarget  = "127.0.0.1:50051"
	DefaultGrpcHost    = "0.0.0.0"
	DefaultGrpcPort    = 50051
	DefaultMaxMsgBytes = 4 << 20

	DefaultNatsURL            = "nats://127.0.0.1:4222"
	DefaultNatsName           = "qollective"
	DefaultReconnectWait      = 2 * time.Second
	DefaultMaxReconnects      = 60
	DefaultMaxPendingMessages = 65536

	DefaultWsURL             = "ws://127.0.0.1:8081/ws"
	DefaultWsHost            = "0.0.0.0"
	DefaultWsPort            = 8081
	DefaultWsPath            = "/ws"
	DefaultWsMaxMessageBytes = 1 << 20
	DefaultWsMaxConnections  = 1024
	DefaultWsWriteWait       = 10 * time.Second
	DefaultWsPongWait        = 60 * time.Second
	DefaultCloseGrace        = 1 * time.Second

	DefaultRetryAttempts           = 3
	DefaultCircuitBreakerThreshold = 5
	DefaultStaleReplyTTL           = time.Minute

	DefaultDetectionTimeout = 2 * time.Second
	DefaultCapabilityTTL    = 5 * time.Minute

	DefaultRegisterSubject  = "qollective.agents.register"
	DefaultDiscoverSubject  = "qollective.agents.discover"
	DefaultInboxPattern     = "agent.%s.inbox"
	DefaultBroadcastPattern = "capability.%s.broadcast"

	DefaultHeartbeatInterval = 15 * time.Second
	DefaultAgentTTL          = 45 * time.Second
	DefaultDiscoveryCacheTTL = 30 * time.Second
	DefaultMaxResults        = 25

	DefaultMcpServerName = "qollective-agent"
	DefaultMcpTransport  = "sse"
)

// DefaultProtocolPreferences is the hybrid layer's probe and scoring
// order when the application does not state one.
func DefaultProtocolPreferences() []string {
	return []string{"grpc", "rest", "nats", "websocket"}
}
