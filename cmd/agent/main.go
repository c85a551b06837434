package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/qollective/qollective-go/internal/bus"
	qlog "github.com/qollective/qollective-go/internal/logger"
	"github.com/qollective/qollective-go/internal/metrics"
	"github.com/qollective/qollective-go/internal/transport/grpcx"
	"github.com/qollective/qollective-go/internal/transport/natsx"
	"github.com/qollective/qollective-go/internal/transport/rest"
	"github.com/qollective/qollective-go/internal/transport/ws"
	"github.com/qollective/qollective-go/pkg/a2a"
	"github.com/qollective/qollective-go/pkg/agentcard"
	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/hybrid"
	"github.com/qollective/qollective-go/pkg/mcp"
	"github.com/qollective/qollective-go/pkg/server"
	"github.com/qollective/qollective-go/pkg/transport"
	"github.com/qollective/qollective-go/pkg/utils"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/agent.yaml", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	agentName := flag.String("name", "", "Agent name (defaults to the configured MCP server name)")
	flag.Parse()

	// Set log level from flag or environment variable
	level := *logLevel
	if level == "" {
		level = utils.GetEnv("LOG_LEVEL", "info")
	}
	logger := utils.ConfigureLogger(utils.LogConfig{
		Level:  level,
		Format: utils.GetEnv("LOG_FORMAT", "text"),
	})

	logger.Info("Starting Qollective agent...")

	// Load configuration
	logger.Infof("Loading configuration from %s", *configPath)
	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Agent identity
	name := *agentName
	if name == "" {
		name = utils.GetEnv("AGENT_NAME", cfg.Mcp.ServerName)
	}
	agentID := utils.GetEnv("AGENT_ID", "")
	if agentID == "" {
		agentID = uuid.NewString()
	}
	tenant := utils.GetEnv("AGENT_TENANT", "")

	// Lifecycle bus, log streaming and metrics
	eventBus := bus.NewEventBus(logger)
	defer eventBus.Stop()

	logger.AddHook(qlog.NewBusLogHook(eventBus, name, logger.GetLevel()))

	collector := metrics.NewCollector(logger, name, cfg.Mcp.ServerVersion)
	collector.ObserveBus(eventBus)

	tlsCfg, err := cfg.TLS.Load()
	if err != nil {
		logger.Fatalf("Failed to load TLS settings: %v", err)
	}

	// Tool registry and adapter
	tools := mcp.NewToolRegistry(cfg.Mcp, logger)
	record := a2a.AgentRecord{
		ID:     agentID,
		Name:   name,
		Tenant: tenant,
		Health: a2a.HealthHealthy,
		Attributes: map[string]string{
			"version": cfg.Mcp.ServerVersion,
		},
	}
	if err := registerBuiltinTools(tools, &record); err != nil {
		logger.Fatalf("Failed to register tools: %v", err)
	}
	for _, reg := range tools.Registrations().Tools {
		record.Capabilities = append(record.Capabilities, reg.Name)
	}
	adapter := mcp.NewAdapter(tools, eventBus, logger)

	pipeline := server.Pipeline(logger)
	echoHandler := server.Chain(server.Echo(), pipeline...)
	toolHandler := server.Chain(adapter.Handler(), pipeline...)
	listHandler := server.Chain(adapter.RegistrationsHandler(), pipeline...)
	cardHandler := server.Chain(server.Typed(
		func(ctx context.Context, c *server.Context, _ struct{}) (agentcard.Card, error) {
			return agentcard.FromRecord(record, cfg.Mcp.ServerVersion).
				WithSkills(tools.Registrations()).
				WithEndpoints(cfg), nil
		}), pipeline...)

	var senders []transport.Sender

	// REST
	var restServer *rest.Server
	if cfg.Rest.Enabled {
		senders = append(senders, rest.NewClient(cfg.Rest.Client, tlsCfg, logger))

		restServer = rest.NewServer(cfg.Rest.Server, tlsCfg, logger)
		restServer.SetEventBus(eventBus)
		restServer.MountMetrics(collector.Handler())
		restServer.ReceiveEnvelope(echoHandler)
		restServer.ReceiveEnvelopeAt("/tools/call", toolHandler)
		restServer.ReceiveEnvelopeAt("/tools", listHandler)
		restServer.ReceiveEnvelopeAt("/card", cardHandler)
		if err := restServer.Start(); err != nil {
			logger.Fatalf("Failed to start HTTP server: %v", err)
		}
	}

	// gRPC
	var grpcServer *grpcx.Server
	if cfg.Grpc.Enabled {
		senders = append(senders, grpcx.NewClient(cfg.Grpc.Client, tlsCfg, logger))

		grpcServer = grpcx.NewServer(cfg.Grpc.Server, tlsCfg, logger)
		grpcServer.SetEventBus(eventBus)
		grpcServer.ReceiveEnvelope(echoHandler)
		grpcServer.ReceiveEnvelopeAt("tools.call", toolHandler)
		grpcServer.ReceiveEnvelopeAt("tools.list", listHandler)
		if err := grpcServer.Start(); err != nil {
			logger.Fatalf("Failed to start gRPC server: %v", err)
		}
	}

	// WebSocket
	var wsServer *ws.Server
	if cfg.WebSocket.Enabled {
		senders = append(senders, ws.NewClient(cfg.WebSocket.Client, tlsCfg, logger))

		wsServer = ws.NewServer(cfg.WebSocket.Server, tlsCfg, logger)
		wsServer.SetEventBus(eventBus)
		wsServer.ReceiveEnvelope(echoHandler)
		wsServer.ReceiveEnvelopeAt("/tools/call", toolHandler)
		if err := wsServer.Start(); err != nil {
			logger.Fatalf("Failed to start WebSocket server: %v", err)
		}
	}

	// NATS plus agent discovery
	ctx := context.Background()
	var (
		natsClient *natsx.Client
		natsServer *natsx.Server
		service    *a2a.Service
		announcer  *a2a.Announcer
	)
	if cfg.Nats.Enabled {
		natsClient, err = natsx.Dial(cfg.Nats, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to NATS: %v", err)
		}
		senders = append(senders, natsClient)

		natsServer = natsx.NewServer(natsClient.Conn(), cfg.Nats, logger)
		natsServer.SetEventBus(eventBus)
		if err := natsServer.ReceiveEnvelope(echoHandler); err != nil {
			logger.Fatalf("Failed to subscribe envelope subject: %v", err)
		}
		inbox := natsx.InboxSubject(cfg.A2A.Discovery.InboxPattern, agentID)
		if err := natsServer.Subscribe(inbox, echoHandler); err != nil {
			logger.Fatalf("Failed to subscribe inbox %s: %v", inbox, err)
		}
		if err := natsServer.Subscribe(mcp.DefaultToolRoute, toolHandler); err != nil {
			logger.Fatalf("Failed to subscribe tool subject: %v", err)
		}

		if cfg.A2A.Enabled {
			registry := a2a.NewRegistry(cfg.A2A.Discovery, eventBus, logger)
			registry.OnSizeChange(collector.SetRegisteredAgents)

			service = a2a.NewService(registry, natsServer, cfg.A2A.Discovery, logger)
			if err := service.Start(); err != nil {
				logger.Fatalf("Failed to start discovery service: %v", err)
			}

			announcer, err = a2a.NewAnnouncer(natsClient, cfg.A2A.Discovery, record, logger)
			if err != nil {
				logger.Fatalf("Failed to build announcer: %v", err)
			}
			if err := announcer.Start(ctx); err != nil {
				logger.Fatalf("Failed to announce agent: %v", err)
			}
		}

		if err := adapter.Announce(ctx, natsClient, mcp.DefaultAnnounceSubject); err != nil {
			logger.Warnf("Tool announcement failed: %v", err)
		}
	}

	// Transport selection
	router, err := hybrid.New(cfg.Hybrid, eventBus, logger, senders...)
	if err != nil {
		logger.Fatalf("Failed to build hybrid transport: %v", err)
	}
	logger.Infof("Hybrid transport ready with protocols: %s",
		strings.Join(protocolNames(router.Protocols()), ", "))

	// MCP bridge for external MCP hosts
	var bridge *mcp.Bridge
	if cfg.Mcp.Enabled {
		bridge = mcp.NewBridge(tools, cfg.Mcp, logger)
		bridge.Sync()
		if err := bridge.Start(utils.GetEnv("MCP_ADDR", ":8090")); err != nil {
			logger.Fatalf("Failed to start MCP bridge: %v", err)
		}
	}

	// Wait for interrupt signal
	logger.Infof("Agent %s (%s) running. Press Ctrl+C to stop.", name, agentID)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()

	if announcer != nil {
		announcer.Stop()
	}
	if service != nil {
		service.Stop()
	}
	if bridge != nil {
		if err := bridge.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("MCP bridge shutdown error: %v", err)
		}
	}
	if natsServer != nil {
		if err := natsServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("NATS server shutdown error: %v", err)
		}
	}
	if wsServer != nil {
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("WebSocket server shutdown error: %v", err)
		}
	}
	if grpcServer != nil {
		if err := grpcServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("gRPC server shutdown error: %v", err)
		}
	}
	if restServer != nil {
		if err := restServer.Shutdown(); err != nil {
			logger.Errorf("HTTP server shutdown error: %v", err)
		}
	}
	if err := router.Close(); err != nil {
		logger.Errorf("Transport close error: %v", err)
	}

	logger.Info("Agent stopped")
}

type echoParams struct {
	Message string `json:"message" jsonschema:"required,description=Text to echo back"`
}

type describeResult struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Health       string   `json:"health"`
}

// registerBuiltinTools installs the reference tools every agent serves.
func registerBuiltinTools(tools *mcp.ToolRegistry, record *a2a.AgentRecord) error {
	if err := mcp.RegisterTool(tools, "echo", "Echoes the given message back to the caller",
		mcp.ToolCapabilities{Retry: true},
		func(ctx context.Context, c *server.Context, p echoParams) (string, error) {
			return p.Message, nil
		}); err != nil {
		return err
	}

	return mcp.RegisterTool(tools, "agent.describe", "Describes this agent and its capabilities",
		mcp.ToolCapabilities{Retry: true},
		func(ctx context.Context, c *server.Context, _ struct{}) (describeResult, error) {
			return describeResult{
				ID:           record.ID,
				Name:         record.Name,
				Capabilities: append([]string(nil), record.Capabilities...),
				Health:       string(record.Health),
			}, nil
		})
}

func protocolNames(ps []transport.Protocol) []string {
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		names = append(names, string(p))
	}
	return names
}

func shutdownTimeout(cfg *config.TransportConfig) time.Duration {
	if cfg.Rest.Enabled && cfg.Rest.Server.ShutdownTimeout > 0 {
		return cfg.Rest.Server.ShutdownTimeout
	}
	return config.DefaultShutdownTimeout
}
