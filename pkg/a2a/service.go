package a2a

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/internal/transport/natsx"
	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/utils"
)

// Service runs the agent-discovery handlers over the substrate: ingest
// on the register subject, request/reply on the discover subject. Any
// instance running the service is a registry; records are per-instance
// soft state.
type Service struct {
	registry *Registry
	srv      *natsx.Server
	cfg      config.DiscoveryConfig
	logger   *logrus.Entry
}

// NewService binds a registry to a NATS server.
func NewService(registry *Registry, srv *natsx.Server, cfg config.DiscoveryConfig, logger *logrus.Logger) *Service {
	return &Service{
		registry: registry,
		srv:      srv,
		cfg:      cfg,
		logger:   utils.ComponentLogger(utils.EnsureLogger(logger), "a2a-service"),
	}
}

// Start subscribes the register and discover subjects and begins the TTL
// prune loop.
func (s *Service) Start() error {
	register := s.cfg.RegisterSubject
	if register == "" {
		register = config.DefaultRegisterSubject
	}
	discover := s.cfg.DiscoverSubject
	if discover == "" {
		discover = config.DefaultDiscoverSubject
	}

	if err := s.srv.Subscribe(register, s.handleRegister); err != nil {
		return err
	}
	if err := s.srv.Subscribe(discover, s.handleDiscover); err != nil {
		return err
	}
	s.registry.StartPruning()

	s.logger.WithFields(logrus.Fields{
		"register": register,
		"discover": discover,
	}).Info("Agent discovery handlers running")
	return nil
}

// Stop ends the prune loop. Subscriptions are released by the NATS
// server's own shutdown.
func (s *Service) Stop() {
	s.registry.Stop()
}

// handleRegister ingests one announcement. The envelope tenant is the
// authority for isolation; whatever tenant the payload claims is
// overwritten before the record is stored.
func (s *Service) handleRegister(ctx context.Context, raw *envelope.Raw) (*envelope.Raw, error) {
	typed, err := envelope.FromRaw[AgentRecord](raw)
	if err != nil {
		s.logger.WithError(err).Warn("Dropping malformed registration")
		return nil, nil
	}
	rec := typed.Payload
	rec.Tenant = raw.Meta.Tenant
	if rec.LastHeartbeat.IsZero() {
		rec.LastHeartbeat = time.Now().UTC()
	}
	if err := s.registry.Upsert(rec); err != nil {
		s.logger.WithError(err).Warn("Dropping invalid registration")
	}
	return nil, nil
}

// handleDiscover answers a capability query with tenant-filtered,
// ranked records. Failures degrade to an empty result, never an error
// reply.
func (s *Service) handleDiscover(ctx context.Context, raw *envelope.Raw) (*envelope.Raw, error) {
	resp := DiscoverResponse{Agents: []AgentRecord{}}

	typed, err := envelope.FromRaw[CapabilityQuery](raw)
	if err != nil {
		s.logger.WithError(err).Warn("Malformed capability query, answering empty")
	} else {
		resp.Agents = s.registry.Query(raw.Meta.Tenant, typed.Payload)
	}

	reply := envelope.New(raw.Meta.ResponseMeta(), resp)
	out, err := envelope.ToRaw(reply)
	if err != nil {
		s.logger.WithError(err).Error("Discovery reply not serializable")
		return envelope.NullRaw(raw.Meta.ResponseMeta()), nil
	}
	return out, nil
}
