package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/internal/transport/natsx"
	"github.com/qollective/qollective-go/pkg/a2a"
	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/transport"
	"github.com/qollective/qollective-go/pkg/utils"
)

// A2AClient is the agent-to-agent facade: discovery queries, direct
// sends to an agent's inbox and capability broadcasts, all over the
// pub/sub substrate.
type A2AClient struct {
	router Router
	cfg    config.DiscoveryConfig
	logger *logrus.Entry

	// Discovery responses cache client-side under the discovery cache
	// TTL, which is distinct from the registry's agent TTL.
	mu    sync.Mutex
	cache map[string]discoveryCacheEntry
}

type discoveryCacheEntry struct {
	agents  []a2a.AgentRecord
	expires time.Time
}

// NewA2AClient builds the facade. The A2A feature and the NATS
// substrate must both be enabled.
func NewA2AClient(cfg *config.TransportConfig, router Router, logger *logrus.Logger) (*A2AClient, error) {
	if cfg == nil || !cfg.A2A.Enabled {
		return nil, qerrors.FeatureNotEnabled("A2A")
	}
	if !cfg.Nats.Enabled {
		return nil, qerrors.FeatureNotEnabled("NATS")
	}
	return &A2AClient{
		router: router,
		cfg:    cfg.A2A.Discovery,
		logger: utils.ComponentLogger(utils.EnsureLogger(logger), "a2a-client"),
		cache:  make(map[string]discoveryCacheEntry),
	}, nil
}

// Register announces an agent record once. Long-lived agents should run
// an a2a.Announcer instead so heartbeats continue.
func (c *A2AClient) Register(ctx context.Context, rec a2a.AgentRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	ps, err := c.transport()
	if err != nil {
		return err
	}

	meta := envelope.NewMeta()
	meta.Tenant = rec.Tenant
	raw, err := envelope.ToRaw(envelope.New(meta, rec))
	if err != nil {
		return err
	}
	return ps.Publish(ctx, c.registerSubject(), raw)
}

// Discover answers a capability query with ranked, tenant-filtered
// agent records. Registry failures degrade to an empty result, never an
// error; responses are cached under the discovery cache TTL.
func (c *A2AClient) Discover(ctx context.Context, tenant string, query a2a.CapabilityQuery) []a2a.AgentRecord {
	key, ok := c.cacheKey(tenant, query)
	if ok {
		if agents, hit := c.cached(key); hit {
			return agents
		}
	}

	ps, err := c.transport()
	if err != nil {
		c.logger.WithError(err).Warn("Discovery degraded to empty result")
		return nil
	}

	meta := envelope.NewMeta()
	meta.Tenant = tenant
	raw, err := envelope.ToRaw(envelope.New(meta, query))
	if err != nil {
		c.logger.WithError(err).Warn("Discovery degraded to empty result")
		return nil
	}

	res, err := ps.Request(ctx, c.discoverSubject(), raw)
	if err != nil {
		c.logger.WithError(err).Warn("Discovery degraded to empty result")
		return nil
	}
	typed, err := envelope.FromRaw[a2a.DiscoverResponse](res)
	if err != nil {
		c.logger.WithError(err).Warn("Discovery degraded to empty result")
		return nil
	}

	if ok {
		c.store(key, typed.Payload.Agents)
	}
	return typed.Payload.Agents
}

// SendEnvelope addresses an agent's inbox and awaits the reply.
func (c *A2AClient) SendEnvelope(ctx context.Context, agentID string, env *envelope.Raw) (*envelope.Raw, error) {
	if agentID == "" {
		return nil, qerrors.AgentNotFound(agentID)
	}
	ps, err := c.transport()
	if err != nil {
		return nil, err
	}
	res, err := ps.Request(ctx, natsx.InboxSubject(c.cfg.InboxPattern, agentID), env)
	if err != nil {
		if qerrors.IsKind(err, qerrors.KindNatsDiscovery) {
			return nil, qerrors.AgentNotFound(agentID)
		}
		return nil, err
	}
	return res, nil
}

// BroadcastEnvelope publishes fire-and-forget to every agent holding a
// capability tag.
func (c *A2AClient) BroadcastEnvelope(ctx context.Context, capability string, env *envelope.Raw) error {
	ps, err := c.transport()
	if err != nil {
		return err
	}
	return ps.Publish(ctx, natsx.BroadcastSubject(c.cfg.BroadcastPattern, capability), env)
}

// ClearCache drops the client-side discovery cache.
func (c *A2AClient) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]discoveryCacheEntry)
	c.mu.Unlock()
}

func (c *A2AClient) transport() (pubsub, error) {
	sender, ok := c.router.Sender(transport.ProtocolNats)
	if !ok {
		return nil, ErrTransportNotAvailable(transport.ProtocolNats)
	}
	ps, ok := sender.(pubsub)
	if !ok {
		return nil, ErrTransportNotAvailable(transport.ProtocolNats)
	}
	return ps, nil
}

func (c *A2AClient) registerSubject() string {
	if c.cfg.RegisterSubject != "" {
		return c.cfg.RegisterSubject
	}
	return config.DefaultRegisterSubject
}

func (c *A2AClient) discoverSubject() string {
	if c.cfg.DiscoverSubject != "" {
		return c.cfg.DiscoverSubject
	}
	return config.DefaultDiscoverSubject
}

func (c *A2AClient) cacheKey(tenant string, query a2a.CapabilityQuery) (string, bool) {
	if c.cfg.CacheTTL <= 0 {
		return "", false
	}
	data, err := json.Marshal(query)
	if err != nil {
		return "", false
	}
	return tenant + "|" + string(data), true
}

func (c *A2AClient) cached(key string) ([]a2a.AgentRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok || time.Now().After(entry.expires) {
		delete(c.cache, key)
		return nil, false
	}
	return entry.agents, true
}

func (c *A2AClient) store(key string, agents []a2a.AgentRecord) {
	c.mu.Lock()
	c.cache[key] = discoveryCacheEntry{agents: agents, expires: time.Now().Add(c.cfg.CacheTTL)}
	c.mu.Unlock()
}
