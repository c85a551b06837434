package a2a

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/internal/bus"
	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/utils"
)

// Registry is the soft-state agent directory: an in-memory map keyed by
// agent id. Records arrive on register/heartbeat, expire when their last
// heartbeat exceeds the TTL and are recovered by re-announcement. Nothing
// is persisted.
type Registry struct {
	cfg    config.DiscoveryConfig
	logger *logrus.Entry
	bus    *bus.EventBus

	mu     sync.RWMutex
	agents map[string]AgentRecord

	stopOnce sync.Once
	stop     chan struct{}

	// onSize reports the registry population after every mutation, for
	// the metrics gauge.
	onSize func(int)
}

// NewRegistry builds an empty registry. The event bus is optional.
func NewRegistry(cfg config.DiscoveryConfig, eventBus *bus.EventBus, logger *logrus.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		logger: utils.ComponentLogger(utils.EnsureLogger(logger), "a2a-registry"),
		bus:    eventBus,
		agents: make(map[string]AgentRecord),
		stop:   make(chan struct{}),
	}
}

// OnSizeChange installs a population observer, called after every
// register and prune under no locks.
func (r *Registry) OnSizeChange(fn func(int)) { r.onSize = fn }

// Upsert registers a record or refreshes its heartbeat. A zero
// LastHeartbeat is stamped with the current time; a zero health state
// defaults to healthy.
func (r *Registry) Upsert(rec AgentRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec = rec.Clone()
	if rec.LastHeartbeat.IsZero() {
		rec.LastHeartbeat = time.Now().UTC()
	}
	if rec.Health == "" {
		rec.Health = HealthHealthy
	}

	r.mu.Lock()
	_, known := r.agents[rec.ID]
	r.agents[rec.ID] = rec
	size := len(r.agents)
	r.mu.Unlock()

	if !known {
		r.logger.WithFields(logrus.Fields{
			"agent_id":     rec.ID,
			"tenant":       rec.Tenant,
			"capabilities": rec.Capabilities,
		}).Info("Agent registered")
		if r.bus != nil {
			r.bus.PublishAgentRegistered(rec.ID, rec.Name, rec.Capabilities)
		}
	}
	r.notifySize(size)
	return nil
}

// Get returns a record by id, tenant-filtered: a caller from another
// tenant does not learn the record exists.
func (r *Registry) Get(tenant, id string) (AgentRecord, bool) {
	r.mu.RLock()
	rec, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok || rec.Tenant != tenant {
		return AgentRecord{}, false
	}
	return rec.Clone(), true
}

// Remove drops a record, if present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.agents[id]
	delete(r.agents, id)
	size := len(r.agents)
	r.mu.Unlock()
	if ok {
		r.notifySize(size)
	}
}

// Len reports the registry population across all tenants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Query answers a capability query for one tenant. All required tags
// must match and excluded ids never appear; results rank by preferred
// tag hits, ties by heartbeat recency. The result count is clamped to
// the configured maximum.
func (r *Registry) Query(tenant string, q CapabilityQuery) []AgentRecord {
	r.mu.RLock()
	matched := make([]AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		if rec.Tenant != tenant {
			continue
		}
		if q.Matches(&rec) {
			matched = append(matched, rec.Clone())
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		hi, hj := q.PreferredHits(&matched[i]), q.PreferredHits(&matched[j])
		if hi != hj {
			return hi > hj
		}
		return matched[i].LastHeartbeat.After(matched[j].LastHeartbeat)
	})

	limit := q.MaxResults
	max := r.cfg.MaxResults
	if max <= 0 {
		max = config.DefaultMaxResults
	}
	if limit <= 0 || limit > max {
		limit = max
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

// Prune drops every record whose heartbeat is older than the TTL and
// returns the expired ids.
func (r *Registry) Prune(now time.Time) []string {
	ttl := r.cfg.AgentTTL
	if ttl <= 0 {
		ttl = config.DefaultAgentTTL
	}

	r.mu.Lock()
	var expired []string
	for id, rec := range r.agents {
		if now.Sub(rec.LastHeartbeat) >= ttl {
			expired = append(expired, id)
			delete(r.agents, id)
		}
	}
	size := len(r.agents)
	r.mu.Unlock()

	for _, id := range expired {
		r.logger.WithField("agent_id", id).Info("Agent expired")
		if r.bus != nil {
			r.bus.PublishAgentExpired(id)
		}
	}
	if len(expired) > 0 {
		r.notifySize(size)
	}
	return expired
}

// StartPruning runs the TTL sweep in the background until Stop. The
// sweep interval is the heartbeat interval so at most one beat of
// staleness accumulates past the TTL.
func (r *Registry) StartPruning() {
	interval := r.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = config.DefaultHeartbeatInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case now := <-ticker.C:
				r.Prune(now)
			}
		}
	}()
}

// Stop ends the prune loop. Idempotent.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Registry) notifySize(size int) {
	if r.onSize != nil {
		r.onSize(size)
	}
}
