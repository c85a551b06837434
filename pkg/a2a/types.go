// Package a2a is the agent-to-agent layer: soft-state registration and
// capability discovery over the pub/sub substrate, plus direct and
// broadcast addressing of agents by id and capability tag.
package a2a

import (
	"time"

	"github.com/qollective/qollective-go/pkg/qerrors"
)

// HealthState describes an agent's last reported condition.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthWarning   HealthState = "warning"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// AgentRecord is one registry entry. Records live only in the registry;
// agents re-register on restart and refresh on heartbeat.
type AgentRecord struct {
	ID            string            `json:"id"`
	Name          string            `json:"name,omitempty"`
	Tenant        string            `json:"tenant,omitempty"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	Health        HealthState       `json:"health,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Validate rejects records the registry cannot key.
func (r *AgentRecord) Validate() error {
	if r == nil || r.ID == "" {
		return qerrors.New(qerrors.KindValidation, "agent record requires an id")
	}
	return nil
}

// HasCapability reports whether the record carries a tag.
func (r *AgentRecord) HasCapability(tag string) bool {
	for _, c := range r.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Clone copies the record so registry internals never alias caller maps.
func (r AgentRecord) Clone() AgentRecord {
	out := r
	out.Capabilities = append([]string(nil), r.Capabilities...)
	if r.Attributes != nil {
		out.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// CapabilityQuery selects agents by tags. Required tags must all match;
// preferred tags boost ranking; excluded ids never appear.
type CapabilityQuery struct {
	Required   []string `json:"required,omitempty"`
	Preferred  []string `json:"preferred,omitempty"`
	Excluded   []string `json:"excluded,omitempty"`
	MaxResults int      `json:"max_results,omitempty"`
}

// Matches reports whether a record satisfies the required and excluded
// sets. Preference is a ranking concern, not a filter.
func (q *CapabilityQuery) Matches(r *AgentRecord) bool {
	for _, id := range q.Excluded {
		if r.ID == id {
			return false
		}
	}
	for _, tag := range q.Required {
		if !r.HasCapability(tag) {
			return false
		}
	}
	return true
}

// PreferredHits counts how many preferred tags the record carries.
func (q *CapabilityQuery) PreferredHits(r *AgentRecord) int {
	hits := 0
	for _, tag := range q.Preferred {
		if r.HasCapability(tag) {
			hits++
		}
	}
	return hits
}

// DiscoverResponse is the reply payload for a capability query.
type DiscoverResponse struct {
	Agents []AgentRecord `json:"agents"`
}
