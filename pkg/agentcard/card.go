package agentcard

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/qollective/qollective-go/pkg/a2a"
	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/mcp"
)

// Skill describes one tool this agent serves. The input schema rides
// along so a caller can build arguments without a second discovery
// round trip.
type Skill struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Streaming   bool            `json:"streaming,omitempty"`
	Retry       bool            `json:"retry,omitempty"`
}

// Endpoints lists where the agent is reachable, one entry per enabled
// transport. The NATS entry is the agent's inbox subject.
type Endpoints struct {
	Rest      string `json:"rest,omitempty"`
	Grpc      string `json:"grpc,omitempty"`
	Nats      string `json:"nats,omitempty"`
	WebSocket string `json:"websocket,omitempty"`
}

// Card is the agent's self-description: identity, liveness, reachable
// endpoints and the tools it serves. Served on request so peers can
// inspect an agent without going through the registry.
type Card struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Version      string            `json:"version,omitempty"`
	Tenant       string            `json:"tenant,omitempty"`
	Health       a2a.HealthState   `json:"health,omitempty"`
	Capabilities []string          `json:"capabilities"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Endpoints    Endpoints         `json:"endpoints"`
	Skills       []Skill           `json:"skills"`
	GeneratedAt  time.Time         `json:"generated_at"`
}

// FromRecord seeds a card from the record the agent announces to the
// registry.
func FromRecord(rec a2a.AgentRecord, version string) Card {
	rec = rec.Clone()
	return Card{
		ID:           rec.ID,
		Name:         rec.Name,
		Version:      version,
		Tenant:       rec.Tenant,
		Health:       rec.Health,
		Capabilities: rec.Capabilities,
		Attributes:   rec.Attributes,
		GeneratedAt:  time.Now().UTC(),
	}
}

// WithSkills fills the skill list from the tool registry's
// registrations.
func (c Card) WithSkills(list mcp.RegistrationList) Card {
	skills := make([]Skill, 0, len(list.Tools))
	for _, reg := range list.Tools {
		skills = append(skills, Skill{
			Name:        reg.Name,
			Description: reg.Description,
			InputSchema: reg.InputSchema,
			Streaming:   reg.Capabilities.Streaming,
			Retry:       reg.Capabilities.Retry,
		})
	}
	c.Skills = skills
	return c
}

// WithEndpoints derives the advertised endpoints from the transport
// configuration. Disabled transports are omitted.
func (c Card) WithEndpoints(cfg *config.TransportConfig) Card {
	var eps Endpoints
	if cfg.Rest.Enabled {
		scheme := "http"
		if cfg.TLS.Enabled() {
			scheme = "https"
		}
		eps.Rest = fmt.Sprintf("%s://%s:%d", scheme, cfg.Rest.Server.Host, cfg.Rest.Server.Port)
	}
	if cfg.Grpc.Enabled {
		eps.Grpc = fmt.Sprintf("%s:%d", cfg.Grpc.Server.Host, cfg.Grpc.Server.Port)
	}
	if cfg.Nats.Enabled {
		pattern := cfg.A2A.Discovery.InboxPattern
		if pattern == "" {
			pattern = config.DefaultInboxPattern
		}
		eps.Nats = fmt.Sprintf(pattern, c.ID)
	}
	if cfg.WebSocket.Enabled {
		scheme := "ws"
		if cfg.TLS.Enabled() {
			scheme = "wss"
		}
		path := cfg.WebSocket.Server.Path
		if path == "" {
			path = config.DefaultWsPath
		}
		eps.WebSocket = fmt.Sprintf("%s://%s:%d%s", scheme, cfg.WebSocket.Server.Host, cfg.WebSocket.Server.Port, path)
	}
	c.Endpoints = eps
	return c
}
