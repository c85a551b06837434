package transport

import (
	"time"
)

// Capabilities describes what one endpoint is known to speak. Built by
// probing, cached per endpoint with a TTL.
type Capabilities struct {
	Protocols         []Protocol                 `json:"protocols"`
	SupportsEnvelope  bool                       `json:"supports_envelope"`
	SupportsStreaming bool                       `json:"supports_streaming"`
	MaxMessageBytes   int64                      `json:"max_message_bytes"`
	DetectedAt        time.Time                  `json:"detected_at"`
	ProbeLatency      map[Protocol]time.Duration `json:"probe_latency,omitempty"`
}

// Supports reports whether the endpoint speaks the protocol.
func (c *Capabilities) Supports(p Protocol) bool {
	for _, known := range c.Protocols {
		if known == p {
			return true
		}
	}
	return false
}

// Latency returns the recorded probe latency for a protocol, or a large
// sentinel when unknown so unprobed protocols rank last on latency.
func (c *Capabilities) Latency(p Protocol) time.Duration {
	if d, ok := c.ProbeLatency[p]; ok {
		return d
	}
	return time.Hour
}

// Requirements states what a caller needs from a transport: ordered
// protocol preferences plus hard capability constraints.
type Requirements struct {
	Preferences      []Protocol `json:"preferences"`
	RequireStreaming bool       `json:"require_streaming"`
	RequireEnvelope  bool       `json:"require_envelope"`
	MaxMessageBytes  int64      `json:"max_message_bytes"`
}

// DefaultRequirements prefers every protocol in the framework order with
// no hard constraints.
func DefaultRequirements() Requirements {
	return Requirements{Preferences: Protocols()}
}

// Satisfied reports whether the capabilities meet the hard constraints.
func (r *Requirements) Satisfied(caps *Capabilities) bool {
	if r.RequireStreaming && !caps.SupportsStreaming {
		return false
	}
	if r.RequireEnvelope && !caps.SupportsEnvelope {
		return false
	}
	if r.MaxMessageBytes > 0 && caps.MaxMessageBytes > 0 && caps.MaxMessageBytes < r.MaxMessageBytes {
		return false
	}
	return true
}

// PreferenceRank returns the index of p in the preference order, or the
// list length when unlisted so unlisted protocols rank after listed ones.
func (r *Requirements) PreferenceRank(p Protocol) int {
	for i, pref := range r.Preferences {
		if pref == p {
			return i
		}
	}
	return len(r.Preferences)
}
