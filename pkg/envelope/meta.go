package envelope

import (
	"time"

	"github.com/google/uuid"

	"github.com/qollective/qollective-go/pkg/qerrors"
)

// Meta is the structured metadata block attached to every envelope. All
// sections are optional so partial metadata stays cheap; empty sections
// are omitted from the wire form.
type Meta struct {
	RequestID  string       `json:"request_id,omitempty"`
	Timestamp  *time.Time   `json:"timestamp,omitempty"`
	Version    string       `json:"version,omitempty"`
	Tenant     string       `json:"tenant,omitempty"`
	OnBehalfOf *OnBehalfOf  `json:"on_behalf_of,omitempty"`
	Security   *Security    `json:"security,omitempty"`
	Tracing    *Tracing     `json:"tracing,omitempty"`
	Perf       *Performance `json:"performance,omitempty"`

	Monitoring map[string]interface{} `json:"monitoring,omitempty"`
	Debug      map[string]interface{} `json:"debug,omitempty"`

	Extensions Extensions `json:"extensions,omitempty"`
}

// OnBehalfOf is the delegation triple. Once set it is immutable within a
// trace; all three fields are required together.
type OnBehalfOf struct {
	OriginalUser     string `json:"original_user"`
	DelegatingUser   string `json:"delegating_user"`
	DelegatingTenant string `json:"delegating_tenant"`
}

// Validate rejects partial triples. A delegation chain missing a link is
// worse than no delegation at all.
func (o *OnBehalfOf) Validate() error {
	if o == nil {
		return nil
	}
	if o.OriginalUser == "" || o.DelegatingUser == "" || o.DelegatingTenant == "" {
		return qerrors.New(qerrors.KindValidation,
			"on_behalf_of requires original_user, delegating_user and delegating_tenant")
	}
	return nil
}

// Security carries the caller identity propagated across hops.
type Security struct {
	UserID      string     `json:"user_id,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	AuthMethod  string     `json:"auth_method,omitempty"`
	Permissions []string   `json:"permissions,omitempty"`
	IPAddress   string     `json:"ip_address,omitempty"`
	UserAgent   string     `json:"user_agent,omitempty"`
	Roles       []string   `json:"roles,omitempty"`
	TokenExpiry *time.Time `json:"token_expiry,omitempty"`
}

// Tracing carries distributed-trace correlation state.
type Tracing struct {
	TraceID      string            `json:"trace_id,omitempty"`
	SpanID       string            `json:"span_id,omitempty"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Baggage      map[string]string `json:"baggage,omitempty"`
	Sampled      *bool             `json:"sampled,omitempty"`
	SpanKind     string            `json:"span_kind,omitempty"`
	SpanStatus   string            `json:"span_status,omitempty"`
}

// Performance holds timing data. Filled by middleware on responses only.
type Performance struct {
	DurationMs int64            `json:"duration_ms"`
	Counters   map[string]int64 `json:"counters,omitempty"`
}

// NewMeta builds request metadata with a fresh request id and timestamp.
func NewMeta() Meta {
	now := time.Now().UTC()
	return Meta{
		RequestID: uuid.New().String(),
		Timestamp: &now,
		Version:   SchemaVersion,
	}
}

// SchemaVersion tags the envelope metadata layout.
const SchemaVersion = "1.0"

// EnsureRequestID generates a request id when absent. Incoming envelopes
// without one get an id before dispatch so correlation always works.
func (m *Meta) EnsureRequestID() string {
	if m.RequestID == "" {
		m.RequestID = uuid.New().String()
	}
	return m.RequestID
}

// Validate checks the metadata invariants: a delegation triple must be
// complete and requires a tenant.
func (m *Meta) Validate() error {
	if err := m.OnBehalfOf.Validate(); err != nil {
		return err
	}
	if m.OnBehalfOf != nil && m.Tenant == "" {
		return qerrors.New(qerrors.KindValidation, "on_behalf_of requires tenant")
	}
	return nil
}

// Clone deep-copies the metadata so handlers can derive responses without
// aliasing the request's maps.
func (m Meta) Clone() Meta {
	out := m
	if m.Timestamp != nil {
		ts := *m.Timestamp
		out.Timestamp = &ts
	}
	if m.OnBehalfOf != nil {
		obo := *m.OnBehalfOf
		out.OnBehalfOf = &obo
	}
	if m.Security != nil {
		sec := *m.Security
		sec.Permissions = append([]string(nil), m.Security.Permissions...)
		sec.Roles = append([]string(nil), m.Security.Roles...)
		if m.Security.TokenExpiry != nil {
			exp := *m.Security.TokenExpiry
			sec.TokenExpiry = &exp
		}
		out.Security = &sec
	}
	if m.Tracing != nil {
		tr := *m.Tracing
		if m.Tracing.Baggage != nil {
			tr.Baggage = make(map[string]string, len(m.Tracing.Baggage))
			for k, v := range m.Tracing.Baggage {
				tr.Baggage[k] = v
			}
		}
		if m.Tracing.Sampled != nil {
			s := *m.Tracing.Sampled
			tr.Sampled = &s
		}
		out.Tracing = &tr
	}
	if m.Perf != nil {
		p := *m.Perf
		if m.Perf.Counters != nil {
			p.Counters = make(map[string]int64, len(m.Perf.Counters))
			for k, v := range m.Perf.Counters {
				p.Counters[k] = v
			}
		}
		out.Perf = &p
	}
	if m.Monitoring != nil {
		out.Monitoring = make(map[string]interface{}, len(m.Monitoring))
		for k, v := range m.Monitoring {
			out.Monitoring[k] = v
		}
	}
	if m.Debug != nil {
		out.Debug = make(map[string]interface{}, len(m.Debug))
		for k, v := range m.Debug {
			out.Debug[k] = v
		}
	}
	if m.Extensions != nil {
		out.Extensions = m.Extensions.Clone()
	}
	return out
}

// ResponseMeta derives the reply metadata skeleton from a request:
// request_id, tenant, version, delegation and security ride along
// unchanged, the trace continues under a new span, and the timestamp is
// fresh. Duration is left for middleware to fill.
func (m Meta) ResponseMeta() Meta {
	out := m.Clone()
	now := time.Now().UTC()
	out.Timestamp = &now
	out.Perf = nil
	if out.Tracing != nil {
		out.Tracing.ParentSpanID = out.Tracing.SpanID
		out.Tracing.SpanID = uuid.New().String()
	}
	return out
}

// ChildMeta derives metadata for an outbound call made while handling m:
// same trace id, new span id, parent set to the current span.
func (m Meta) ChildMeta() Meta {
	out := m.Clone()
	now := time.Now().UTC()
	out.RequestID = uuid.New().String()
	out.Timestamp = &now
	out.Perf = nil
	if out.Tracing == nil {
		out.Tracing = &Tracing{TraceID: uuid.New().String()}
	}
	out.Tracing.ParentSpanID = out.Tracing.SpanID
	out.Tracing.SpanID = uuid.New().String()
	return out
}

// StartTrace seeds tracing state when none exists yet.
func (m *Meta) StartTrace() *Tracing {
	if m.Tracing == nil {
		m.Tracing = &Tracing{
			TraceID: uuid.New().String(),
			SpanID:  uuid.New().String(),
		}
	}
	return m.Tracing
}
