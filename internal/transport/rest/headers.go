package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
)

// Wire header names. Written canonically, read case-insensitively.
const (
	HeaderRequestID    = "X-Request-ID"
	HeaderTimestamp    = "X-Timestamp"
	HeaderVersion      = "X-Version"
	HeaderTenant       = "X-Tenant"
	HeaderOnBehalfOf   = "X-On-Behalf-Of"
	HeaderUserID       = "X-User-ID"
	HeaderSessionID    = "X-Session-ID"
	HeaderTraceID      = "X-Trace-ID"
	HeaderSpanID       = "X-Span-ID"
	HeaderParentSpanID = "X-Parent-Span-ID"
	HeaderDurationMs   = "X-Duration-Ms"
)

// oboHeader is the wire shape of X-On-Behalf-Of. Field names are
// camelCase on the wire, unlike the envelope's snake_case body form.
type oboHeader struct {
	OriginalUser     string `json:"originalUser"`
	DelegatingUser   string `json:"delegatingUser"`
	DelegatingTenant string `json:"delegatingTenant"`
}

// InjectMeta writes envelope metadata onto wire headers. Absent sections
// produce no headers. Extension sections are emitted one header each
// under the configured prefix.
func InjectMeta(h http.Header, meta *envelope.Meta, extPrefix string) error {
	if meta.RequestID != "" {
		h.Set(HeaderRequestID, meta.RequestID)
	}
	if meta.Timestamp != nil {
		h.Set(HeaderTimestamp, meta.Timestamp.Format(time.RFC3339Nano))
	}
	if meta.Version != "" {
		h.Set(HeaderVersion, meta.Version)
	}
	if meta.Tenant != "" {
		h.Set(HeaderTenant, meta.Tenant)
	}
	if meta.OnBehalfOf != nil {
		encoded, err := json.Marshal(oboHeader{
			OriginalUser:     meta.OnBehalfOf.OriginalUser,
			DelegatingUser:   meta.OnBehalfOf.DelegatingUser,
			DelegatingTenant: meta.OnBehalfOf.DelegatingTenant,
		})
		if err != nil {
			return qerrors.Wrap(qerrors.KindSerialization, "encode on_behalf_of header", err)
		}
		h.Set(HeaderOnBehalfOf, string(encoded))
	}
	if meta.Security != nil {
		if meta.Security.UserID != "" {
			h.Set(HeaderUserID, meta.Security.UserID)
		}
		if meta.Security.SessionID != "" {
			h.Set(HeaderSessionID, meta.Security.SessionID)
		}
	}
	if meta.Tracing != nil {
		if meta.Tracing.TraceID != "" {
			h.Set(HeaderTraceID, meta.Tracing.TraceID)
		}
		if meta.Tracing.SpanID != "" {
			h.Set(HeaderSpanID, meta.Tracing.SpanID)
		}
		if meta.Tracing.ParentSpanID != "" {
			h.Set(HeaderParentSpanID, meta.Tracing.ParentSpanID)
		}
	}
	if meta.Perf != nil {
		h.Set(HeaderDurationMs, strconv.FormatInt(meta.Perf.DurationMs, 10))
	}
	for name, raw := range meta.Extensions {
		compact := strings.TrimSpace(string(raw))
		if strings.ContainsAny(compact, "\r\n") {
			var buf bytes.Buffer
			if err := json.Compact(&buf, raw); err != nil {
				return qerrors.Wrap(qerrors.KindSerialization, "encode extension header "+name, err)
			}
			compact = buf.String()
		}
		h.Set(extPrefix+name, compact)
	}
	return nil
}

// ExtractMeta reconstructs envelope metadata from wire headers. Reads are
// case-insensitive; sections materialize only when at least one of their
// headers is present. Malformed structured headers are validation errors.
func ExtractMeta(h http.Header, extPrefix string) (envelope.Meta, error) {
	meta := envelope.Meta{
		RequestID: h.Get(HeaderRequestID),
		Version:   h.Get(HeaderVersion),
		Tenant:    h.Get(HeaderTenant),
	}

	if ts := h.Get(HeaderTimestamp); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return meta, qerrors.Wrap(qerrors.KindValidation, "malformed "+HeaderTimestamp, err)
		}
		meta.Timestamp = &parsed
	}

	if obo := h.Get(HeaderOnBehalfOf); obo != "" {
		var decoded oboHeader
		if err := json.Unmarshal([]byte(obo), &decoded); err != nil {
			return meta, qerrors.Wrap(qerrors.KindValidation, "malformed "+HeaderOnBehalfOf, err)
		}
		meta.OnBehalfOf = &envelope.OnBehalfOf{
			OriginalUser:     decoded.OriginalUser,
			DelegatingUser:   decoded.DelegatingUser,
			DelegatingTenant: decoded.DelegatingTenant,
		}
	}

	if userID, sessionID := h.Get(HeaderUserID), h.Get(HeaderSessionID); userID != "" || sessionID != "" {
		meta.Security = &envelope.Security{UserID: userID, SessionID: sessionID}
	}

	traceID := h.Get(HeaderTraceID)
	spanID := h.Get(HeaderSpanID)
	parentSpanID := h.Get(HeaderParentSpanID)
	if traceID != "" || spanID != "" || parentSpanID != "" {
		meta.Tracing = &envelope.Tracing{
			TraceID:      traceID,
			SpanID:       spanID,
			ParentSpanID: parentSpanID,
		}
	}

	if dur := h.Get(HeaderDurationMs); dur != "" {
		ms, err := strconv.ParseInt(dur, 10, 64)
		if err != nil {
			return meta, qerrors.Wrap(qerrors.KindValidation, "malformed "+HeaderDurationMs, err)
		}
		meta.Perf = &envelope.Performance{DurationMs: ms}
	}

	for name, values := range h {
		if len(values) == 0 || len(name) <= len(extPrefix) {
			continue
		}
		if !strings.EqualFold(name[:len(extPrefix)], extPrefix) {
			continue
		}
		key := strings.ToLower(name[len(extPrefix):])
		if meta.Extensions == nil {
			meta.Extensions = envelope.Extensions{}
		}
		value := values[0]
		if json.Valid([]byte(value)) {
			meta.Extensions[key] = json.RawMessage(value)
		} else {
			quoted, _ := json.Marshal(value)
			meta.Extensions[key] = quoted
		}
	}

	return meta, nil
}

// applyBearerClaims overlays identity claims from an Authorization bearer
// token onto extracted metadata. Token claims win over explicit headers.
// The framework propagates identity without verifying tokens; signature
// checks belong to the gateway in front of the service.
func applyBearerClaims(h http.Header, meta *envelope.Meta) {
	const prefix = "Bearer "
	auth := h.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return
	}
	tok, err := jwt.ParseInsecure([]byte(strings.TrimPrefix(auth, prefix)))
	if err != nil {
		return
	}

	security := func() *envelope.Security {
		if meta.Security == nil {
			meta.Security = &envelope.Security{}
		}
		return meta.Security
	}

	if v, ok := tok.Get("tenant"); ok {
		if tenant, ok := v.(string); ok && tenant != "" {
			meta.Tenant = tenant
		}
	}
	if sub := tok.Subject(); sub != "" {
		security().UserID = sub
	}
	if v, ok := tok.Get("session_id"); ok {
		if session, ok := v.(string); ok && session != "" {
			security().SessionID = session
		}
	}
	if exp := tok.Expiration(); !exp.IsZero() {
		expiry := exp
		security().TokenExpiry = &expiry
	}
	if meta.Security != nil {
		meta.Security.AuthMethod = "jwt"
	}
}
