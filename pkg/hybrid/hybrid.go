// Package hybrid routes envelopes over the best transport an endpoint
// supports. It probes endpoints for their capabilities, caches the
// results with a TTL, scores the candidates against the caller's
// requirements and fails over when a transport dies mid-flight.
package hybrid

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/internal/bus"
	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/transport"
	"github.com/qollective/qollective-go/pkg/utils"
)

// Hybrid owns one handle per wired protocol and picks among them per
// endpoint. Selection order: requirement satisfaction, preference
// order, probe latency. Failed transports are demoted for the rest of
// the capability TTL.
type Hybrid struct {
	cfg     config.HybridConfig
	logger  *logrus.Entry
	bus     *bus.EventBus
	cache   *transport.CapabilityCache
	senders map[transport.Protocol]transport.Sender
	order   []transport.Protocol
}

// New builds a selector over the given senders. The event bus is
// optional; pass nil to run without lifecycle events.
func New(cfg config.HybridConfig, eventBus *bus.EventBus, logger *logrus.Logger, senders ...transport.Sender) (*Hybrid, error) {
	if len(senders) == 0 {
		return nil, qerrors.New(qerrors.KindConfiguration, "hybrid transport requires at least one sender")
	}

	byProtocol := make(map[transport.Protocol]transport.Sender, len(senders))
	for _, s := range senders {
		p := s.Protocol()
		if _, dup := byProtocol[p]; dup {
			return nil, qerrors.Newf(qerrors.KindConfiguration, "duplicate sender for protocol %s", p)
		}
		byProtocol[p] = s
	}

	order, err := parsePreferences(cfg.Preferences)
	if err != nil {
		return nil, err
	}

	return &Hybrid{
		cfg:     cfg,
		logger:  utils.ComponentLogger(logger, "hybrid"),
		bus:     eventBus,
		cache:   transport.NewCapabilityCache(cfg.CapabilityTTL),
		senders: byProtocol,
		order:   order,
	}, nil
}

func parsePreferences(prefs []string) ([]transport.Protocol, error) {
	if len(prefs) == 0 {
		return transport.Protocols(), nil
	}
	order := make([]transport.Protocol, 0, len(prefs))
	for _, s := range prefs {
		p, err := transport.ParseProtocol(s)
		if err != nil {
			return nil, qerrors.Wrap(qerrors.KindConfiguration, "invalid protocol preference", err)
		}
		order = append(order, p)
	}
	return order, nil
}

// Protocols lists the wired protocols in configured preference order;
// wired protocols missing from the preference list follow in framework
// order.
func (h *Hybrid) Protocols() []transport.Protocol {
	out := make([]transport.Protocol, 0, len(h.senders))
	for _, p := range h.order {
		if _, ok := h.senders[p]; ok {
			out = append(out, p)
		}
	}
	for _, p := range transport.Protocols() {
		if _, ok := h.senders[p]; ok && !contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// Sender returns the wired handle for a protocol, if any.
func (h *Hybrid) Sender(p transport.Protocol) (transport.Sender, bool) {
	s, ok := h.senders[p]
	return s, ok
}

// Send routes the envelope using the configured preference order.
func (h *Hybrid) Send(ctx context.Context, endpoint string, env *envelope.Raw) (*envelope.Raw, error) {
	return h.SendWith(ctx, endpoint, env, transport.Requirements{})
}

// SendWith routes the envelope under explicit requirements. Empty
// preferences inherit the configured order. When the chosen transport
// fails with an infrastructure error it is demoted for the rest of the
// TTL and the next candidate is tried; remote error results are
// returned as-is, never retried.
func (h *Hybrid) SendWith(ctx context.Context, endpoint string, env *envelope.Raw, reqs transport.Requirements) (*envelope.Raw, error) {
	if len(reqs.Preferences) == 0 {
		reqs.Preferences = h.order
	}

	candidates, err := h.candidates(ctx, endpoint, reqs)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, p := range candidates {
		start := time.Now()
		res, err := h.senders[p].SendEnvelope(ctx, endpoint, env)
		if h.bus != nil {
			h.bus.PublishEnvelopeSent(string(p), endpoint, env.Meta.RequestID, err == nil, time.Since(start).Milliseconds())
		}
		if err == nil {
			return res, nil
		}
		if !demotable(err) {
			return nil, err
		}
		lastErr = err
		h.cache.Demote(endpoint, p)
		h.logger.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"protocol": p,
		}).WithError(err).Warn("Transport failed, demoting for TTL")
		if h.bus != nil {
			h.bus.PublishTransportDemoted(endpoint, string(p), err.Error())
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, qerrors.Newf(qerrors.KindProtocolAdapter, "no transport available for %s", endpoint)
}

// Select reports which protocol a send would use right now.
func (h *Hybrid) Select(ctx context.Context, endpoint string, reqs transport.Requirements) (transport.Protocol, error) {
	if len(reqs.Preferences) == 0 {
		reqs.Preferences = h.order
	}
	candidates, err := h.candidates(ctx, endpoint, reqs)
	if err != nil {
		return "", err
	}
	return candidates[0], nil
}

// Capabilities returns the endpoint's capability descriptor, probing on
// a cache miss when probing is enabled.
func (h *Hybrid) Capabilities(ctx context.Context, endpoint string) (transport.Capabilities, error) {
	return h.capabilities(ctx, endpoint)
}

// Invalidate drops the cached descriptor so the next send re-probes.
func (h *Hybrid) Invalidate(endpoint string) {
	h.cache.Clear(endpoint)
}

// Close releases every wired transport that holds resources.
func (h *Hybrid) Close() error {
	var firstErr error
	for _, s := range h.senders {
		if c, ok := s.(transport.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// candidates returns wired, undemoted protocols for the endpoint in
// scoring order. When probing is disabled or yields nothing usable it
// falls back to the syntactic URL mapping.
func (h *Hybrid) candidates(ctx context.Context, endpoint string, reqs transport.Requirements) ([]transport.Protocol, error) {
	caps, err := h.capabilities(ctx, endpoint)
	if err == nil {
		if !reqs.Satisfied(&caps) {
			return nil, qerrors.Newf(qerrors.KindProtocolAdapter, "endpoint %s does not satisfy transport requirements", endpoint)
		}
		list := make([]transport.Protocol, 0, len(caps.Protocols))
		for _, p := range caps.Protocols {
			if _, wired := h.senders[p]; !wired {
				continue
			}
			if h.cache.Demoted(endpoint, p) {
				continue
			}
			list = append(list, p)
		}
		if len(list) > 0 {
			sort.SliceStable(list, func(i, j int) bool {
				ri, rj := reqs.PreferenceRank(list[i]), reqs.PreferenceRank(list[j])
				if ri != rj {
					return ri < rj
				}
				return caps.Latency(list[i]) < caps.Latency(list[j])
			})
			return list, nil
		}
	} else {
		h.logger.WithField("endpoint", endpoint).WithError(err).Debug("Capability detection failed, mapping endpoint URL")
	}

	p, mapErr := transport.MapURL(endpoint)
	if mapErr != nil {
		if err != nil {
			return nil, err
		}
		return nil, mapErr
	}
	if _, wired := h.senders[p]; !wired {
		return nil, qerrors.Newf(qerrors.KindProtocolAdapter, "no %s transport configured for %s", p, endpoint)
	}
	if h.cache.Demoted(endpoint, p) {
		return nil, qerrors.Newf(qerrors.KindProtocolAdapter, "transport %s demoted for %s", p, endpoint)
	}
	return []transport.Protocol{p}, nil
}

func (h *Hybrid) capabilities(ctx context.Context, endpoint string) (transport.Capabilities, error) {
	if !h.cfg.ProbingEnabled {
		return h.mapped(endpoint)
	}
	return h.cache.GetOrDetect(ctx, endpoint, func(dctx context.Context) (transport.Capabilities, error) {
		return h.detect(dctx, endpoint)
	})
}

// mapped synthesizes a descriptor from the endpoint URL alone.
func (h *Hybrid) mapped(endpoint string) (transport.Capabilities, error) {
	p, err := transport.MapURL(endpoint)
	if err != nil {
		return transport.Capabilities{}, err
	}
	return transport.Capabilities{
		Protocols:         []transport.Protocol{p},
		SupportsEnvelope:  true,
		SupportsStreaming: p == transport.ProtocolGrpc || p == transport.ProtocolWebSocket,
		DetectedAt:        time.Now(),
	}, nil
}

// detect probes the endpoint with every wired prober in preference
// order, bounded by the detection timeout. Senders that cannot probe
// are assumed to speak their protocol; send failures demote them later.
func (h *Hybrid) detect(ctx context.Context, endpoint string) (transport.Capabilities, error) {
	timeout := h.cfg.DetectionTimeout
	if timeout <= 0 {
		timeout = config.DefaultDetectionTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	caps := transport.Capabilities{
		SupportsEnvelope: true,
		DetectedAt:       start,
		ProbeLatency:     make(map[transport.Protocol]time.Duration),
	}

	for _, p := range h.Protocols() {
		prober, ok := h.senders[p].(transport.Prober)
		if !ok {
			caps.Protocols = append(caps.Protocols, p)
			continue
		}
		probeStart := time.Now()
		err := prober.Probe(dctx, endpoint)
		latency := time.Since(probeStart)
		if err != nil {
			h.logger.WithFields(logrus.Fields{
				"endpoint": endpoint,
				"protocol": p,
			}).WithError(err).Debug("Probe failed")
			if h.bus != nil {
				h.bus.PublishTransportDemoted(endpoint, string(p), "probe failed: "+err.Error())
			}
			continue
		}
		caps.Protocols = append(caps.Protocols, p)
		caps.ProbeLatency[p] = latency
	}

	caps.SupportsStreaming = caps.Supports(transport.ProtocolGrpc) || caps.Supports(transport.ProtocolWebSocket)

	if h.bus != nil {
		latencies := make(map[string]int64, len(caps.ProbeLatency))
		for p, d := range caps.ProbeLatency {
			latencies[string(p)] = d.Milliseconds()
		}
		h.bus.PublishTransportProbed(endpoint, protocolNames(caps.Protocols), latencies, time.Since(start).Milliseconds())
	}

	if len(caps.Protocols) == 0 {
		return transport.Capabilities{}, qerrors.Newf(qerrors.KindTransport, "no probe succeeded for endpoint %s", endpoint)
	}

	h.logger.WithFields(logrus.Fields{
		"endpoint":  endpoint,
		"protocols": protocolNames(caps.Protocols),
	}).Debug("Endpoint capabilities detected")
	return caps, nil
}

// demotable reports whether a send failure warrants trying another
// transport. Remote error results carried in envelopes are final;
// infrastructure failures are not.
func demotable(err error) bool {
	var ee *qerrors.EnvelopeError
	if errors.As(err, &ee) {
		return false
	}
	switch qerrors.KindOf(err) {
	case qerrors.KindTransport,
		qerrors.KindConnection,
		qerrors.KindNatsConnection,
		qerrors.KindNatsTimeout,
		qerrors.KindNatsDiscovery,
		qerrors.KindGrpc:
		return true
	}
	return false
}

func protocolNames(ps []transport.Protocol) []string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = string(p)
	}
	return names
}

func contains(ps []transport.Protocol, p transport.Protocol) bool {
	for _, known := range ps {
		if known == p {
			return true
		}
	}
	return false
}
