package mcp

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/internal/bus"
	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/server"
	"github.com/qollective/qollective-go/pkg/transport"
	"github.com/qollective/qollective-go/pkg/utils"
)

// DefaultToolRoute is where the adapter listens when the application
// does not pick a route; the same string works as a path and a subject.
const DefaultToolRoute = "qollective.tools.call"

// DefaultAnnounceSubject carries tool registration announcements on the
// discovery channel.
const DefaultAnnounceSubject = "qollective.tools.announce"

// Publisher is the fire-and-forget slice of the substrate the adapter
// needs for announcements.
type Publisher interface {
	Publish(ctx context.Context, subject string, env *envelope.Raw) error
}

// Adapter dispatches tool-call envelopes to the registry and exposes the
// registration list. One adapter can bind to any number of receivers;
// every transport reuses the same handler.
type Adapter struct {
	registry *ToolRegistry
	logger   *logrus.Entry
	bus      *bus.EventBus
}

// NewAdapter wraps a registry for envelope dispatch. The event bus is
// optional.
func NewAdapter(registry *ToolRegistry, eventBus *bus.EventBus, logger *logrus.Logger) *Adapter {
	return &Adapter{
		registry: registry,
		logger:   utils.ComponentLogger(utils.EnsureLogger(logger), "mcp-adapter"),
		bus:      eventBus,
	}
}

// Handler returns the envelope handler for tool calls: extract the call,
// invoke, wrap the result or the failure description as the tool
// response, reply with the request's metadata skeleton. Only an
// unparseable envelope payload is a transport-level failure.
func (a *Adapter) Handler() transport.Handler {
	return func(ctx context.Context, raw *envelope.Raw) (*envelope.Raw, error) {
		typed, err := envelope.FromRaw[CallPayload](raw)
		if err != nil {
			return nil, err
		}
		call := typed.Payload.ToolCall
		if call.ToolName == "" {
			return nil, qerrors.New(qerrors.KindMcpProtocol, "tool_call.tool_name required")
		}

		c := server.NewContext(raw.Meta)
		ctx = server.Attach(ctx, c)

		res := a.registry.Invoke(ctx, c, call)
		if a.bus != nil {
			a.bus.PublishToolInvoked(call.ToolName, c.RequestID(), !res.IsError)
		}

		payload, err := json.Marshal(ResponsePayload{ToolResponse: res})
		if err != nil {
			return nil, qerrors.Wrap(qerrors.KindSerialization, "tool response", err)
		}
		return &envelope.Raw{Meta: c.ResponseMeta(), Payload: payload}, nil
	}
}

// RegistrationsHandler replies with the current tool list, so peers can
// ask for registrations on request.
func (a *Adapter) RegistrationsHandler() transport.Handler {
	return func(ctx context.Context, raw *envelope.Raw) (*envelope.Raw, error) {
		c := server.NewContext(raw.Meta)
		payload, err := json.Marshal(a.registry.Registrations())
		if err != nil {
			return nil, qerrors.Wrap(qerrors.KindSerialization, "tool registrations", err)
		}
		return &envelope.Raw{Meta: c.ResponseMeta(), Payload: payload}, nil
	}
}

// Bind registers the tool-call handler on a receiver route.
func (a *Adapter) Bind(rcv transport.Receiver, route string) error {
	if route == "" {
		route = DefaultToolRoute
	}
	return rcv.ReceiveEnvelopeAt(route, a.Handler())
}

// Announce publishes the registration list on the discovery channel.
// Called at start and whenever the tool set changes.
func (a *Adapter) Announce(ctx context.Context, pub Publisher, subject string) error {
	if subject == "" {
		subject = DefaultAnnounceSubject
	}
	list := a.registry.Registrations()
	raw, err := envelope.ToRaw(envelope.New(envelope.NewMeta(), list))
	if err != nil {
		return err
	}
	if err := pub.Publish(ctx, subject, raw); err != nil {
		return err
	}
	a.logger.WithFields(logrus.Fields{
		"subject": subject,
		"tools":   len(list.Tools),
	}).Info("Tool registrations announced")
	return nil
}
