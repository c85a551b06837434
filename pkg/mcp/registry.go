package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/server"
	"github.com/qollective/qollective-go/pkg/utils"
)

// invoker runs one registered tool against raw argument bytes and
// produces the textual result content.
type invoker func(ctx context.Context, c *server.Context, args json.RawMessage) (string, error)

type registeredTool struct {
	registration ToolRegistration
	invoke       invoker
}

// ToolRegistry holds the typed tool handlers of one service. Lookups are
// by tool name; registrations expose the reflected input schemas for
// discovery and the mcp-go bridge.
type ToolRegistry struct {
	serviceID      string
	serviceVersion string
	logger         *logrus.Entry

	mu    sync.RWMutex
	tools map[string]*registeredTool

	// sem bounds concurrent invocations when the config asks for it.
	sem chan struct{}
}

// NewToolRegistry builds an empty registry for a service identity.
func NewToolRegistry(cfg config.McpConfig, logger *logrus.Logger) *ToolRegistry {
	name := cfg.ServerName
	if name == "" {
		name = config.DefaultMcpServerName
	}
	r := &ToolRegistry{
		serviceID:      name,
		serviceVersion: cfg.ServerVersion,
		logger:         utils.ComponentLogger(utils.EnsureLogger(logger), "mcp-registry"),
		tools:          make(map[string]*registeredTool),
	}
	if limit := cfg.Limits.MaxConcurrentRequests; limit > 0 {
		r.sem = make(chan struct{}, limit)
	}
	return r
}

// RegisterTool binds a typed handler under a tool name, reflecting the
// input schema from the parameter type. String results are used as
// content verbatim; anything else is JSON-encoded.
func RegisterTool[P, R any](reg *ToolRegistry, name, description string, caps ToolCapabilities,
	fn func(ctx context.Context, c *server.Context, params P) (R, error)) error {
	if name == "" {
		return qerrors.New(qerrors.KindMcpServerRegistration, "tool name required")
	}

	schema, err := reflectSchema[P]()
	if err != nil {
		return err
	}

	tool := &registeredTool{
		registration: ToolRegistration{
			Name:           name,
			Description:    description,
			InputSchema:    schema,
			ServiceID:      reg.serviceID,
			ServiceVersion: reg.serviceVersion,
			Capabilities:   caps,
		},
		invoke: func(ctx context.Context, c *server.Context, args json.RawMessage) (string, error) {
			var params P
			if len(args) > 0 {
				if err := json.Unmarshal(args, &params); err != nil {
					return "", qerrors.Wrap(qerrors.KindDeserialization, "tool arguments", err)
				}
			}
			result, err := fn(ctx, c, params)
			if err != nil {
				return "", err
			}
			if s, ok := any(result).(string); ok {
				return s, nil
			}
			data, err := json.Marshal(result)
			if err != nil {
				return "", qerrors.Wrap(qerrors.KindSerialization, "tool result", err)
			}
			return string(data), nil
		},
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, dup := reg.tools[name]; dup {
		return qerrors.Newf(qerrors.KindMcpServerRegistration, "tool %q already registered", name)
	}
	reg.tools[name] = tool
	reg.logger.WithField("tool", name).Info("Tool registered")
	return nil
}

// Unregister removes a tool, if present.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Registrations lists every tool, sorted by name for stable discovery
// payloads.
func (r *ToolRegistry) Registrations() RegistrationList {
	r.mu.RLock()
	tools := make([]ToolRegistration, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t.registration)
	}
	r.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return RegistrationList{ServiceID: r.serviceID, Tools: tools}
}

// Invoke runs one tool call. Argument decode failures and handler errors
// come back as tool-error responses, never as Go errors; only a full
// registry (concurrency limit) or cancellation surfaces as failure to
// produce a response at all.
func (r *ToolRegistry) Invoke(ctx context.Context, c *server.Context, call ToolCall) ToolResponse {
	r.mu.RLock()
	tool, ok := r.tools[call.ToolName]
	r.mu.RUnlock()
	if !ok {
		return errorResponse(fmt.Sprintf("unknown tool %q", call.ToolName))
	}

	if r.sem != nil {
		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-ctx.Done():
			return errorResponse("tool invocation cancelled while queued")
		}
	}

	content, err := tool.invoke(ctx, c, call.Arguments)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"tool":       call.ToolName,
			"request_id": c.RequestID(),
		}).WithError(err).Warn("Tool failed")
		return errorResponse(err.Error())
	}
	return ToolResponse{Content: content}
}
