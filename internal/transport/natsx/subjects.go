package natsx

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/qerrors"
)

// tokenReplacer neutralizes characters that would change subject structure
// when an arbitrary identifier is embedded as a single token.
var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "\t", "_", "*", "_", ">", "_")

// SanitizeToken makes an identifier safe to use as one subject token.
func SanitizeToken(s string) string {
	return tokenReplacer.Replace(s)
}

// AgentSubject builds the agent-addressing subject tenant.service.instance.verb.
func AgentSubject(tenant, service, instance, verb string) string {
	return fmt.Sprintf("%s.%s.%s.%s",
		SanitizeToken(tenant), SanitizeToken(service), SanitizeToken(instance), SanitizeToken(verb))
}

// InboxSubject formats an agent's point-to-point inbox from the configured
// pattern, e.g. agent.%s.inbox.
func InboxSubject(pattern, agentID string) string {
	if pattern == "" {
		pattern = config.DefaultInboxPattern
	}
	return fmt.Sprintf(pattern, SanitizeToken(agentID))
}

// BroadcastSubject formats a capability fan-out subject from the configured
// pattern, e.g. capability.%s.broadcast.
func BroadcastSubject(pattern, tag string) string {
	if pattern == "" {
		pattern = config.DefaultBroadcastPattern
	}
	return fmt.Sprintf(pattern, SanitizeToken(tag))
}

// ValidateSubject rejects subjects the broker would refuse: empty subjects,
// embedded whitespace, empty tokens. Wildcard tokens are allowed since
// subscription patterns pass through here too.
func ValidateSubject(subject string) error {
	if subject == "" {
		return qerrors.TransportKind(qerrors.KindNatsSubject, subject, "empty subject", nil)
	}
	if strings.ContainsAny(subject, " \t\r\n") {
		return qerrors.TransportKind(qerrors.KindNatsSubject, subject, "subject contains whitespace", nil)
	}
	for _, token := range strings.Split(subject, ".") {
		if token == "" {
			return qerrors.TransportKind(qerrors.KindNatsSubject, subject, "subject has empty token", nil)
		}
	}
	return nil
}

// SubjectFromEndpoint resolves a send endpoint to a subject. Endpoints are
// either bare subjects ("orders.create") or nats:// URLs whose path names
// the subject ("nats://broker:4222/orders.create").
func SubjectFromEndpoint(endpoint string) (string, error) {
	subject := endpoint
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", qerrors.TransportKind(qerrors.KindNatsSubject, endpoint, "parse endpoint", err)
		}
		subject = strings.ReplaceAll(strings.TrimPrefix(u.Path, "/"), "/", ".")
	}
	if err := ValidateSubject(subject); err != nil {
		return "", err
	}
	return subject, nil
}
