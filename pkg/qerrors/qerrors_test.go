package qerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindMatching(t *testing.T) {
	err := Wrap(KindNatsTimeout, "request timed out", errors.New("context deadline exceeded"))

	assert.True(t, errors.Is(err, New(KindNatsTimeout, "")))
	assert.False(t, errors.Is(err, New(KindNatsConnection, "")))
	assert.Equal(t, KindNatsTimeout, KindOf(err))
	assert.True(t, IsKind(err, KindNatsTimeout))
}

func TestErrorKindSurvivesWrapping(t *testing.T) {
	inner := Transport("nats://localhost:4222", "publish failed", errors.New("no responders"))
	outer := fmt.Errorf("sending envelope: %w", inner)

	assert.Equal(t, KindTransport, KindOf(outer))

	var te *Error
	require.True(t, errors.As(outer, &te))
	assert.Equal(t, "nats://localhost:4222", te.Endpoint)
	assert.Contains(t, outer.Error(), "endpoint nats://localhost:4222")
}

func TestFeatureNotEnabled(t *testing.T) {
	err := FeatureNotEnabled("NATS")
	assert.Equal(t, KindFeatureNotEnabled, err.Kind)
	assert.Equal(t, "NATS", err.Message)
	assert.Equal(t, http.StatusNotImplemented, err.Kind.HTTPStatus())
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestEnvelopeErrorConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *EnvelopeError
		code   string
		status int
	}{
		{"bad request", BadRequest("missing tenant"), "VALIDATION_FAILED", 400},
		{"unauthorized", Unauthorized("token expired"), "UNAUTHORIZED", 401},
		{"not found", NotFound("no such agent"), "NOT_FOUND", 404},
		{"internal", Internal("boom"), "INTERNAL_ERROR", 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.HTTPStatusCode)
		})
	}
}

func TestFromErrorTaxonomyMapping(t *testing.T) {
	ee := FromError(New(KindValidation, "on_behalf_of requires tenant"))
	require.NotNil(t, ee)
	assert.Equal(t, "VALIDATION", ee.Code)
	assert.Equal(t, http.StatusBadRequest, ee.HTTPStatusCode)

	ee = FromError(Transport("http://peer:8080", "connection refused", nil))
	assert.Equal(t, "TRANSPORT", ee.Code)
	assert.Equal(t, http.StatusInternalServerError, ee.HTTPStatusCode)
	assert.Equal(t, "http://peer:8080", ee.Details["endpoint"])

	ee = FromError(errors.New("plain failure"))
	assert.Equal(t, "INTERNAL_ERROR", ee.Code)
}

func TestFromErrorPassthrough(t *testing.T) {
	original := BadRequest("bad payload").WithTrace("trace-1")
	got := FromError(fmt.Errorf("handler: %w", original))
	assert.Same(t, original, got)
}

func TestParseEnvelopeErrorRoundTrip(t *testing.T) {
	original := BadRequest("invalid query").WithDetail("field", "required_capabilities").WithTrace("t-42")

	parsed, err := ParseEnvelopeError(original.ToJSON())
	require.NoError(t, err)
	assert.Equal(t, original.Code, parsed.Code)
	assert.Equal(t, original.Message, parsed.Message)
	assert.Equal(t, original.Trace, parsed.Trace)
	assert.Equal(t, "required_capabilities", parsed.Details["field"])
	assert.Equal(t, 400, parsed.HTTPStatusCode)
}

func TestParseEnvelopeErrorRejectsGarbage(t *testing.T) {
	_, err := ParseEnvelopeError([]byte("not json"))
	assert.True(t, IsKind(err, KindDeserialization))

	_, err = ParseEnvelopeError([]byte(`{"message":"no code"}`))
	assert.Error(t, err)
}

func TestNormalizeStatus(t *testing.T) {
	logger := logrus.New()

	e := &EnvelopeError{Code: "CUSTOM", Message: "odd status", HTTPStatusCode: 999}
	e.NormalizeStatus(logger)
	assert.Equal(t, http.StatusInternalServerError, e.HTTPStatusCode)

	ok := BadRequest("fine")
	ok.NormalizeStatus(logger)
	assert.Equal(t, http.StatusBadRequest, ok.HTTPStatusCode)
}
