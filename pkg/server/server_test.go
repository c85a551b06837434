package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/transport"
)

type echoReq struct {
	Ping int `json:"ping"`
}

type echoRes struct {
	Pong int `json:"pong"`
}

func requestEnvelope(t *testing.T, tenant string, payload interface{}) *envelope.Raw {
	t.Helper()
	meta := envelope.NewMeta()
	meta.Tenant = tenant
	meta.StartTrace()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &envelope.Raw{Meta: meta, Payload: data}
}

func TestTypedHandlerRoundTrip(t *testing.T) {
	h := Typed(func(ctx context.Context, c *Context, req echoReq) (echoRes, error) {
		assert.Equal(t, "t1", c.Tenant())
		attached, ok := FromContext(ctx)
		require.True(t, ok)
		assert.Equal(t, c.RequestID(), attached.RequestID())
		return echoRes{Pong: req.Ping}, nil
	})

	req := requestEnvelope(t, "t1", echoReq{Ping: 42})
	res, err := h(context.Background(), req)
	require.NoError(t, err)

	typed, err := envelope.FromRaw[echoRes](res)
	require.NoError(t, err)
	assert.Equal(t, 42, typed.Payload.Pong)
	assert.Equal(t, req.Meta.RequestID, res.Meta.RequestID)
	assert.Equal(t, "t1", res.Meta.Tenant)
	assert.Equal(t, req.Meta.Tracing.TraceID, res.Meta.Tracing.TraceID)
	assert.NotEqual(t, req.Meta.Tracing.SpanID, res.Meta.Tracing.SpanID)
}

func TestTypedHandlerRejectsBadPayload(t *testing.T) {
	h := Typed(func(ctx context.Context, c *Context, req echoReq) (echoRes, error) {
		return echoRes{}, nil
	})

	raw := requestEnvelope(t, "", nil)
	raw.Payload = json.RawMessage(`{"ping":"zap"}`)
	_, err := h(context.Background(), raw)
	assert.True(t, qerrors.IsKind(err, qerrors.KindDeserialization))
}

func TestTypedHandlerRejectsInvalidMeta(t *testing.T) {
	h := Typed(func(ctx context.Context, c *Context, req echoReq) (echoRes, error) {
		return echoRes{}, nil
	})

	raw := requestEnvelope(t, "", echoReq{Ping: 1})
	raw.Meta.OnBehalfOf = &envelope.OnBehalfOf{OriginalUser: "only-one-field"}
	_, err := h(context.Background(), raw)
	assert.True(t, qerrors.IsKind(err, qerrors.KindValidation))
}

func TestContextChildSpans(t *testing.T) {
	meta := envelope.NewMeta()
	meta.StartTrace()
	c := NewContext(meta)

	child := c.Child()
	assert.Equal(t, c.TraceID(), child.TraceID())
	assert.NotEqual(t, c.SpanID(), child.SpanID())
	assert.NotEqual(t, c.RequestID(), child.RequestID())
}

func TestPerformanceTimerFillsDuration(t *testing.T) {
	slow := func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		time.Sleep(5 * time.Millisecond)
		return &envelope.Raw{Meta: req.Meta.ResponseMeta(), Payload: req.Payload}, nil
	}
	h := Chain(slow, WithPerformanceTimer())

	res, err := h(context.Background(), requestEnvelope(t, "t1", echoReq{Ping: 1}))
	require.NoError(t, err)
	require.NotNil(t, res.Meta.Perf)
	assert.GreaterOrEqual(t, res.Meta.Perf.DurationMs, int64(0))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := Chain(func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		panic("kaboom")
	}, WithRecovery(logrus.New()))

	_, err := h(context.Background(), requestEnvelope(t, "", echoReq{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestPermissionsMiddleware(t *testing.T) {
	allowed := func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		return &envelope.Raw{Meta: req.Meta.ResponseMeta(), Payload: req.Payload}, nil
	}
	h := Chain(allowed, WithPermissions("envelopes:write"))

	req := requestEnvelope(t, "t1", echoReq{})
	_, err := h(context.Background(), req)
	assert.True(t, qerrors.IsKind(err, qerrors.KindSecurity))

	req.Meta.Security = &envelope.Security{Permissions: []string{"envelopes:write"}}
	_, err = h(context.Background(), req)
	assert.NoError(t, err)
}

func TestErrorTranslationMiddleware(t *testing.T) {
	failing := func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		return nil, qerrors.New(qerrors.KindValidation, "bad input")
	}
	h := Chain(failing, WithErrorTranslation(logrus.New()))

	req := requestEnvelope(t, "t1", echoReq{})
	res, err := h(context.Background(), req)
	require.NoError(t, err, "translated errors surface as reply envelopes")

	ee, ok := envelope.PayloadIsError(res)
	require.True(t, ok)
	assert.Equal(t, "VALIDATION", ee.Code)
	assert.Equal(t, req.Meta.RequestID, res.Meta.RequestID)
	assert.Equal(t, req.Meta.Tracing.TraceID, ee.Trace)
}

func TestErrorTranslationPassesSuccessThrough(t *testing.T) {
	h := Chain(Echo(), WithErrorTranslation(nil))
	req := requestEnvelope(t, "t1", echoReq{Ping: 5})
	res, err := h(context.Background(), req)
	require.NoError(t, err)
	_, isErr := envelope.PayloadIsError(res)
	assert.False(t, isErr)
}

func TestPipelineOrder(t *testing.T) {
	h := Chain(Echo(), Pipeline(logrus.New())...)
	req := requestEnvelope(t, "t1", echoReq{Ping: 2})
	req.Meta.Tracing = nil

	res, err := h(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.Meta.Tracing, "tracing middleware seeds trace state")
	require.NotNil(t, res.Meta.Perf, "timer middleware stamps duration")
}

func TestChainOrderIsOutsideIn(t *testing.T) {
	var order []string
	mk := func(name string) Middleware {
		return func(next transport.Handler) transport.Handler {
			return func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	h := Chain(Echo(), mk("outer"), mk("inner"))
	_, err := h(context.Background(), requestEnvelope(t, "", echoReq{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestValidationMiddleware(t *testing.T) {
	h := Chain(Echo(), WithValidation())
	req := requestEnvelope(t, "", echoReq{})
	req.Meta.OnBehalfOf = &envelope.OnBehalfOf{OriginalUser: "u", DelegatingUser: "d", DelegatingTenant: "t"}

	_, err := h(context.Background(), req)
	require.Error(t, err, "delegation without tenant must be rejected")
	assert.False(t, errors.Is(err, context.Canceled))
}
