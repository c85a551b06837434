package qerrors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
)

// EnvelopeError is the wire shape of a failure. REST and WebSocket emit it
// as the response body, NATS as a reply payload, gRPC inside trailers.
type EnvelopeError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        map[string]interface{} `json:"details,omitempty"`
	Trace          string                 `json:"trace,omitempty"`
	HTTPStatusCode int                    `json:"http_status_code"`
}

func (e *EnvelopeError) Error() string {
	return e.Code + ": " + e.Message
}

// WithDetail attaches one structured detail field.
func (e *EnvelopeError) WithDetail(key string, value interface{}) *EnvelopeError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithTrace records the trace id the failure occurred under.
func (e *EnvelopeError) WithTrace(traceID string) *EnvelopeError {
	e.Trace = traceID
	return e
}

// ToJSON renders the canonical wire body.
func (e *EnvelopeError) ToJSON() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"code":"INTERNAL_ERROR","message":"error serialization failed","http_status_code":500}`)
	}
	return data
}

// ParseEnvelopeError decodes a wire error body.
func ParseEnvelopeError(data []byte) (*EnvelopeError, error) {
	var e EnvelopeError
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, Wrap(KindDeserialization, "invalid error body", err)
	}
	if e.Code == "" {
		return nil, New(KindDeserialization, "error body missing code")
	}
	return &e, nil
}

// BadRequest builds the canonical 400 shape.
func BadRequest(message string) *EnvelopeError {
	return &EnvelopeError{Code: "VALIDATION_FAILED", Message: message, HTTPStatusCode: http.StatusBadRequest}
}

// Unauthorized builds the canonical 401 shape.
func Unauthorized(message string) *EnvelopeError {
	return &EnvelopeError{Code: "UNAUTHORIZED", Message: message, HTTPStatusCode: http.StatusUnauthorized}
}

// NotFound builds the canonical 404 shape.
func NotFound(message string) *EnvelopeError {
	return &EnvelopeError{Code: "NOT_FOUND", Message: message, HTTPStatusCode: http.StatusNotFound}
}

// Internal builds the canonical 500 shape.
func Internal(message string) *EnvelopeError {
	return &EnvelopeError{Code: "INTERNAL_ERROR", Message: message, HTTPStatusCode: http.StatusInternalServerError}
}

// httpStatusByKind maps taxonomy kinds to response statuses. Kinds not
// listed are server-side failures.
var httpStatusByKind = map[Kind]int{
	KindValidation:        http.StatusBadRequest,
	KindEnvelope:          http.StatusBadRequest,
	KindDeserialization:   http.StatusBadRequest,
	KindSerialization:     http.StatusBadRequest,
	KindSecurity:          http.StatusUnauthorized,
	KindNatsAuth:          http.StatusUnauthorized,
	KindAgentNotFound:     http.StatusNotFound,
	KindMcpServerNotFound: http.StatusNotFound,
	KindNatsTimeout:       http.StatusGatewayTimeout,
	KindFeatureNotEnabled: http.StatusNotImplemented,
	KindRemote:            http.StatusBadGateway,
}

// HTTPStatus returns the response status a kind maps to.
func (k Kind) HTTPStatus() int {
	if status, ok := httpStatusByKind[k]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// FromError converts any error into its wire shape. Taxonomy errors keep
// their kind as the code; foreign errors become 500 INTERNAL_ERROR.
func FromError(err error) *EnvelopeError {
	if err == nil {
		return nil
	}
	var we *EnvelopeError
	if errors.As(err, &we) {
		return we
	}
	var te *Error
	if errors.As(err, &te) {
		ee := &EnvelopeError{
			Code:           string(te.Kind),
			Message:        te.Message,
			HTTPStatusCode: te.Kind.HTTPStatus(),
		}
		if te.Endpoint != "" {
			ee.WithDetail("endpoint", te.Endpoint)
		}
		return ee
	}
	return Internal(err.Error())
}

// NormalizeStatus clamps unrecognized HTTP statuses to 500 and warns.
// Custom errors built by applications sometimes carry garbage statuses.
func (e *EnvelopeError) NormalizeStatus(logger *logrus.Logger) *EnvelopeError {
	if http.StatusText(e.HTTPStatusCode) == "" {
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"code":   e.Code,
				"status": e.HTTPStatusCode,
			}).Warn("Unrecognized HTTP status on error, normalizing to 500")
		}
		e.HTTPStatusCode = http.StatusInternalServerError
	}
	return e
}
