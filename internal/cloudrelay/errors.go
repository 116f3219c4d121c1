package cloudrelay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrConfig            = errors.New("invalid configuration")
	ErrNotInitialized    = errors.New("cloud adapter not initialized")
	ErrInvalidKey        = errors.New("invalid private key")
	ErrSigning           = errors.New("signing failed")
	ErrTransport         = errors.New("transport error")
	ErrMalformedResponse = errors.New("malformed response")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrResponseTooLarge  = errors.New("response too large")

	// ErrRequestTooLarge matches ErrInvalidRequest too.
	ErrRequestTooLarge = fmt.Errorf("%w: request body too large", ErrInvalidRequest)
)

const (
	defaultErrorMessage = "Unknown API error"
	defaultErrorCode    = "UNKNOWN"
	defaultErrorStatus  = http.StatusInternalServerError
)

// MissingCredentialsError is returned by Initialize when required credential
// fields are absent. It matches ErrConfig.
type MissingCredentialsError struct {
	Fields []string
}

func (e *MissingCredentialsError) Error() string {
	return "missing credentials: " + strings.Join(e.Fields, ", ")
}

func (e *MissingCredentialsError) Is(target error) bool {
	return target == ErrConfig
}

// TokenEndpointError is a non-2xx answer from the token endpoint.
type TokenEndpointError struct {
	StatusCode  int
	OAuthError  string
	Description string
	Body        string
}

func (e *TokenEndpointError) Error() string {
	switch {
	case e.OAuthError != "" && e.Description != "":
		return fmt.Sprintf("token endpoint returned %d: %s: %s", e.StatusCode, e.OAuthError, e.Description)
	case e.OAuthError != "":
		return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.OAuthError)
	default:
		return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Body)
	}
}

// NormalizedError is the uniform error shape handed to callers of the API
// invoker and to HTTP clients of the service.
type NormalizedError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Status  int    `json:"status"`
	Details any    `json:"details,omitempty"`

	cause error
}

func (e *NormalizedError) Error() string {
	return fmt.Sprintf("%s (code=%s status=%d)", e.Message, e.Code, e.Status)
}

func (e *NormalizedError) Unwrap() error {
	return e.cause
}

// HTTPErrorResponse carries a non-2xx provider response into a normalizer.
// Body is the decoded JSON body, or the raw text when it was not JSON.
type HTTPErrorResponse struct {
	StatusCode int
	Body       any
}

// errorClasses maps typed errors onto codes and statuses. Order matters:
// the first match wins.
var errorClasses = []struct {
	target error
	code   string
	status int
}{
	{ErrNotInitialized, "NOT_INITIALIZED", http.StatusServiceUnavailable},
	{ErrConfig, "CONFIG_ERROR", http.StatusInternalServerError},
	{ErrRequestTooLarge, "INVALID_REQUEST", http.StatusRequestEntityTooLarge},
	{ErrInvalidRequest, "INVALID_REQUEST", http.StatusBadRequest},
	{ErrInvalidKey, "INVALID_KEY", http.StatusInternalServerError},
	{ErrSigning, "SIGNING_ERROR", http.StatusInternalServerError},
	{ErrTransport, "TRANSPORT_ERROR", http.StatusBadGateway},
	{ErrMalformedResponse, "MALFORMED_RESPONSE", http.StatusBadGateway},
	{ErrResponseTooLarge, "RESPONSE_TOO_LARGE", http.StatusBadGateway},
}

// Normalize converts anything a component can fail with into a
// NormalizedError. It never panics and never returns nil.
func Normalize(raw any, fallback string) *NormalizedError {
	if fallback == "" {
		fallback = defaultErrorMessage
	}
	out := &NormalizedError{Code: defaultErrorCode, Status: defaultErrorStatus}

	switch v := raw.(type) {
	case nil:
	case *NormalizedError:
		if v == nil {
			break
		}
		cp := *v
		out = &cp
	case *HTTPErrorResponse:
		if v == nil {
			break
		}
		if v.StatusCode != 0 {
			out.Status = v.StatusCode
		}
		applyPayload(out, v.Body)
	case map[string]any:
		applyPayload(out, v)
	case json.RawMessage:
		applyPayload(out, decodeLoose(v))
	case []byte:
		applyPayload(out, decodeLoose(v))
	case string:
		out.Message = v
	case error:
		applyError(out, v)
	default:
		out.Details = v
	}

	if out.Message == "" {
		out.Message = fallback
	}
	if out.Code == "" {
		out.Code = defaultErrorCode
	}
	out.Status = ErrorStatus(out.Status, defaultErrorStatus)
	return out
}

// IsErrorStatus reports whether status is a 4xx or 5xx HTTP status.
func IsErrorStatus(status int) bool {
	return status >= 400 && status <= 599
}

// ErrorStatus returns status when it is a 4xx or 5xx code, fallback otherwise.
func ErrorStatus(status, fallback int) int {
	if IsErrorStatus(status) {
		return status
	}
	return fallback
}

func applyError(out *NormalizedError, err error) {
	out.cause = err
	out.Message = err.Error()

	var ne *NormalizedError
	if errors.As(err, &ne) {
		cause := out.cause
		*out = *ne
		out.cause = cause
		return
	}

	var tokenErr *TokenEndpointError
	if errors.As(err, &tokenErr) {
		out.Code = "TOKEN_ENDPOINT_ERROR"
		out.Status = http.StatusBadGateway
		details := map[string]any{"status": tokenErr.StatusCode}
		if tokenErr.OAuthError != "" {
			details["error"] = tokenErr.OAuthError
		}
		if tokenErr.Description != "" {
			details["error_description"] = tokenErr.Description
		}
		out.Details = details
		return
	}

	var missing *MissingCredentialsError
	if errors.As(err, &missing) {
		out.Code = "CONFIG_ERROR"
		out.Details = map[string]any{"missing": missing.Fields}
		return
	}

	for _, class := range errorClasses {
		if errors.Is(err, class.target) {
			out.Code = class.code
			out.Status = class.status
			return
		}
	}
}

// applyPayload reads the generic {message, code, status, details} shape.
func applyPayload(out *NormalizedError, body any) {
	switch b := body.(type) {
	case map[string]any:
		if msg, ok := b["message"].(string); ok {
			out.Message = msg
		}
		switch code := b["code"].(type) {
		case string:
			out.Code = code
		case float64:
			out.Code = fmt.Sprintf("%d", int(code))
		}
		// A body cannot downgrade the transport status to a success code.
		if status, ok := b["status"].(float64); ok && IsErrorStatus(int(status)) {
			out.Status = int(status)
		}
		if details, ok := b["details"]; ok && details != nil {
			out.Details = details
		}
	case string:
		out.Message = strings.TrimSpace(b)
	case nil:
	default:
		out.Details = b
	}
}

func decodeLoose(data []byte) any {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	return v
}
