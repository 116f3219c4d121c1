package cloudrelay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInvoker(t *testing.T, auth TokenIssuer, rt http.RoundTripper, metrics *Metrics) *APIInvoker {
	t.Helper()
	inv, err := NewAPIInvoker(APIInvokerOptions{
		Auth:       auth,
		Provider:   NewGCPProvider(ProviderOptions{}),
		HTTPClient: &http.Client{Transport: rt, Timeout: 5 * time.Second},
		Metrics:    metrics,
	})
	require.NoError(t, err)
	return inv
}

func requireNormalized(t *testing.T, err error) *NormalizedError {
	t.Helper()
	var ne *NormalizedError
	require.ErrorAs(t, err, &ne)
	return ne
}

func TestAPIInvokerCallsResolvedEndpoint(t *testing.T) {
	rt := &recordingTransport{status: http.StatusOK, body: `{"items":[{"name":"vm-1"}]}`}
	m := newInitializedManager(t, newStubExchanger(), newFakeClock())
	inv := newTestInvoker(t, m, rt, nil)

	params := map[string]any{"zone": "us-central1-a"}
	result, err := inv.Call(context.Background(), "compute", "instances/list", params)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[{"name":"vm-1"}]}`, string(result))

	reqs := rt.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "compute.googleapis.com", reqs[0].Host)
	assert.Equal(t, "/v1/instances/list", reqs[0].Path)
	assert.Equal(t, "Bearer tok-1", reqs[0].Header.Get("Authorization"))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
	assert.JSONEq(t, `{"zone":"us-central1-a"}`, reqs[0].Body)
}

func TestAPIInvokerNilParamsSendsEmptyObject(t *testing.T) {
	rt := &recordingTransport{status: http.StatusOK, body: `{}`}
	inv := newTestInvoker(t, staticIssuer{token: "t"}, rt, nil)

	_, err := inv.Call(context.Background(), "storage", "b", nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", rt.recorded()[0].Body)
}

func TestAPIInvokerNormalizesProviderError(t *testing.T) {
	rt := &recordingTransport{
		status: http.StatusForbidden,
		body:   `{"error":{"message":"Permission denied","code":403,"status":"PERMISSION_DENIED"}}`,
	}
	inv := newTestInvoker(t, staticIssuer{token: "t"}, rt, nil)

	_, err := inv.Call(context.Background(), "compute", "instances/list", nil)
	ne := requireNormalized(t, err)
	assert.Equal(t, "Permission denied", ne.Message)
	assert.Equal(t, http.StatusForbidden, ne.Status)
	assert.Equal(t, "PERMISSION_DENIED", ne.Code)
}

func TestAPIInvokerNonJSONErrorBody(t *testing.T) {
	rt := &recordingTransport{status: http.StatusServiceUnavailable, body: "upstream overloaded\n"}
	inv := newTestInvoker(t, staticIssuer{token: "t"}, rt, nil)

	_, err := inv.Call(context.Background(), "compute", "instances/list", nil)
	ne := requireNormalized(t, err)
	assert.Equal(t, "upstream overloaded", ne.Message)
	assert.Equal(t, http.StatusServiceUnavailable, ne.Status)
}

func TestAPIInvokerEmptySuccessBody(t *testing.T) {
	rt := &recordingTransport{status: http.StatusNoContent, body: ""}
	inv := newTestInvoker(t, staticIssuer{token: "t"}, rt, nil)

	result, err := inv.Call(context.Background(), "compute", "instances/stop", nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(result))
}

func TestAPIInvokerLargeSuccessBody(t *testing.T) {
	big := `{"items":["` + strings.Repeat("x", 2<<20) + `"]}`
	rt := &recordingTransport{status: http.StatusOK, body: big}
	inv := newTestInvoker(t, staticIssuer{token: "t"}, rt, nil)

	result, err := inv.Call(context.Background(), "compute", "instances/aggregatedList", nil)
	require.NoError(t, err)
	assert.Len(t, result, len(big))
	assert.True(t, json.Valid(result))
}

func TestAPIInvokerResponseTooLarge(t *testing.T) {
	rt := &recordingTransport{status: http.StatusOK, body: `{"items":["0123456789"]}`}
	inv, err := NewAPIInvoker(APIInvokerOptions{
		Auth:            staticIssuer{token: "t"},
		Provider:        NewGCPProvider(ProviderOptions{}),
		HTTPClient:      &http.Client{Transport: rt},
		MaxResponseSize: 16,
	})
	require.NoError(t, err)

	_, err = inv.Call(context.Background(), "compute", "instances/list", nil)
	ne := requireNormalized(t, err)
	assert.Equal(t, "RESPONSE_TOO_LARGE", ne.Code)
	assert.Equal(t, http.StatusBadGateway, ne.Status)
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestAPIInvokerBodyAtLimit(t *testing.T) {
	body := `{"a":"b"}`
	rt := &recordingTransport{status: http.StatusOK, body: body}
	inv, err := NewAPIInvoker(APIInvokerOptions{
		Auth:            staticIssuer{token: "t"},
		Provider:        NewGCPProvider(ProviderOptions{}),
		HTTPClient:      &http.Client{Transport: rt},
		MaxResponseSize: int64(len(body)),
	})
	require.NoError(t, err)

	result, err := inv.Call(context.Background(), "compute", "instances/list", nil)
	require.NoError(t, err)
	assert.JSONEq(t, body, string(result))
}

func TestAPIInvokerMalformedSuccessBody(t *testing.T) {
	rt := &recordingTransport{status: http.StatusOK, body: "<html>"}
	inv := newTestInvoker(t, staticIssuer{token: "t"}, rt, nil)

	_, err := inv.Call(context.Background(), "compute", "instances/list", nil)
	ne := requireNormalized(t, err)
	assert.Equal(t, "MALFORMED_RESPONSE", ne.Code)
	assert.Equal(t, http.StatusBadGateway, ne.Status)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestAPIInvokerNotInitialized(t *testing.T) {
	rt := &recordingTransport{status: http.StatusOK, body: `{}`}
	m := newTestManager(t, newStubExchanger(), newFakeClock(), nil)
	inv := newTestInvoker(t, m, rt, nil)

	_, err := inv.Call(context.Background(), "compute", "instances/list", nil)
	ne := requireNormalized(t, err)
	assert.Equal(t, "NOT_INITIALIZED", ne.Code)
	assert.Equal(t, http.StatusServiceUnavailable, ne.Status)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Empty(t, rt.recorded(), "no provider call without a token")
}

func TestAPIInvokerInvalidRequests(t *testing.T) {
	tests := []struct {
		name    string
		service string
		method  string
	}{
		{name: "empty service", service: "", method: "instances/list"},
		{name: "service with dot", service: "evil.example.com", method: "x"},
		{name: "uppercase service", service: "Compute", method: "x"},
		{name: "empty method", service: "compute", method: ""},
		{name: "parent segment", service: "compute", method: "instances/../../admin"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rt := &recordingTransport{status: http.StatusOK, body: `{}`}
			inv := newTestInvoker(t, staticIssuer{token: "t"}, rt, nil)

			_, err := inv.Call(context.Background(), tc.service, tc.method, nil)
			ne := requireNormalized(t, err)
			assert.Equal(t, "INVALID_REQUEST", ne.Code)
			assert.Equal(t, http.StatusBadRequest, ne.Status)
			assert.Empty(t, rt.recorded())
		})
	}
}

func TestAPIInvokerUnencodableParams(t *testing.T) {
	rt := &recordingTransport{status: http.StatusOK, body: `{}`}
	inv := newTestInvoker(t, staticIssuer{token: "t"}, rt, nil)

	_, err := inv.Call(context.Background(), "compute", "x", map[string]any{"ch": make(chan int)})
	ne := requireNormalized(t, err)
	assert.Equal(t, "INVALID_REQUEST", ne.Code)
}

func TestAPIInvokerTransportError(t *testing.T) {
	rt := &recordingTransport{err: errBoom}
	inv := newTestInvoker(t, staticIssuer{token: "t"}, rt, nil)

	_, err := inv.Call(context.Background(), "compute", "instances/list", nil)
	ne := requireNormalized(t, err)
	assert.Equal(t, "TRANSPORT_ERROR", ne.Code)
	assert.Equal(t, http.StatusBadGateway, ne.Status)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestAPIInvokerTokenEndpointFailureSurfaces(t *testing.T) {
	rt := &recordingTransport{status: http.StatusOK, body: `{}`}
	issuer := staticIssuer{err: &TokenEndpointError{StatusCode: 400, OAuthError: "invalid_grant", Description: "Invalid JWT Signature."}}
	inv := newTestInvoker(t, issuer, rt, nil)

	_, err := inv.Call(context.Background(), "compute", "instances/list", nil)
	ne := requireNormalized(t, err)
	assert.Equal(t, "TOKEN_ENDPOINT_ERROR", ne.Code)
	assert.Equal(t, http.StatusBadGateway, ne.Status)

	details, ok := ne.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "invalid_grant", details["error"])
}

func TestAPIInvokerResultIsRawJSON(t *testing.T) {
	rt := &recordingTransport{status: http.StatusOK, body: `[1,2,3]`}
	inv := newTestInvoker(t, staticIssuer{token: "t"}, rt, nil)

	result, err := inv.Call(context.Background(), "compute", "x", nil)
	require.NoError(t, err)

	var got []int
	require.NoError(t, json.Unmarshal(result, &got))
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestAPIInvokerRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	ok := newTestInvoker(t, staticIssuer{token: "t"}, &recordingTransport{status: http.StatusOK, body: `{}`}, metrics)
	_, err := ok.Call(context.Background(), "compute", "x", nil)
	require.NoError(t, err)

	denied := newTestInvoker(t, staticIssuer{token: "t"}, &recordingTransport{status: http.StatusForbidden, body: `{}`}, metrics)
	_, err = denied.Call(context.Background(), "compute", "x", nil)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.APICallsTotal.WithLabelValues("gcp", "compute", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.APICallsTotal.WithLabelValues("gcp", "compute", "api_error")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.APICallDuration), "one series per provider and service")
}

func TestNewAPIInvokerRequiresDependencies(t *testing.T) {
	_, err := NewAPIInvoker(APIInvokerOptions{Provider: NewGCPProvider(ProviderOptions{})})
	require.Error(t, err)
	_, err = NewAPIInvoker(APIInvokerOptions{Auth: staticIssuer{}})
	require.Error(t, err)
}
