package cloudrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// TokenIssuer hands out bearer tokens. *AuthManager implements it.
type TokenIssuer interface {
	Token(ctx context.Context) (string, error)
}

// defaultMaxAPIResponseSize bounds a provider response body held in memory.
const defaultMaxAPIResponseSize = 32 << 20

// APIInvokerOptions configures an APIInvoker. Auth and Provider are required.
type APIInvokerOptions struct {
	Auth            TokenIssuer
	Provider        Provider
	HTTPClient      *http.Client
	Timeout         time.Duration
	MaxResponseSize int64
	Logger          *zap.Logger
	Metrics         *Metrics
}

// APIInvoker issues authenticated POST calls against provider APIs.
type APIInvoker struct {
	auth       TokenIssuer
	provider   Provider
	httpClient *http.Client
	maxBody    int64
	logger     *zap.Logger
	metrics    *Metrics
}

func NewAPIInvoker(opts APIInvokerOptions) (*APIInvoker, error) {
	if opts.Auth == nil {
		return nil, fmt.Errorf("auth manager is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRequestTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.MaxResponseSize <= 0 {
		opts.MaxResponseSize = defaultMaxAPIResponseSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &APIInvoker{
		auth:       opts.Auth,
		provider:   opts.Provider,
		httpClient: opts.HTTPClient,
		maxBody:    opts.MaxResponseSize,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}, nil
}

// Call POSTs params as JSON to the endpoint the provider resolves for
// service/method. A 2xx answer is returned as raw JSON; every failure is a
// *NormalizedError.
func (inv *APIInvoker) Call(ctx context.Context, service, method string, params any) (json.RawMessage, error) {
	started := time.Now()
	result := "error"
	defer func() {
		inv.metrics.observeAPICall(inv.provider.ID(), service, result, started)
	}()

	endpoint, err := inv.provider.ResolveEndpoint(service, method)
	if err != nil {
		result = "invalid_request"
		return nil, inv.provider.NormalizeError(err)
	}

	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(params)
	if err != nil {
		result = "invalid_request"
		return nil, inv.provider.NormalizeError(fmt.Errorf("%w: encode params: %w", ErrInvalidRequest, err))
	}

	token, err := inv.auth.Token(ctx)
	if err != nil {
		result = "auth_error"
		inv.logger.Warn("no access token for api call",
			zap.String("service", service),
			zap.String("method", method),
			zap.Error(err),
		)
		return nil, inv.provider.NormalizeError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL(), bytes.NewReader(payload))
	if err != nil {
		return nil, inv.provider.NormalizeError(fmt.Errorf("%w: build api request: %w", ErrInvalidRequest, err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := inv.httpClient.Do(req)
	if err != nil {
		result = resultLabel(err)
		inv.logger.Error("api request", zap.Error(err), zap.String("host", endpoint.Host))
		return nil, inv.provider.NormalizeError(fmt.Errorf("%w: api request: %w", ErrTransport, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, inv.maxBody+1))
	if err != nil {
		result = resultLabel(err)
		return nil, inv.provider.NormalizeError(fmt.Errorf("%w: read api response: %w", ErrTransport, err))
	}
	if int64(len(body)) > inv.maxBody {
		result = "response_too_large"
		inv.logger.Warn("api response too large",
			zap.String("upstream_host", endpoint.Host),
			zap.String("path", endpoint.Path),
			zap.Int("status", resp.StatusCode),
			zap.Int64("limit", inv.maxBody),
		)
		return nil, inv.provider.NormalizeError(fmt.Errorf("%w: api response from %s exceeds %d bytes", ErrResponseTooLarge, endpoint.Host, inv.maxBody))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result = "api_error"
		normalized := inv.provider.NormalizeError(&HTTPErrorResponse{
			StatusCode: resp.StatusCode,
			Body:       decodeLoose(body),
		})
		inv.logger.Warn("upstream error response",
			zap.String("provider", inv.provider.ID()),
			zap.String("upstream_host", endpoint.Host),
			zap.String("path", endpoint.Path),
			zap.Int("status", resp.StatusCode),
			zap.String("code", normalized.Code),
			zap.String("message", normalized.Message),
		)
		return nil, normalized
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		result = "malformed_response"
		return nil, inv.provider.NormalizeError(fmt.Errorf("%w: api response from %s is not JSON", ErrMalformedResponse, endpoint.Host))
	}

	result = "success"
	inv.logger.Debug("api call",
		zap.String("upstream_host", endpoint.Host),
		zap.String("path", endpoint.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(started).Round(time.Millisecond)),
	)
	return json.RawMessage(body), nil
}
