package cloudrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	jwtBearerGrantType    = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	defaultRequestTimeout = 10 * time.Second
	maxTokenResponseSize  = 1 << 20 // 1MB limit for token responses

	// maxTokenLifetime caps expires_in; longer answers are clamped.
	maxTokenLifetime = int64(24 * time.Hour / time.Second)
)

// TokenResponse is the part of the token endpoint answer the relay keeps.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type,omitempty"`
}

// TokenExchanger trades a signed assertion for an access token.
type TokenExchanger interface {
	Exchange(ctx context.Context, assertion string, endpoint Endpoint) (*TokenResponse, error)
}

// HTTPTokenExchangerOptions configures the HTTP token exchanger
type HTTPTokenExchangerOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
}

// HTTPTokenExchanger performs the JWT-bearer grant over HTTP.
type HTTPTokenExchanger struct {
	httpClient *http.Client
}

// NewHTTPTokenExchanger creates a token exchanger. Without an explicit client
// it uses one bounded by opts.Timeout (10s by default).
func NewHTTPTokenExchanger(opts HTTPTokenExchangerOptions) *HTTPTokenExchanger {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRequestTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPTokenExchanger{httpClient: opts.HTTPClient}
}

// Exchange issues exactly one POST to endpoint. A non-2xx status is always a
// failure, even when the body would parse.
func (x *HTTPTokenExchanger) Exchange(ctx context.Context, assertion string, endpoint Endpoint) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", jwtBearerGrantType)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token request: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read token response: %w", ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, tokenEndpointError(resp.StatusCode, body)
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("%w: decode token response: %w", ErrMalformedResponse, err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", ErrMalformedResponse)
	}
	if tokenResp.ExpiresIn <= 0 {
		return nil, fmt.Errorf("%w: token response missing expires_in", ErrMalformedResponse)
	}
	if tokenResp.ExpiresIn > maxTokenLifetime {
		tokenResp.ExpiresIn = maxTokenLifetime
	}
	return &tokenResp, nil
}

func tokenEndpointError(status int, body []byte) error {
	out := &TokenEndpointError{
		StatusCode: status,
		Body:       strings.TrimSpace(string(body)),
	}
	var oauthErr struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &oauthErr); err == nil {
		out.OAuthError = oauthErr.Error
		out.Description = oauthErr.ErrorDescription
	}
	return out
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
