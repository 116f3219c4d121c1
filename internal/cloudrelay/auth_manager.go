package cloudrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const refreshFlightKey = "token"

// AuthManagerOptions configures an AuthManager. Only Provider is required.
type AuthManagerOptions struct {
	Provider       Provider
	Exchanger      TokenExchanger
	Signer         Signer
	Logger         *zap.Logger
	Metrics        *Metrics
	Clock          func() time.Time
	RefreshTimeout time.Duration // bound on one sign+exchange cycle
}

// AuthManager turns a service-account identity into access tokens. Tokens
// are refreshed lazily when the cached one is within tokenSkew of expiry;
// concurrent callers that miss the cache share one refresh.
type AuthManager struct {
	provider       Provider
	exchanger      TokenExchanger
	signer         Signer
	logger         *zap.Logger
	metrics        *Metrics
	now            func() time.Time
	refreshTimeout time.Duration

	cache  *TokenCache
	flight singleflight.Group

	mu    sync.RWMutex
	creds *CredentialSet
}

// AuthStatus describes the manager without exposing token material.
type AuthStatus struct {
	Provider    string     `json:"provider"`
	Initialized bool       `json:"initialized"`
	Issuer      string     `json:"issuer,omitempty"`
	ProjectID   string     `json:"project_id,omitempty"`
	TokenValid  bool       `json:"token_valid"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func NewAuthManager(opts AuthManagerOptions) (*AuthManager, error) {
	if opts.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if opts.Exchanger == nil {
		opts.Exchanger = NewHTTPTokenExchanger(HTTPTokenExchangerOptions{Timeout: opts.RefreshTimeout})
	}
	if opts.Signer == nil {
		opts.Signer = RS256Signer{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = defaultRequestTimeout
	}

	return &AuthManager{
		provider:       opts.Provider,
		exchanger:      opts.Exchanger,
		signer:         opts.Signer,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		now:            opts.Clock,
		refreshTimeout: opts.RefreshTimeout,
		cache:          NewTokenCache(opts.Clock),
	}, nil
}

// Initialize validates cfg, then performs one eager refresh so that bad keys
// surface here rather than on the first API call. Missing fields are reported
// without any network activity. A failed refresh leaves the manager
// uninitialized.
func (m *AuthManager) Initialize(ctx context.Context, cfg InitConfig) error {
	if missing := m.provider.MissingFields(cfg); len(missing) > 0 {
		return &MissingCredentialsError{Fields: missing}
	}

	creds, err := cfg.credentialSet()
	if err != nil {
		return err
	}

	refreshCtx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()
	if _, _, err := m.refresh(refreshCtx, creds, "initialize"); err != nil {
		return fmt.Errorf("initial token refresh: %w", err)
	}

	m.mu.Lock()
	m.creds = &creds
	m.mu.Unlock()

	m.logger.Info("auth manager initialized",
		zap.String("provider", m.provider.ID()),
		zap.String("issuer", creds.Issuer),
		zap.String("project_id", creds.ProjectID),
		zap.String("token_endpoint", creds.TokenEndpoint.URL()),
	)
	return nil
}

// Token returns a usable access token, refreshing it when needed.
func (m *AuthManager) Token(ctx context.Context) (string, error) {
	token, _, err := m.token(ctx)
	return token, err
}

func (m *AuthManager) token(ctx context.Context) (string, time.Time, error) {
	creds, ok := m.credentials()
	if !ok {
		return "", time.Time{}, ErrNotInitialized
	}

	if token, expiresAt, ok := m.cache.lookup(); ok {
		return token, expiresAt, nil
	}

	ch := m.flight.DoChan(refreshFlightKey, func() (any, error) {
		// Another flight may have stored a token after our cache check.
		if token, expiresAt, ok := m.cache.lookup(); ok {
			return cachedToken{token, expiresAt}, nil
		}
		// The refresh outlives the caller that started it; waiters with
		// their own deadlines give up independently below.
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()
		token, expiresAt, err := m.refresh(refreshCtx, creds, "expired")
		if err != nil {
			return nil, err
		}
		return cachedToken{token, expiresAt}, nil
	})

	select {
	case <-ctx.Done():
		return "", time.Time{}, fmt.Errorf("%w: waiting for token: %w", ErrTransport, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", time.Time{}, res.Err
		}
		ct := res.Val.(cachedToken)
		return ct.token, ct.expiresAt, nil
	}
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// refresh runs one build → sign → exchange → store cycle. It is the only
// writer of the cache.
func (m *AuthManager) refresh(ctx context.Context, creds CredentialSet, reason string) (token string, expiresAt time.Time, err error) {
	started := time.Now()
	defer func() {
		m.metrics.observeRefresh(m.provider.ID(), started, err)
		if err != nil {
			m.logger.Warn("token refresh failed", zap.String("reason", reason), zap.Error(err))
		}
	}()

	assertion, err := m.provider.BuildAssertion(creds, m.now())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build assertion: %w", err)
	}

	signature, err := m.signer.Sign(assertion.SigningInput, creds.PrivateKey)
	if err != nil {
		return "", time.Time{}, err
	}

	resp, err := m.exchanger.Exchange(ctx, assertion.Compact(signature), creds.TokenEndpoint)
	if err != nil {
		return "", time.Time{}, err
	}

	expiresAt = m.cache.Store(resp.AccessToken, resp.ExpiresIn, time.Unix(assertion.Claims.IssuedAt, 0))

	m.logger.Info("access token refreshed",
		zap.String("reason", reason),
		zap.String("access_token", maskToken(resp.AccessToken)),
		zap.Time("expires_at", expiresAt),
	)
	return resp.AccessToken, expiresAt, nil
}

func (m *AuthManager) credentials() (CredentialSet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.creds == nil {
		return CredentialSet{}, false
	}
	return *m.creds, true
}

// Initialized reports whether Initialize has succeeded.
func (m *AuthManager) Initialized() bool {
	_, ok := m.credentials()
	return ok
}

// IsAvailable reports whether a usable token is cached right now.
func (m *AuthManager) IsAvailable() bool {
	if !m.Initialized() {
		return false
	}
	_, ok := m.cache.Get()
	return ok
}

func (m *AuthManager) Status() AuthStatus {
	status := AuthStatus{Provider: m.provider.ID()}
	creds, ok := m.credentials()
	if !ok {
		return status
	}
	status.Initialized = true
	status.Issuer = creds.Issuer
	status.ProjectID = creds.ProjectID
	_, status.TokenValid = m.cache.Get()
	if expiresAt := m.cache.ExpiresAt(); !expiresAt.IsZero() {
		status.ExpiresAt = &expiresAt
	}
	return status
}

// TokenSource adapts the manager to golang.org/x/oauth2 so standard clients
// share the same cached token.
func (m *AuthManager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &managerTokenSource{ctx: ctx, m: m}
}

type managerTokenSource struct {
	ctx context.Context
	m   *AuthManager
}

func (s *managerTokenSource) Token() (*oauth2.Token, error) {
	token, expiresAt, err := s.m.token(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
		Expiry:      expiresAt,
	}, nil
}
