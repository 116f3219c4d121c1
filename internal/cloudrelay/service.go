package cloudrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	headerRequestID    = "X-Request-ID"
	maxRequestIDLength = 128
	maxParamsBytes     = 1 << 20

	contentSecurityPolicy = "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; " +
		"object-src 'none'; base-uri 'none'; frame-ancestors 'none'"
)

// Service wires the auth manager and API invoker behind a gin router.
type Service struct {
	cfg      Config
	users    *Authenticator
	origins  map[string]struct{}
	client   *http.Client
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *Metrics
	provider Provider
	auth     *AuthManager
	invoker  *APIInvoker
	engine   *gin.Engine
	now      func() time.Time

	startOnce sync.Once
	startErr  error
}

type serviceOptions struct {
	httpClient *http.Client
	exchanger  TokenExchanger
	clock      func() time.Time
}

// ServiceOption customizes NewService.
type ServiceOption func(*serviceOptions)

// WithHTTPClient replaces the client used for both the token endpoint and
// provider API calls.
func WithHTTPClient(client *http.Client) ServiceOption {
	return func(o *serviceOptions) { o.httpClient = client }
}

func WithTokenExchanger(x TokenExchanger) ServiceOption {
	return func(o *serviceOptions) { o.exchanger = x }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(o *serviceOptions) { o.clock = now }
}

func NewService(cfg Config, logger *zap.Logger, opts ...ServiceOption) (*Service, error) {
	if logger == nil {
		var err error
		logger, err = newZapLogger(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}

	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	timeout := cfg.RequestTimeout.Duration
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ForceAttemptHTTP2:     true,
				ResponseHeaderTimeout: timeout,
			},
		}
	}
	if o.exchanger == nil {
		o.exchanger = NewHTTPTokenExchanger(HTTPTokenExchangerOptions{HTTPClient: o.httpClient})
	}

	provider, err := NewProvider(cfg.Provider, cfg.providerOptions())
	if err != nil {
		return nil, fmt.Errorf("init provider: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(registry)

	auth, err := NewAuthManager(AuthManagerOptions{
		Provider:       provider,
		Exchanger:      o.exchanger,
		Logger:         logger.Named("auth"),
		Metrics:        metrics,
		Clock:          o.clock,
		RefreshTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init auth manager: %w", err)
	}

	invoker, err := NewAPIInvoker(APIInvokerOptions{
		Auth:            auth,
		Provider:        provider,
		HTTPClient:      o.httpClient,
		Timeout:         timeout,
		MaxResponseSize: cfg.MaxResponseSize,
		Logger:          logger.Named("invoker"),
		Metrics:         metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("init api invoker: %w", err)
	}

	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		origins[origin] = struct{}{}
	}

	s := &Service{
		cfg:      cfg,
		users:    NewAuthenticator(cfg.Users),
		origins:  origins,
		client:   o.httpClient,
		logger:   logger,
		registry: registry,
		metrics:  metrics,
		provider: provider,
		auth:     auth,
		invoker:  invoker,
		now:      o.clock,
	}
	s.engine = s.routes()
	return s, nil
}

// Start initializes the auth manager once. Later calls return the first result.
func (s *Service) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		initCfg, err := s.cfg.InitConfig()
		if err != nil {
			s.startErr = err
			return
		}
		s.logger.Info("initializing credentials", zap.String("provider", s.provider.ID()))
		if err := s.auth.Initialize(ctx, initCfg); err != nil {
			s.startErr = err
			return
		}
		s.logger.Info("credentials initialized successfully")
	})
	return s.startErr
}

func (s *Service) Auth() *AuthManager { return s.auth }

func (s *Service) Invoker() *APIInvoker { return s.invoker }

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Service) Shutdown(ctx context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Service) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.recovery(), s.requestID(), s.accessLog(), s.responseHeaders())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.GET("/version", s.handleVersion)
	api.GET("/build-info", s.handleBuildInfo)
	api.GET("/auth/status", s.handleAuthStatus)
	api.POST("/cloud/:service/*method", s.requireUser(), s.handleCloudCall)

	if s.cfg.StaticDir != "" {
		r.Static("/static", s.cfg.StaticDir)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "Not found"})
	})
	return r
}

func (s *Service) handleHealth(c *gin.Context) {
	switch {
	case s.auth.IsAvailable():
		c.JSON(http.StatusOK, gin.H{"status": "ok", "credentials": "ready"})
	case s.auth.Initialized():
		// Token lapsed without traffic; the next call refreshes it.
		c.JSON(http.StatusOK, gin.H{"status": "ok", "credentials": "stale"})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "credentials": "unavailable"})
	}
}

func (s *Service) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, GetVersion())
}

func (s *Service) handleBuildInfo(c *gin.Context) {
	c.JSON(http.StatusOK, GetBuildInfo(s.cfg.Environment, s.now()))
}

func (s *Service) handleAuthStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.auth.Status())
}

func (s *Service) handleCloudCall(c *gin.Context) {
	service := c.Param("service")
	method := strings.TrimPrefix(c.Param("method"), "/")

	params, err := readParams(c.Request)
	if err != nil {
		s.writeError(c, s.provider.NormalizeError(err))
		return
	}

	result, err := s.invoker.Call(c.Request.Context(), service, method, params)
	if err != nil {
		s.writeError(c, s.provider.NormalizeError(err))
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", result)
}

// writeError only ever answers with a 4xx or 5xx status.
func (s *Service) writeError(c *gin.Context, ne *NormalizedError) {
	if status := ErrorStatus(ne.Status, http.StatusBadGateway); status != ne.Status {
		cp := *ne
		cp.Status = status
		ne = &cp
	}
	c.AbortWithStatusJSON(ne.Status, gin.H{"error": ne})
}

// readParams decodes the request body; an empty body means no params.
func readParams(r *http.Request) (any, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxParamsBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrInvalidRequest, err)
	}
	if len(data) > maxParamsBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrRequestTooLarge, maxParamsBytes)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var params any
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("%w: body is not JSON: %w", ErrInvalidRequest, err)
	}
	return params, nil
}

// requireUser enforces caller tokens when users are configured.
func (s *Service) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.users.HasUsers() {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		prefix := "bearer "
		if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
			s.logger.Warn("authentication failed: missing or invalid authorization", zap.String("remote", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": Normalize(&HTTPErrorResponse{
				StatusCode: http.StatusUnauthorized,
				Body:       map[string]any{"message": "unauthorized", "code": "UNAUTHENTICATED"},
			}, "")})
			return
		}

		token := strings.TrimSpace(authHeader[len(prefix):])
		username, ok := s.users.Authenticate(token)
		if token == "" || !ok {
			s.logger.Warn("authentication failed: unknown token", zap.String("remote", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": Normalize(&HTTPErrorResponse{
				StatusCode: http.StatusUnauthorized,
				Body:       map[string]any{"message": "unauthorized", "code": "UNAUTHENTICATED"},
			}, "")})
			return
		}
		c.Set("user", username)
		c.Next()
	}
}

// responseHeaders sets security headers, the cache policy and, for allowed
// origins, CORS headers. Allowed preflight requests end here with 204.
func (s *Service) responseHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("Content-Security-Policy", contentSecurityPolicy)

		if p := c.Request.URL.Path; strings.HasPrefix(p, "/static/") {
			h.Set("Cache-Control", staticCachePolicy(mime.TypeByExtension(path.Ext(p))))
		} else {
			h.Set("Cache-Control", "no-store")
		}

		origin := c.GetHeader("Origin")
		if _, ok := s.origins[origin]; !ok || origin == "" {
			c.Next()
			return
		}
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Origin, X-Request-ID")
		h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Type, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			h.Set("Access-Control-Max-Age", "86400")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// staticCachePolicy picks Cache-Control for a static file by media type.
func staticCachePolicy(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.TrimSpace(mediaType)
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return "public, max-age=86400, must-revalidate"
	case mediaType == "text/html", mediaType == "application/json":
		return "no-store, must-revalidate"
	default:
		return "public, max-age=14400, must-revalidate"
	}
}

func (s *Service) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func (s *Service) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.metrics.observeHTTPRequest(c.Request.Method, route, strconv.Itoa(status))

		user := c.GetString("user")
		if user == "" {
			user = "anonymous"
		}
		s.logger.Info("request",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("remote", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("user", user),
			zap.Int("status", status),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("duration", time.Since(start).Round(time.Millisecond)),
		)
	}
}

func (s *Service) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic",
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Any("panic", r),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": Normalize(nil, "")})
			}
		}()
		c.Next()
	}
}
