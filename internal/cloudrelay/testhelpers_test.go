package cloudrelay

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testClientEmail = "relay@demo-project.iam.gserviceaccount.com"
	testProjectID   = "demo-project"
)

func newHTTPTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err, "listen test server")

	server := httptest.NewUnstartedServer(handler)
	server.Listener = l
	server.Start()
	t.Cleanup(server.Close)
	return server
}

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	testKeyErr  error
)

// testRSAKey returns a process-wide 2048-bit key; generating one per test is slow.
func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		testKey, testKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	require.NoError(t, testKeyErr)
	return testKey
}

func testKeyPEM(t *testing.T) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(testRSAKey(t))
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func testInitConfig(t *testing.T) InitConfig {
	t.Helper()
	return InitConfig{
		ProjectID: testProjectID,
		Credentials: ServiceAccountCredentials{
			ClientEmail: testClientEmail,
			PrivateKey:  testKeyPEM(t),
		},
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubExchanger answers token exchanges without a network. respond gets the
// 1-based call number.
type stubExchanger struct {
	calls   atomic.Int32
	delay   time.Duration
	release chan struct{}
	respond func(call int) (*TokenResponse, error)

	mu         sync.Mutex
	assertions []string
	endpoints  []Endpoint
}

func newStubExchanger() *stubExchanger {
	x := &stubExchanger{}
	x.respond = func(call int) (*TokenResponse, error) {
		return &TokenResponse{AccessToken: tokenName(call), ExpiresIn: 3600, TokenType: "Bearer"}, nil
	}
	return x
}

func tokenName(call int) string {
	return "tok-" + strconv.Itoa(call)
}

func (x *stubExchanger) Exchange(ctx context.Context, assertion string, endpoint Endpoint) (*TokenResponse, error) {
	call := int(x.calls.Add(1))
	x.mu.Lock()
	x.assertions = append(x.assertions, assertion)
	x.endpoints = append(x.endpoints, endpoint)
	x.mu.Unlock()

	if x.release != nil {
		select {
		case <-x.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if x.delay > 0 {
		time.Sleep(x.delay)
	}
	return x.respond(call)
}

func (x *stubExchanger) lastAssertion() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.assertions) == 0 {
		return ""
	}
	return x.assertions[len(x.assertions)-1]
}

func newTestManager(t *testing.T, x TokenExchanger, clock *fakeClock, metrics *Metrics) *AuthManager {
	t.Helper()
	m, err := NewAuthManager(AuthManagerOptions{
		Provider:  NewGCPProvider(ProviderOptions{}),
		Exchanger: x,
		Metrics:   metrics,
		Clock:     clock.Now,
	})
	require.NoError(t, err)
	return m
}

func newInitializedManager(t *testing.T, x TokenExchanger, clock *fakeClock) *AuthManager {
	t.Helper()
	m := newTestManager(t, x, clock, nil)
	require.NoError(t, m.Initialize(context.Background(), testInitConfig(t)))
	return m
}

// roundTripFunc lets tests answer provider API calls in-process.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type recordedRequest struct {
	Method string
	Host   string
	Path   string
	Header http.Header
	Body   string
}

// recordingTransport records each request and answers with status/body.
type recordingTransport struct {
	status int
	body   string
	err    error

	mu       sync.Mutex
	requests []recordedRequest
}

func (rt *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		_ = req.Body.Close()
	}
	rt.mu.Lock()
	rt.requests = append(rt.requests, recordedRequest{
		Method: req.Method,
		Host:   req.URL.Host,
		Path:   req.URL.Path,
		Header: req.Header.Clone(),
		Body:   string(body),
	})
	rt.mu.Unlock()

	if rt.err != nil {
		return nil, rt.err
	}
	return jsonResponse(rt.status, rt.body), nil
}

func (rt *recordingTransport) recorded() []recordedRequest {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]recordedRequest(nil), rt.requests...)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// staticIssuer is a TokenIssuer with a fixed answer.
type staticIssuer struct {
	token string
	err   error
}

func (s staticIssuer) Token(context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.token, nil
}

var errBoom = errors.New("boom")
