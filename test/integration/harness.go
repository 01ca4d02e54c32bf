// Package integration runs the datagrid server end to end: real token
// verification, the configured entity document, the static privilege
// policy and the platform client, talking to a mock platform.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/datagrid/internal/config"
	"github.com/pitabwire/datagrid/internal/definition"
	"github.com/pitabwire/datagrid/internal/invoker"
	"github.com/pitabwire/datagrid/internal/metadata"
	"github.com/pitabwire/datagrid/internal/observability"
	"github.com/pitabwire/datagrid/internal/output"
	"github.com/pitabwire/datagrid/internal/privilege"
	"github.com/pitabwire/datagrid/internal/session"
	"github.com/pitabwire/datagrid/internal/transport"
	"github.com/pitabwire/datagrid/model"
)

// TestHarness is a fully wired server in front of a MockPlatform.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Platform *MockPlatform
	Client   *invoker.Client
	Registry *definition.Registry
	Sessions *session.Manager
	Outputs  *output.MemoryStore
	Config   *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*config.Config)

// WithCircuitBreaker replaces the platform circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *config.Config) { c.Platform.CircuitBreaker = cb }
}

// WithRetry replaces the platform retry settings.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *config.Config) { c.Platform.Retry = r }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *config.Config) { c.Server.HandlerTimeout = d }
}

// WithFetchTimeout bounds every page fetch.
func WithFetchTimeout(d time.Duration) HarnessOption {
	return func(c *config.Config) { c.Sessions.FetchTimeout = d }
}

// NewTestHarness starts a server against a fresh mock platform seeded with
// 25 accounts and 12 contacts. Everything is torn down with the test.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	h := &TestHarness{
		t:        t,
		issuer:   newTokenIssuer(t),
		Platform: newMockPlatform(t),
	}
	h.Platform.SeedAccounts(25)
	h.Platform.SeedContacts(12)

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 10 * time.Second
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Identity.Issuer = h.issuer.Issuer()
	cfg.Identity.Audience = h.issuer.Audience()
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	cfg.Identity.Algorithms = []string{h.issuer.Algorithm()}
	cfg.Entities.File = filepath.Join(testdataDir(), "entities.yaml")
	cfg.Capability.StaticPolicyFile = filepath.Join(testdataDir(), "policies.yaml")
	cfg.Platform.BaseURL = h.Platform.URL()
	cfg.Platform.Timeout = 5 * time.Second
	cfg.Platform.Retry = config.RetryConfig{MaxAttempts: 1, IdempotentOnly: true}
	cfg.Sessions.FetchTimeout = 5 * time.Second
	for _, opt := range opts {
		opt(cfg)
	}
	h.Config = cfg

	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)

	functions := invoker.NewFunctionRegistry()
	validator := definition.NewValidator(definition.WithFunctions(functions))
	registry, err := definition.Load(cfg.Entities.File, validator)
	if err != nil {
		t.Fatalf("load entity configuration: %v", err)
	}
	h.Registry = registry

	evaluator, err := privilege.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	resolver := privilege.NewResolver(evaluator, cfg.Capability.Cache.TTL, privilege.WithCacheObserver(metrics))

	h.Client = invoker.NewClient(cfg.Platform,
		invoker.WithObserver(metrics),
		invoker.WithToken("platform-token"),
		invoker.WithHeaderInjector(observability.InjectTraceHeaders),
		invoker.WithLogger(logger.Named("invoker")),
	)

	h.Outputs = output.NewMemoryStore(cfg.Output.TTL)
	h.Sessions = session.NewManager(cfg.Sessions, session.Dependencies{
		Definitions:     registry,
		Queryer:         observability.TracedQueryer{Next: h.Client},
		HostDatasets:    hostDatasets(h.Client),
		Platform:        h.Client,
		Functions:       functions,
		Outputs:         h.Outputs,
		FetchObserver:   metrics,
		CommandObserver: metrics,
		ViewObserver:    metrics,
		Logger:          logger,
	}, session.WithActiveCount(metrics.SetActiveViews))

	ready := observability.HandleReady(observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(registry.Entities()) > 0 },
		Platform: observability.HealthCheckFunc(func(context.Context) error {
			if h.Client.Breaker().State() == invoker.BreakerOpen {
				return invoker.ErrBreakerOpen
			}
			return nil
		}),
	})
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, time.Hour, transport.WithKeySetLogger(logger))

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Authenticate:   transport.JWTAuthenticator(cfg.Identity, jwks),
		Privileges:     resolver,
		Descriptors:    metadata.NewDescriptorProvider(registry, metadata.NewCommandBarProvider()),
		Sessions:       h.Sessions,
		HealthHandler:  observability.HandleHealth(),
		ReadyHandler:   ready,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	h.server = httptest.NewServer(metrics.MetricsMiddleware(observability.TracingMiddleware(router)))
	t.Cleanup(h.server.Close)
	return h
}

func hostDatasets(client *invoker.Client) session.HostDatasetFactory {
	return func(entity string, ds model.DataSourceConfig, pageSize int) (model.HostDataset, error) {
		return invoker.NewPagedDataset(client, invoker.PagedEndpoint{
			Entity:    entity,
			Path:      ds.Endpoint,
			ItemsPath: ds.ItemsPath,
			TotalPath: ds.TotalPath,
			IDField:   ds.IDField,
			PageSize:  pageSize,
		}), nil
	}
}

// GenerateToken signs a valid token for claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken signs a token that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodDelete, path, nil, token, nil)
}

// Do sends one request. A nil body sends none; an empty token sends no
// Authorization header.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// OpenView opens a view of entity and waits for its first page.
func (h *TestHarness) OpenView(token, entity string) session.State {
	h.t.Helper()
	var opened session.State
	h.AssertJSON(h.t, h.POST("/ui/views", map[string]any{"entity": entity}, token), http.StatusCreated, &opened)
	return h.WaitView(token, opened.ViewID)
}

// WaitView returns the state of a view once no fetch is in flight.
func (h *TestHarness) WaitView(token, viewID string) session.State {
	h.t.Helper()
	var st session.State
	h.AssertJSON(h.t, h.GET(ViewPath(viewID)+"?wait=true", token), http.StatusOK, &st)
	return st
}

// Event posts a view event and returns the resulting state.
func (h *TestHarness) Event(token, viewID string, event map[string]any) session.State {
	h.t.Helper()
	var st session.State
	h.AssertJSON(h.t, h.POST(ViewPath(viewID)+"/events", event, token), http.StatusOK, &st)
	return st
}

// Command runs a command and decodes the response.
func (h *TestHarness) Command(token, viewID, key string, confirmed bool) CommandResponse {
	h.t.Helper()
	var res CommandResponse
	h.AssertJSON(h.t, h.POST(ViewPath(viewID)+"/commands/"+key, map[string]any{"confirmed": confirmed}, token), http.StatusOK, &res)
	return res
}

// CommandResponse is the wire form of a command response.
type CommandResponse struct {
	Status string `json:"status"`
	session.CommandResult
}

// ViewPath returns the resource path of a view.
func ViewPath(viewID string) string {
	return "/ui/views/" + viewID
}

// ParseJSON reads the response body into target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	data := h.ReadBody(resp)
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, data)
	}
}

// ReadBody reads and closes the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks the response status and closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body := h.ReadBody(resp)
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, body)
	}
}

// AssertJSON checks the response status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, h.ReadBody(resp))
	}
	h.ParseJSON(resp, target)
}

// ErrorCode returns the code of an error response.
func (h *TestHarness) ErrorCode(resp *http.Response) string {
	h.t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.ParseJSON(resp, &body)
	return body.Error.Code
}

// --- Default test claims ---

// ManagerClaims returns claims of a user allowed to delete and approve
// accounts.
func ManagerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-manager",
		TenantID:  "acme-corp",
		Email:     "manager@acme.example.com",
		Roles:     []string{"account_manager"},
	}
}

// ViewerClaims returns claims of a user with read access only.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-viewer",
		TenantID:  "acme-corp",
		Email:     "viewer@acme.example.com",
	}
}

// AccountFixture returns the platform row of account i.
func AccountFixture(i int) map[string]any {
	row := map[string]any{
		"accountid": fmt.Sprintf("acc-%02d", i),
		"name":      fmt.Sprintf("Account %02d", i),
		"revenue":   float64(i * 1000),
	}
	row["revenue@OData.Community.Display.V1.FormattedValue"] = fmt.Sprintf("$%d,000.00", i)
	return row
}

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
