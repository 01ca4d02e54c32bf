// Package invoker talks to the platform: the Web API client that fetches
// rows and performs command side effects, the host-paged dataset used by
// bound views, and the function registry behind "function" commands.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/datagrid/internal/config"
	"github.com/pitabwire/datagrid/internal/openapi"
	"github.com/pitabwire/datagrid/model"
)

// maxResponseBytes bounds every response body read from the platform.
const maxResponseBytes = 10 << 20

// PlatformError is a non-2xx response from the platform.
type PlatformError struct {
	Status  int
	Code    string
	Message string
}

func (e *PlatformError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("platform returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("platform returned %d: %s", e.Status, e.Message)
}

// BackendCall describes one HTTP exchange with the platform.
type BackendCall struct {
	Operation string
	Method    string
	Status    int
	Duration  time.Duration
	Attempt   int
	Err       error
}

// BackendObserver is notified of platform calls and breaker transitions.
type BackendObserver interface {
	OnBackendCall(ctx context.Context, call BackendCall)
	OnBreakerState(name string, state BreakerState)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithOperations binds custom API names to the operations of idx.
func WithOperations(idx *openapi.Index) Option {
	return func(c *Client) { c.operations = idx }
}

// WithEntitySets maps logical entity names to Web API entity set names.
// Unmapped entities use the default plural form.
func WithEntitySets(sets map[string]string) Option {
	return func(c *Client) {
		for k, v := range sets {
			c.entitySets[k] = v
		}
	}
}

// WithObserver adds a backend observer.
func WithObserver(obs BackendObserver) Option {
	return func(c *Client) { c.observers = append(c.observers, obs) }
}

// WithHeaderInjector adds a hook that writes request-scoped headers, such
// as trace propagation headers, on every outbound call.
func WithHeaderInjector(inject func(ctx context.Context, h http.Header)) Option {
	return func(c *Client) { c.injectors = append(c.injectors, inject) }
}

// WithLogger sets the logger used for retries.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithToken sets the bearer token sent on every call.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// Client is the platform Web API client. It implements model.RowQueryer and
// the platform half of model.ActionTransport.
type Client struct {
	cfg        config.PlatformConfig
	apiURL     string
	http       *http.Client
	breaker    *Breaker
	operations *openapi.Index
	entitySets map[string]string
	observers  []BackendObserver
	injectors  []func(context.Context, http.Header)
	token      string
	logger     *zap.Logger
}

// NewClient creates a client for the platform described by cfg.
func NewClient(cfg config.PlatformConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		apiURL: strings.TrimSuffix(cfg.BaseURL, "/") + "/" + strings.Trim(cfg.APIPath, "/"),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		entitySets: make(map[string]string),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	cb := cfg.CircuitBreaker
	c.breaker = NewBreaker("platform", BreakerConfig{
		FailureThreshold: cb.FailureThreshold,
		SuccessThreshold: cb.SuccessThreshold,
		Timeout:          cb.Timeout,
		ErrorRate:        cb.ErrorRateThreshold,
		RateWindow:       cb.ErrorRateWindow,
	}, c.breakerChanged)
	return c
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *Client) Breaker() *Breaker { return c.breaker }

// EntitySet returns the Web API collection name of entity.
func (c *Client) EntitySet(entity string) string {
	if set, ok := c.entitySets[entity]; ok {
		return set
	}
	switch {
	case strings.HasSuffix(entity, "y") && !strings.HasSuffix(entity, "ey"):
		return strings.TrimSuffix(entity, "y") + "ies"
	case strings.HasSuffix(entity, "s"):
		return entity + "es"
	default:
		return entity + "s"
	}
}

// RetrieveMultiple fetches one page of rows. FetchXML queries page through
// the fetch element's paging attributes and the fetchxmlpagingcookie
// annotation; OData queries page through @odata.nextLink.
func (c *Client) RetrieveMultiple(ctx context.Context, q model.RowQuery) (model.RowPage, error) {
	set := q.EntitySet
	if set == "" {
		set = c.EntitySet(q.Entity)
	}
	headers := http.Header{}
	headers.Set("Prefer", `odata.include-annotations="*"`)

	var reqURL string
	fetchXML := IsFetchXML(q.Query)
	switch {
	case fetchXML:
		fx, err := ApplyPaging(q.Query, max(q.Page, 1), q.PageSize, q.Cookie)
		if err != nil {
			return model.RowPage{}, err
		}
		reqURL = c.apiURL + "/" + set + "?fetchXml=" + url.QueryEscape(fx)
	case q.Cookie != "":
		if !strings.HasPrefix(q.Cookie, c.apiURL+"/") {
			return model.RowPage{}, fmt.Errorf("invoker: next link %q is outside the platform API", q.Cookie)
		}
		reqURL = q.Cookie
		headers.Set("Prefer", fmt.Sprintf(`odata.include-annotations="*",odata.maxpagesize=%d`, q.PageSize))
	default:
		reqURL = c.apiURL + "/" + set + "?" + withCount(q.Query)
		headers.Set("Prefer", fmt.Sprintf(`odata.include-annotations="*",odata.maxpagesize=%d`, q.PageSize))
	}

	var body map[string]any
	if _, err := c.do(ctx, "RetrieveMultiple", http.MethodGet, reqURL, headers, nil, &body); err != nil {
		return model.RowPage{}, err
	}

	page := model.RowPage{TotalCount: model.UnknownTotal}
	if rows, ok := body["value"].([]any); ok {
		page.Rows = make([]map[string]any, 0, len(rows))
		for _, r := range rows {
			if m, ok := r.(map[string]any); ok {
				page.Rows = append(page.Rows, m)
			}
		}
	}

	if fetchXML {
		annotation, _ := body[annotationPagingCookie].(string)
		cookie, err := PagingCookie(annotation)
		if err != nil {
			return model.RowPage{}, err
		}
		page.Cookie = cookie
		if n, ok := body[annotationTotalCount].(float64); ok && n >= 0 {
			page.TotalCount = int(n)
		}
		if more, ok := body[annotationMoreRecords].(bool); ok && !more {
			page.Cookie = ""
		}
	} else {
		page.Cookie, _ = body["@odata.nextLink"].(string)
		if n, ok := body["@odata.count"].(float64); ok {
			page.TotalCount = int(n)
		}
	}
	return page, nil
}

func withCount(query string) string {
	query = strings.TrimPrefix(strings.TrimSpace(query), "?")
	if strings.Contains(query, "$count=") {
		return query
	}
	if query == "" {
		return "$count=true"
	}
	return query + "&$count=true"
}

// InvokeAction runs a custom API or action. Names bound to an OpenAPI
// operation are sent to that operation; other names are unbound Web API
// actions.
func (c *Client) InvokeAction(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	method, reqURL, body := http.MethodPost, c.apiURL+"/"+url.PathEscape(name), params
	if op, ok := c.operations.Operation(name); ok {
		if missing := op.MissingRequired(params); len(missing) > 0 {
			return nil, fmt.Errorf("custom API %s: missing parameters %s", name, strings.Join(missing, ", "))
		}
		method, reqURL, body = bindOperation(op, c.cfg.CustomAPIBaseURL, params)
	}

	var payload []byte
	if body != nil && method != http.MethodGet && method != http.MethodDelete {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("invoker: marshal %s parameters: %w", name, err)
		}
	}

	result := map[string]any{}
	if _, err := c.do(ctx, name, method, reqURL, nil, payload, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// bindOperation builds the request for an OpenAPI-bound custom API. Path
// and query parameters are taken out of params; the rest is the body.
func bindOperation(op openapi.Operation, baseURL string, params map[string]any) (method, reqURL string, body map[string]any) {
	if baseURL == "" {
		baseURL = op.BaseURL
	}
	body = make(map[string]any, len(params))
	for k, v := range params {
		body[k] = v
	}

	path := op.Path
	for _, name := range op.PathParams {
		v, ok := body[name]
		if !ok {
			continue
		}
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(fmt.Sprint(v)))
		delete(body, name)
	}
	query := url.Values{}
	for _, name := range op.QueryParams {
		if v, ok := body[name]; ok {
			query.Set(name, fmt.Sprint(v))
			delete(body, name)
		}
	}

	reqURL = strings.TrimSuffix(baseURL, "/") + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	if !op.HasBody {
		body = nil
	}
	return op.Method, reqURL, body
}

// DeleteRecord deletes one record.
func (c *Client) DeleteRecord(ctx context.Context, entity, id string) error {
	reqURL := fmt.Sprintf("%s/%s(%s)", c.apiURL, c.EntitySet(entity), url.PathEscape(id))
	_, err := c.do(ctx, "DeleteRecord", http.MethodDelete, reqURL, nil, nil, nil)
	return err
}

// ExecuteWorkflow starts an on-demand workflow against one record.
func (c *Client) ExecuteWorkflow(ctx context.Context, workflowID, recordID string) error {
	reqURL := fmt.Sprintf("%s/workflows(%s)/Microsoft.Dynamics.CRM.ExecuteWorkflow", c.apiURL, url.PathEscape(workflowID))
	payload, err := json.Marshal(map[string]string{"EntityId": recordID})
	if err != nil {
		return fmt.Errorf("invoker: marshal workflow request: %w", err)
	}
	_, err = c.do(ctx, "ExecuteWorkflow", http.MethodPost, reqURL, nil, payload, nil)
	return err
}

// do sends one logical request with retries and decodes a JSON response
// into out when out is non-nil.
func (c *Client) do(ctx context.Context, operation, method, reqURL string, extra http.Header, payload []byte, out any) (int, error) {
	retry := c.cfg.Retry
	attempts := max(retry.MaxAttempts, 1)
	canRetry := isIdempotentMethod(method) || !retry.IdempotentOnly

	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, model.NewBackendTimeoutError()
			case <-time.After(backoff(retry, attempt)):
			}
		}

		start := time.Now()
		status, raw, err := c.once(ctx, method, reqURL, extra, payload)
		c.notify(ctx, BackendCall{
			Operation: operation,
			Method:    method,
			Status:    status,
			Duration:  time.Since(start),
			Attempt:   attempt + 1,
			Err:       err,
		})
		if err == nil {
			if out != nil && len(raw) > 0 {
				if err := json.Unmarshal(raw, out); err != nil {
					return status, fmt.Errorf("invoker: decoding %s response: %w", operation, err)
				}
			}
			return status, nil
		}

		lastErr = err
		if !canRetry || !retryable(err) {
			return status, err
		}
		c.logger.Debug("retrying platform call",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
	}
	return 0, lastErr
}

// once performs a single HTTP exchange behind the circuit breaker.
func (c *Client) once(ctx context.Context, method, reqURL string, extra http.Header, payload []byte) (int, []byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return 0, nil, model.NewBackendUnavailableError()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return 0, nil, fmt.Errorf("invoker: build request: %w", err)
	}
	c.setHeaders(ctx, req, extra, payload != nil)

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Record(false)
		if ctx.Err() != nil {
			return 0, nil, model.NewBackendTimeoutError()
		}
		if isConnectionError(err) {
			return 0, nil, model.NewBackendUnavailableError()
		}
		return 0, nil, fmt.Errorf("invoker: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.breaker.Record(false)
		return resp.StatusCode, nil, fmt.Errorf("invoker: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		c.breaker.Record(false)
		return resp.StatusCode, nil, platformError(resp.StatusCode, raw)
	case resp.StatusCode >= 400:
		// Client errors say nothing about platform health.
		return resp.StatusCode, nil, platformError(resp.StatusCode, raw)
	}
	c.breaker.Record(true)
	return resp.StatusCode, raw, nil
}

func (c *Client) setHeaders(ctx context.Context, req *http.Request, extra http.Header, hasBody bool) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	if hasBody {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+sanitizeHeader(c.token))
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.CorrelationID != "" {
		req.Header.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Set(k, sanitizeHeader(v))
		}
	}
	for _, inject := range c.injectors {
		inject(ctx, req.Header)
	}
}

func (c *Client) notify(ctx context.Context, call BackendCall) {
	for _, obs := range c.observers {
		obs.OnBackendCall(ctx, call)
	}
}

func (c *Client) breakerChanged(name string, s BreakerState) {
	for _, obs := range c.observers {
		obs.OnBreakerState(name, s)
	}
}

// platformError decodes the Web API error body {"error":{"code","message"}}.
func platformError(status int, raw []byte) error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	pe := &PlatformError{Status: status, Message: http.StatusText(status)}
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		pe.Code, pe.Message = body.Error.Code, body.Error.Message
	}
	return pe
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// retryable reports whether a failed attempt may be repeated. Open breakers
// and client errors are final.
func retryable(err error) bool {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return false
	}
	var pe *PlatformError
	if errors.As(err, &pe) {
		switch pe.Status {
		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return true
}

func isConnectionError(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func backoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return delay
}
