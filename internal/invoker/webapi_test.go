package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/datagrid/internal/config"
	"github.com/pitabwire/datagrid/internal/openapi"
	"github.com/pitabwire/datagrid/model"
)

const apiPath = "/api/data/v9.2"

func testPlatformConfig(baseURL string) config.PlatformConfig {
	return config.PlatformConfig{
		BaseURL: baseURL,
		APIPath: apiPath,
		Timeout: 5 * time.Second,
		Retry: config.RetryConfig{
			MaxAttempts:    3,
			BackoffInitial: time.Millisecond,
			BackoffMax:     2 * time.Millisecond,
			IdempotentOnly: true,
		},
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(testPlatformConfig(srv.URL), opts...), srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type recordingBackend struct {
	mu     sync.Mutex
	calls  []BackendCall
	states []BreakerState
}

func (r *recordingBackend) OnBackendCall(_ context.Context, c BackendCall) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func (r *recordingBackend) OnBreakerState(_ string, s BreakerState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func TestClient_RetrieveMultiple_fetchXML(t *testing.T) {
	inner := `<cookie page="1"><accountid last="{A}" /></cookie>`
	var gotFetch, gotPrefer string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != apiPath+"/accounts" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotFetch = r.URL.Query().Get("fetchXml")
		gotPrefer = r.Header.Get("Prefer")
		writeJSON(w, http.StatusOK, map[string]any{
			"value": []any{
				map[string]any{"accountid": "A", "name": "Contoso"},
				map[string]any{"accountid": "B", "name": "Fabrikam"},
			},
			annotationPagingCookie: `<cookie pagenumber="3" pagingcookie="` + url.QueryEscape(url.QueryEscape(inner)) + `" istracking="False" />`,
			annotationMoreRecords:  true,
			annotationTotalCount:   42,
		})
	})

	page, err := client.RetrieveMultiple(context.Background(), model.RowQuery{
		Entity:   "account",
		Query:    `<fetch><entity name="account"/></fetch>`,
		Page:     2,
		PageSize: 2,
		Cookie:   "<cookie/>",
	})
	if err != nil {
		t.Fatalf("RetrieveMultiple() error = %v", err)
	}
	if !strings.Contains(gotFetch, `page="2" count="2" paging-cookie="&lt;cookie/&gt;"`) {
		t.Errorf("fetchXml = %s", gotFetch)
	}
	if gotPrefer != `odata.include-annotations="*"` {
		t.Errorf("Prefer = %q", gotPrefer)
	}
	if len(page.Rows) != 2 || page.Rows[1]["name"] != "Fabrikam" {
		t.Errorf("rows = %v", page.Rows)
	}
	if page.Cookie != inner {
		t.Errorf("Cookie = %q, want %q", page.Cookie, inner)
	}
	if page.TotalCount != 42 {
		t.Errorf("TotalCount = %d, want 42", page.TotalCount)
	}
}

func TestClient_RetrieveMultiple_noMoreRecords(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"value":                []any{},
			annotationPagingCookie: `<cookie pagenumber="2" pagingcookie="x" />`,
			annotationMoreRecords:  false,
			annotationTotalCount:   -1,
		})
	})
	page, err := client.RetrieveMultiple(context.Background(), model.RowQuery{Entity: "account", Query: "<fetch/>", PageSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	if page.Cookie != "" {
		t.Errorf("Cookie = %q, want none on the last page", page.Cookie)
	}
	if page.TotalCount != model.UnknownTotal {
		t.Errorf("TotalCount = %d, want unknown", page.TotalCount)
	}
}

func TestClient_RetrieveMultiple_odata(t *testing.T) {
	var srvURL string
	var requests atomic.Int32
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		if !strings.Contains(r.Header.Get("Prefer"), "odata.maxpagesize=10") {
			t.Errorf("Prefer = %q", r.Header.Get("Prefer"))
		}
		if n == 1 {
			if r.URL.Query().Get("$select") != "name" || r.URL.Query().Get("$count") != "true" {
				t.Errorf("query = %q", r.URL.RawQuery)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"value":           []any{map[string]any{"contactid": "c1"}},
				"@odata.count":    11,
				"@odata.nextLink": srvURL + apiPath + "/contacts?$skiptoken=abc",
			})
			return
		}
		if r.URL.Query().Get("$skiptoken") != "abc" {
			t.Errorf("second request query = %q", r.URL.RawQuery)
		}
		writeJSON(w, http.StatusOK, map[string]any{"value": []any{map[string]any{"contactid": "c2"}}})
	})
	srvURL = srv.URL

	first, err := client.RetrieveMultiple(context.Background(), model.RowQuery{Entity: "contact", Query: "$select=name", PageSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	if first.TotalCount != 11 || !strings.HasSuffix(first.Cookie, "$skiptoken=abc") {
		t.Errorf("first page = %+v", first)
	}

	second, err := client.RetrieveMultiple(context.Background(), model.RowQuery{Entity: "contact", Query: "$select=name", PageSize: 10, Cookie: first.Cookie})
	if err != nil {
		t.Fatal(err)
	}
	if second.Cookie != "" || len(second.Rows) != 1 || second.Rows[0]["contactid"] != "c2" {
		t.Errorf("second page = %+v", second)
	}

	if _, err := client.RetrieveMultiple(context.Background(), model.RowQuery{Entity: "contact", PageSize: 10, Cookie: "https://evil.example.com/x"}); err == nil {
		t.Error("a next link outside the platform API must be rejected")
	}
}

func TestClient_InvokeAction_unbound(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != apiPath+"/new_Approve" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json; charset=utf-8" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["Comment"] != "ok" {
			t.Errorf("body = %v", body)
		}
		writeJSON(w, http.StatusOK, map[string]any{"Approved": true})
	})

	got, err := client.InvokeAction(context.Background(), "new_Approve", map[string]any{"Comment": "ok"})
	if err != nil {
		t.Fatal(err)
	}
	if got["Approved"] != true {
		t.Errorf("result = %v", got)
	}
}

func TestClient_InvokeAction_noContent(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	got, err := client.InvokeAction(context.Background(), "new_Touch", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("result = %v, want empty", got)
	}
}

const customAPIDoc = `{
  "openapi": "3.0.3",
  "info": {"title": "custom", "version": "1"},
  "paths": {
    "/accounts/{accountId}/recalculate": {
      "post": {
        "operationId": "new_Recalculate",
        "parameters": [
          {"name": "accountId", "in": "path", "required": true, "schema": {"type": "string"}},
          {"name": "dryRun", "in": "query", "schema": {"type": "boolean"}}
        ],
        "requestBody": {"content": {"application/json": {"schema": {"type": "object", "required": ["Mode"]}}}},
        "responses": {"200": {"description": "ok"}}
      }
    }
  }
}`

func TestClient_InvokeAction_openAPIBound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/custom/accounts/acc 1/recalculate" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("dryRun") != "true" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		if len(body) != 1 || body["Mode"] != "full" {
			t.Errorf("body = %s, want only Mode", raw)
		}
		writeJSON(w, http.StatusOK, map[string]any{"Updated": 3})
	}))
	t.Cleanup(srv.Close)

	idx := openapi.NewIndex()
	if err := idx.LoadData([]byte(customAPIDoc), "https://ignored.example.com"); err != nil {
		t.Fatal(err)
	}
	cfg := testPlatformConfig(srv.URL)
	cfg.CustomAPIBaseURL = srv.URL + "/custom"
	client := NewClient(cfg, WithOperations(idx))

	got, err := client.InvokeAction(context.Background(), "new_Recalculate", map[string]any{
		"accountId": "acc 1",
		"dryRun":    true,
		"Mode":      "full",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got["Updated"] != float64(3) {
		t.Errorf("result = %v", got)
	}

	_, err = client.InvokeAction(context.Background(), "new_Recalculate", map[string]any{"accountId": "a"})
	if err == nil || !strings.Contains(err.Error(), "Mode") {
		t.Errorf("missing parameter error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, the invalid invocation must not reach the platform", calls.Load())
	}
}

func TestClient_DeleteRecord(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != apiPath+"/opportunities(abc)" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := client.DeleteRecord(context.Background(), "opportunity", "abc"); err != nil {
		t.Fatal(err)
	}
}

func TestClient_ExecuteWorkflow(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != apiPath+"/workflows(wf-1)/Microsoft.Dynamics.CRM.ExecuteWorkflow" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["EntityId"] != "rec-1" {
			t.Errorf("body = %v", body)
		}
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	if err := client.ExecuteWorkflow(context.Background(), "wf-1", "rec-1"); err != nil {
		t.Fatal(err)
	}
}

func TestClient_headers(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Correlation-Id") != "corr-1" {
			t.Errorf("X-Correlation-Id = %q", r.Header.Get("X-Correlation-Id"))
		}
		if r.Header.Get("OData-Version") != "4.0" {
			t.Errorf("OData-Version = %q", r.Header.Get("OData-Version"))
		}
		if r.Header.Get("Traceparent") != "00-trace-span-01" {
			t.Errorf("Traceparent = %q", r.Header.Get("Traceparent"))
		}
		w.WriteHeader(http.StatusNoContent)
	}, WithToken("secret\r\n"), WithHeaderInjector(func(_ context.Context, h http.Header) {
		h.Set("Traceparent", "00-trace-span-01")
	}))

	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{CorrelationID: "corr-1"})
	if err := client.DeleteRecord(ctx, "account", "x"); err != nil {
		t.Fatal(err)
	}
}

func TestClient_platformErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]any{"code": "0x80040217", "message": "account With Id = x Does Not Exist"},
		})
	})
	err := client.DeleteRecord(context.Background(), "account", "x")
	var pe *PlatformError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *PlatformError", err)
	}
	if pe.Status != 404 || pe.Code != "0x80040217" || !strings.Contains(pe.Error(), "Does Not Exist") {
		t.Errorf("PlatformError = %+v", pe)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, client errors are final", calls.Load())
	}
	if client.Breaker().State() != BreakerClosed {
		t.Error("client errors must not count against the breaker")
	}
}

func TestClient_retriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	obs := &recordingBackend{}
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"value": []any{}})
	}, WithObserver(obs))

	if _, err := client.RetrieveMultiple(context.Background(), model.RowQuery{Entity: "account", PageSize: 5}); err != nil {
		t.Fatalf("RetrieveMultiple() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.calls) != 3 || obs.calls[2].Attempt != 3 || obs.calls[2].Status != 200 {
		t.Errorf("observed calls = %+v", obs.calls)
	}
}

func TestClient_postNotRetriedWhenIdempotentOnly(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	if _, err := client.InvokeAction(context.Background(), "new_Approve", nil); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, POST must not be retried", calls.Load())
	}
}

func TestClient_breakerOpens(t *testing.T) {
	obs := &recordingBackend{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	cfg := testPlatformConfig(srv.URL)
	cfg.Retry.MaxAttempts = 1
	cfg.CircuitBreaker = config.CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Minute}
	client := NewClient(cfg, WithObserver(obs))

	for range 2 {
		_ = client.DeleteRecord(context.Background(), "account", "x")
	}
	err := client.DeleteRecord(context.Background(), "account", "x")
	if !model.IsCode(err, model.ErrBackendUnavailable) {
		t.Errorf("error = %v, want BACKEND_UNAVAILABLE", err)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.states) != 1 || obs.states[0] != BreakerOpen {
		t.Errorf("breaker transitions = %v", obs.states)
	}
}

func TestClient_EntitySet(t *testing.T) {
	client := NewClient(testPlatformConfig("http://x"), WithEntitySets(map[string]string{"systemuser": "systemusers", "new_thing": "new_thingset"}))
	tests := map[string]string{
		"account":     "accounts",
		"opportunity": "opportunities",
		"address":     "addresses",
		"journey":     "journeys",
		"new_thing":   "new_thingset",
	}
	for entity, want := range tests {
		if got := client.EntitySet(entity); got != want {
			t.Errorf("EntitySet(%q) = %q, want %q", entity, got, want)
		}
	}
}

func TestBackoff(t *testing.T) {
	cfg := config.RetryConfig{BackoffInitial: 100 * time.Millisecond, BackoffMultiplier: 2, BackoffMax: 300 * time.Millisecond}
	for attempt, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 300 * time.Millisecond, 6: 300 * time.Millisecond} {
		if got := backoff(cfg, attempt); got != want {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}
