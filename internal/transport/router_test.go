package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pitabwire/datagrid/internal/config"
	"github.com/pitabwire/datagrid/internal/definition"
	"github.com/pitabwire/datagrid/internal/metadata"
	"github.com/pitabwire/datagrid/internal/output"
	"github.com/pitabwire/datagrid/internal/session"
	"github.com/pitabwire/datagrid/model"
)

type pageQueryer struct{ total int }

func (q pageQueryer) RetrieveMultiple(_ context.Context, rq model.RowQuery) (model.RowPage, error) {
	var rows []map[string]any
	for i := (rq.Page - 1) * rq.PageSize; i < rq.Page*rq.PageSize && i < q.total; i++ {
		rows = append(rows, map[string]any{
			"accountid": fmt.Sprintf("acc-%02d", i),
			"name":      fmt.Sprintf("Account %d", i),
		})
	}
	return model.RowPage{Rows: rows}, nil
}

type recordingPlatform struct {
	mu      sync.Mutex
	deleted []string
}

func (p *recordingPlatform) InvokeAction(context.Context, string, map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func (p *recordingPlatform) DeleteRecord(_ context.Context, _, id string) error {
	p.mu.Lock()
	p.deleted = append(p.deleted, id)
	p.mu.Unlock()
	return nil
}

func (p *recordingPlatform) ExecuteWorkflow(context.Context, string, string) error { return nil }

type testServer struct {
	handler  http.Handler
	platform *recordingPlatform
	sessions *session.Manager
}

// headerAuth trusts identity headers in place of a verified token.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test-Subject") == "" {
			WriteError(w, model.NewUnauthorizedError("no identity"))
			return
		}
		claims := map[string]any{
			"sub":       r.Header.Get("X-Test-Subject"),
			"tenant_id": "tenant-1",
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// headerPrivileges grants everything except to the "reader" and "stranger"
// subjects.
type headerPrivileges struct{}

func (headerPrivileges) Resolve(rctx *model.RequestContext) (model.PrivilegeSet, error) {
	if rctx.SubjectID == "reader" {
		return model.PrivilegeSet{"account:read": true}, nil
	}
	if rctx.SubjectID == "stranger" {
		return model.PrivilegeSet{}, nil
	}
	return model.PrivilegeSet{"*": true}, nil
}

func (headerPrivileges) Invalidate(string, string) {}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	pageSize := 10
	defs, err := definition.NewRegistry(definition.Document{EntityConfigDocument: model.EntityConfigDocument{
		SchemaVersion: "1.0",
		Default: model.EntityConfig{
			PageSize:        &pageSize,
			EnabledCommands: []string{"open", "delete", "refresh"},
			DataSource:      &model.DataSourceConfig{Query: "<fetch/>"},
		},
	}})
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second

	ts := &testServer{platform: &recordingPlatform{}}
	ts.sessions = session.NewManager(config.SessionsConfig{MaxSessions: 10}, session.Dependencies{
		Definitions: defs,
		Queryer:     pageQueryer{total: 25},
		Platform:    ts.platform,
		Outputs:     output.NewMemoryStore(time.Hour),
	})
	ts.handler = NewRouter(Dependencies{
		Config:       cfg,
		Authenticate: headerAuth,
		Privileges:   headerPrivileges{},
		Descriptors:  metadata.NewDescriptorProvider(defs, metadata.NewCommandBarProvider()),
		Sessions:     ts.sessions,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, subject, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if subject != "" {
		req.Header.Set("X-Test-Subject", subject)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), "body: %s", w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[struct {
		Error model.ErrorEnvelope `json:"error"`
	}](t, w).Error.Code
}

func TestNewRouter_publicRoutes(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/ui/health", "/ui/ready"} {
		w := ts.do(t, "", http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := ts.do(t, "", http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "metrics are only served when a handler is given")
}

func TestNewRouter_authenticatedRoutes(t *testing.T) {
	ts := newTestServer(t)
	routes := []struct{ method, path string }{
		{http.MethodGet, "/ui/entities/account/descriptor"},
		{http.MethodPost, "/ui/views"},
		{http.MethodGet, "/ui/views/v1"},
		{http.MethodDelete, "/ui/views/v1"},
		{http.MethodPost, "/ui/views/v1/events"},
		{http.MethodGet, "/ui/views/v1/output"},
		{http.MethodPost, "/ui/views/v1/commands/delete"},
	}
	for _, rt := range routes {
		w := ts.do(t, "", rt.method, rt.path, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", rt.method, rt.path)
	}
}

func TestViewLifecycle(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "user-1", http.MethodPost, "/ui/views", map[string]any{"entity": "account"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	opened := decode[session.State](t, w)
	require.NotEmpty(t, opened.ViewID)
	assert.Equal(t, "/ui/views/"+opened.ViewID, w.Header().Get("Location"))
	base := "/ui/views/" + opened.ViewID

	w = ts.do(t, "user-1", http.MethodGet, base+"?wait=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[session.State](t, w)
	assert.Equal(t, 10, st.Layout.RecordCount)
	require.NotNil(t, st.Layout.Grid)

	w = ts.do(t, "user-1", http.MethodPost, base+"/events", map[string]any{"type": "toggle_selection", "id": "acc-03"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"acc-03"}, decode[session.State](t, w).Layout.SelectedIDs)

	w = ts.do(t, "user-1", http.MethodGet, base+"/output", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"acc-03"}, decode[model.ViewOutput](t, w).SelectedIDs)

	w = ts.do(t, "user-1", http.MethodGet, "/ui/entities/account/descriptor?view_id="+opened.ViewID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	desc := decode[metadata.ViewDescriptor](t, w)
	assert.NotEmpty(t, desc.Columns)
	for _, c := range desc.Commands {
		if c.Key == "delete" {
			assert.True(t, c.Enabled, "delete is enabled with a selection")
		}
	}

	w = ts.do(t, "user-1", http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, "user-1", http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, model.ErrNotFound, errorCode(t, w))
}

func TestCommand_confirmationRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "user-1", http.MethodPost, "/ui/views", map[string]any{"entity": "account"})
	require.Equal(t, http.StatusCreated, w.Code)
	base := "/ui/views/" + decode[session.State](t, w).ViewID

	require.Equal(t, http.StatusOK, ts.do(t, "user-1", http.MethodGet, base+"?wait=true", nil).Code)
	require.Equal(t, http.StatusOK, ts.do(t, "user-1", http.MethodPost, base+"/events", map[string]any{"type": "toggle_selection", "id": "acc-01"}).Code)

	type response struct {
		Status       string `json:"status"`
		Confirmation string `json:"confirmation"`
	}

	w = ts.do(t, "user-1", http.MethodPost, base+"/commands/delete", nil)
	require.Equal(t, http.StatusOK, w.Code)
	first := decode[response](t, w)
	assert.Equal(t, "confirmation_required", first.Status)
	assert.Equal(t, "Delete 1 selected items?", first.Confirmation)
	assert.Empty(t, ts.platform.deleted)

	w = ts.do(t, "user-1", http.MethodPost, base+"/commands/delete", map[string]any{"confirmed": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "executed", decode[response](t, w).Status)
	assert.Equal(t, []string{"acc-01"}, ts.platform.deleted)

	w = ts.do(t, "user-1", http.MethodPost, base+"/commands/launch", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestViews_areScopedToTheirOwner(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "user-1", http.MethodPost, "/ui/views", map[string]any{"entity": "account"})
	require.Equal(t, http.StatusCreated, w.Code)
	base := "/ui/views/" + decode[session.State](t, w).ViewID

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		w = ts.do(t, "user-2", method, base, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, method)
	}
	assert.Equal(t, 1, ts.sessions.Len())
}

func TestOpenView_errors(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "stranger", http.MethodPost, "/ui/views", map[string]any{"entity": "account"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, "user-1", http.MethodPost, "/ui/views", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, "user-1", http.MethodPost, "/ui/views", map[string]any{"entity": "account", "view_mode": "table"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, "stranger", http.MethodGet, "/ui/entities/account/descriptor", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestViewEvent_rejectsUnknownEvents(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "reader", http.MethodPost, "/ui/views", map[string]any{"entity": "account"})
	require.Equal(t, http.StatusCreated, w.Code)
	base := "/ui/views/" + decode[session.State](t, w).ViewID

	w = ts.do(t, "reader", http.MethodPost, base+"/events", map[string]any{"type": "teleport"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, "reader", http.MethodPost, base+"/events", map[string]any{"type": "click"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "click needs an id")
}

func TestCommand_privilegesDisable(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "reader", http.MethodPost, "/ui/views", map[string]any{"entity": "account"})
	require.Equal(t, http.StatusCreated, w.Code)
	base := "/ui/views/" + decode[session.State](t, w).ViewID

	require.Equal(t, http.StatusOK, ts.do(t, "reader", http.MethodGet, base+"?wait=true", nil).Code)
	require.Equal(t, http.StatusOK, ts.do(t, "reader", http.MethodPost, base+"/events", map[string]any{"type": "select_all"}).Code)

	w = ts.do(t, "reader", http.MethodPost, base+"/commands/delete", map[string]any{"confirmed": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "disabled", decode[struct {
		Status string `json:"status"`
	}](t, w).Status)
	assert.Empty(t, ts.platform.deleted)
}

func TestCommand_recordsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	ts := newTestServer(t)
	w := ts.do(t, "user-1", http.MethodPost, "/ui/views", map[string]any{"entity": "account"})
	require.Equal(t, http.StatusCreated, w.Code)
	viewID := decode[session.State](t, w).ViewID
	require.Equal(t, http.StatusOK, ts.do(t, "user-1", http.MethodPost, "/ui/views/"+viewID+"/commands/refresh", nil).Code)

	attrs := map[string]map[string]string{}
	for _, s := range exporter.GetSpans() {
		m := make(map[string]string)
		for _, a := range s.Attributes {
			m[string(a.Key)] = a.Value.Emit()
		}
		attrs[s.Name] = m
	}
	require.Contains(t, attrs, "view.open")
	assert.Equal(t, "tenant-1", attrs["view.open"]["datagrid.tenant_id"])
	assert.Equal(t, viewID, attrs["view.open"]["datagrid.view_id"])

	require.Contains(t, attrs, "view.command")
	assert.Equal(t, "refresh", attrs["view.command"]["datagrid.command"])
	assert.Equal(t, "executed", attrs["view.command"]["datagrid.command.status"])
	assert.Equal(t, "account", attrs["view.command"]["datagrid.entity"])
}
