package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Platform operations recorded by the mock.
const (
	OpRetrieveMultiple = "RetrieveMultiple"
	OpDeleteRecord     = "DeleteRecord"
	OpInvokeAction     = "InvokeAction"
	OpPagedDataset     = "PagedDataset"
)

const apiPath = "/api/data/v9.2"

const (
	annotationPagingCookie = "@Microsoft.Dynamics.CRM.fetchxmlpagingcookie"
	annotationMoreRecords  = "@Microsoft.Dynamics.CRM.morerecords"
	annotationTotalCount   = "@Microsoft.Dynamics.CRM.totalrecordcount"
)

var (
	fetchPageAttr  = regexp.MustCompile(`<fetch\b[^>]*\bpage="(\d+)"`)
	fetchCountAttr = regexp.MustCompile(`<fetch\b[^>]*\bcount="(\d+)"`)
	recordPath     = regexp.MustCompile(`^([A-Za-z_]+)\((.+)\)$`)
)

// MockPlatform simulates the platform Web API and a page/page_size REST
// collection. Tables are seeded per entity set; every request is recorded
// per operation so tests can assert on what the server sent.
type MockPlatform struct {
	server *httptest.Server

	mu       sync.Mutex
	tables   map[string][]map[string]any
	contacts []map[string]any
	failures map[string]*injectedFailure
	delays   map[string]time.Duration
	received map[string][]*RecordedRequest
}

// RecordedRequest captures one request received by the mock.
type RecordedRequest struct {
	Method  string
	Path    string
	Query   url.Values
	Headers http.Header
	Body    map[string]any
}

type injectedFailure struct {
	status int
	// remaining is the number of failures left; negative fails forever.
	remaining int
}

func newMockPlatform(t *testing.T) *MockPlatform {
	t.Helper()
	mp := &MockPlatform{
		tables:   make(map[string][]map[string]any),
		failures: make(map[string]*injectedFailure),
		delays:   make(map[string]time.Duration),
		received: make(map[string][]*RecordedRequest),
	}
	mp.server = httptest.NewServer(http.HandlerFunc(mp.serve))
	t.Cleanup(mp.server.Close)
	return mp
}

// URL returns the base URL of the mock.
func (mp *MockPlatform) URL() string {
	return mp.server.URL
}

// SeedAccounts fills the accounts table with n rows acc-00, acc-01, ...
func (mp *MockPlatform) SeedAccounts(n int) {
	rows := make([]map[string]any, n)
	for i := range n {
		rows[i] = AccountFixture(i)
	}
	mp.mu.Lock()
	mp.tables["accounts"] = rows
	mp.mu.Unlock()
}

// SeedContacts fills the contacts collection with n rows.
func (mp *MockPlatform) SeedContacts(n int) {
	rows := make([]map[string]any, n)
	for i := range n {
		rows[i] = map[string]any{
			"contactid": fmt.Sprintf("con-%02d", i),
			"fullname":  fmt.Sprintf("Contact %02d", i),
			"email":     fmt.Sprintf("contact%02d@example.com", i),
		}
	}
	mp.mu.Lock()
	mp.contacts = rows
	mp.mu.Unlock()
}

// Rows returns a copy of the rows left in an entity set.
func (mp *MockPlatform) Rows(set string) []map[string]any {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return append([]map[string]any(nil), mp.tables[set]...)
}

// FailWith makes the next times calls of op answer with status. A times of
// zero or less fails every call until ClearFailures.
func (mp *MockPlatform) FailWith(op string, status, times int) {
	if times <= 0 {
		times = -1
	}
	mp.mu.Lock()
	mp.failures[op] = &injectedFailure{status: status, remaining: times}
	mp.mu.Unlock()
}

// Delay holds every call of op for d before answering.
func (mp *MockPlatform) Delay(op string, d time.Duration) {
	mp.mu.Lock()
	mp.delays[op] = d
	mp.mu.Unlock()
}

// ClearFailures removes injected failures and delays.
func (mp *MockPlatform) ClearFailures() {
	mp.mu.Lock()
	mp.failures = make(map[string]*injectedFailure)
	mp.delays = make(map[string]time.Duration)
	mp.mu.Unlock()
}

// Requests returns the requests recorded for op.
func (mp *MockPlatform) Requests(op string) []*RecordedRequest {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return append([]*RecordedRequest(nil), mp.received[op]...)
}

// LastRequest returns the last request recorded for op, or nil.
func (mp *MockPlatform) LastRequest(op string) *RecordedRequest {
	reqs := mp.Requests(op)
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AssertCalled verifies op was called count times.
func (mp *MockPlatform) AssertCalled(t *testing.T, op string, count int) {
	t.Helper()
	if got := len(mp.Requests(op)); got != count {
		t.Errorf("platform operation %s called %d times, want %d", op, got, count)
	}
}

func (mp *MockPlatform) serve(w http.ResponseWriter, r *http.Request) {
	op, target := classify(r)
	if op == "" {
		writeJSON(w, http.StatusNotFound, platformError("0x80060888", "Resource not found for the segment '"+r.URL.Path+"'."))
		return
	}
	mp.record(op, r)

	if status, delay := mp.injected(op); status != 0 || delay > 0 {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			writeJSON(w, status, platformError("0x80040216", "injected failure"))
			return
		}
	}

	switch op {
	case OpRetrieveMultiple:
		mp.retrieveMultiple(w, r, target)
	case OpDeleteRecord:
		mp.deleteRecord(w, target)
	case OpInvokeAction:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "action": target})
	case OpPagedDataset:
		mp.pagedContacts(w, r)
	}
}

// classify maps a request to its platform operation and target (entity
// set, record path or action name).
func classify(r *http.Request) (op, target string) {
	if r.URL.Path == "/api/contacts" && r.Method == http.MethodGet {
		return OpPagedDataset, "contacts"
	}
	rest, ok := strings.CutPrefix(r.URL.Path, apiPath+"/")
	if !ok || rest == "" {
		return "", ""
	}
	switch r.Method {
	case http.MethodGet:
		return OpRetrieveMultiple, rest
	case http.MethodDelete:
		if recordPath.MatchString(rest) {
			return OpDeleteRecord, rest
		}
	case http.MethodPost:
		return OpInvokeAction, rest
	}
	return "", ""
}

func (mp *MockPlatform) record(op string, r *http.Request) {
	rec := &RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.Query(),
		Headers: r.Header.Clone(),
	}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		_ = json.Unmarshal(data, &rec.Body)
	}
	mp.mu.Lock()
	mp.received[op] = append(mp.received[op], rec)
	mp.mu.Unlock()
}

func (mp *MockPlatform) injected(op string) (status int, delay time.Duration) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	delay = mp.delays[op]
	f, ok := mp.failures[op]
	if !ok || f.remaining == 0 {
		return 0, delay
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.status, delay
}

func (mp *MockPlatform) retrieveMultiple(w http.ResponseWriter, r *http.Request, set string) {
	fetchXML := r.URL.Query().Get("fetchXml")
	page := attrInt(fetchPageAttr, fetchXML, 1)
	count := attrInt(fetchCountAttr, fetchXML, 50)

	mp.mu.Lock()
	rows := mp.tables[set]
	mp.mu.Unlock()

	start := min((page-1)*count, len(rows))
	end := min(start+count, len(rows))
	more := end < len(rows)

	body := map[string]any{
		"value":               rows[start:end],
		annotationTotalCount:  len(rows),
		annotationMoreRecords: more,
	}
	if more {
		last := rows[end-1]["accountid"]
		cookie := fmt.Sprintf(`<cookie page="%d"><accountid last="%v" /></cookie>`, page, last)
		body[annotationPagingCookie] = fmt.Sprintf(`<cookie pagenumber="%d" pagingcookie="%s" istracking="False" />`,
			page+1, url.QueryEscape(url.QueryEscape(cookie)))
	}
	writeJSON(w, http.StatusOK, body)
}

func (mp *MockPlatform) deleteRecord(w http.ResponseWriter, target string) {
	m := recordPath.FindStringSubmatch(target)
	set, id := m[1], m[2]
	idField := strings.TrimSuffix(set, "s") + "id"

	mp.mu.Lock()
	defer mp.mu.Unlock()
	rows := mp.tables[set]
	for i, row := range rows {
		if row[idField] == id {
			mp.tables[set] = append(rows[:i:i], rows[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, platformError("0x80040217", fmt.Sprintf("%s With Id = %s Does Not Exist", set, id)))
}

func (mp *MockPlatform) pagedContacts(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	page, size = max(page, 1), max(size, 1)

	mp.mu.Lock()
	rows := mp.contacts
	mp.mu.Unlock()

	start := min((page-1)*size, len(rows))
	end := min(start+size, len(rows))
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"items": rows[start:end]},
		"meta": map[string]any{"total": len(rows)},
	})
}

func attrInt(re *regexp.Regexp, s string, fallback int) int {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return fallback
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func platformError(code, message string) map[string]any {
	return map[string]any{"error": map[string]any{"code": code, "message": message}}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; odata.metadata=minimal")
	w.Header().Set("OData-Version", "4.0")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
