package invoker

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/pitabwire/datagrid/internal/pagination"
	"github.com/pitabwire/datagrid/model"
)

const formattedSuffix = "@OData.Community.Display.V1.FormattedValue"

// PagedEndpoint describes a page/page_size HTTP collection.
type PagedEndpoint struct {
	Entity string
	// Path is relative to the platform base URL unless absolute.
	Path string
	// ItemsPath and TotalPath are dot-separated paths into the response.
	// An empty ItemsPath means the response body is the item array under
	// "items".
	ItemsPath string
	TotalPath string
	IDField   string
	PageSize  int
}

// PagedDataset is a host dataset over a PagedEndpoint. Next pages are
// appended to the records already loaded; a previous-page move or refresh
// replaces them.
//
// A page move is ignored while another load runs. Refresh always starts
// and supersedes whatever is in flight: responses of older loads are
// dropped.
type PagedDataset struct {
	client   *Client
	endpoint PagedEndpoint

	mu         sync.RWMutex
	generation uint64
	page       int
	total   int
	more    bool
	loading bool
	err     string
	columns []model.Column
	ids     []string
	rows    map[string]map[string]any
}

// NewPagedDataset creates a dataset. Nothing is fetched until Refresh.
func NewPagedDataset(client *Client, ep PagedEndpoint) *PagedDataset {
	if ep.PageSize <= 0 {
		ep.PageSize = model.DefaultPageSize
	}
	if ep.IDField == "" {
		ep.IDField = "id"
	}
	if ep.ItemsPath == "" {
		ep.ItemsPath = "items"
	}
	return &PagedDataset{
		client:   client,
		endpoint: ep,
		total:    model.UnknownTotal,
		rows:     make(map[string]map[string]any),
	}
}

// EntityName implements model.HostDataset.
func (d *PagedDataset) EntityName() string { return d.endpoint.Entity }

// Columns implements model.HostDataset.
func (d *PagedDataset) Columns() []model.Column {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]model.Column(nil), d.columns...)
}

// SortedRecordIDs implements model.HostDataset.
func (d *PagedDataset) SortedRecordIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.ids...)
}

// Record implements model.HostDataset.
func (d *PagedDataset) Record(id string) (model.HostRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	row, ok := d.rows[id]
	if !ok {
		return nil, false
	}
	return pagedRecord{id: id, row: row}, true
}

// Paging implements model.HostDataset.
func (d *PagedDataset) Paging() model.HostPaging { return pagedPaging{d} }

// Loading implements model.HostDataset.
func (d *PagedDataset) Loading() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loading
}

// Error implements model.HostDataset.
func (d *PagedDataset) Error() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.err
}

type loadKind int

const (
	loadRefresh loadKind = iota
	loadNext
	loadPrevious
)

// Refresh reloads page 1.
func (d *PagedDataset) Refresh(ctx context.Context) error {
	return d.load(ctx, loadRefresh)
}

func (d *PagedDataset) load(ctx context.Context, kind loadKind) error {
	d.mu.Lock()
	if kind != loadRefresh && d.loading {
		d.mu.Unlock()
		return nil
	}
	page := 1
	switch kind {
	case loadRefresh:
		d.generation++
	case loadNext:
		page = d.page + 1
	case loadPrevious:
		page = max(d.page-1, 1)
	}
	gen := d.generation
	d.loading = true
	d.mu.Unlock()

	rows, total, err := d.fetch(ctx, page)

	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.generation {
		return nil
	}
	d.loading = false
	if err != nil {
		d.err = err.Error()
		return err
	}
	d.err = ""
	if kind != loadNext {
		d.ids = d.ids[:0]
		clear(d.rows)
	}
	if d.columns == nil && len(rows) > 0 {
		d.columns = pagination.InferColumns(rows[0], d.endpoint.IDField)
	}
	for i, row := range rows {
		id := fmt.Sprint(row[d.endpoint.IDField])
		if row[d.endpoint.IDField] == nil {
			id = d.endpoint.Entity + "-" + strconv.Itoa((page-1)*d.endpoint.PageSize+i)
		}
		if _, dup := d.rows[id]; dup {
			continue
		}
		d.ids = append(d.ids, id)
		d.rows[id] = row
	}
	d.page = page
	d.total = total
	if total >= 0 {
		d.more = page*d.endpoint.PageSize < total
	} else {
		d.more = len(rows) >= d.endpoint.PageSize
	}
	return nil
}

func (d *PagedDataset) fetch(ctx context.Context, page int) ([]map[string]any, int, error) {
	ep := d.endpoint
	base := ep.Path
	if !strings.Contains(base, "://") {
		base = strings.TrimSuffix(d.client.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(base, "/")
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(ep.PageSize))
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}

	var body map[string]any
	if _, err := d.client.do(ctx, "PagedDataset", "GET", base+sep+q.Encode(), nil, nil, &body); err != nil {
		return nil, 0, err
	}
	items := toMapSlice(extractPath(body, ep.ItemsPath))
	total := model.UnknownTotal
	if ep.TotalPath != "" {
		if v, ok := extractPath(body, ep.TotalPath).(float64); ok {
			total = int(v)
		}
	}
	return items, total, nil
}

type pagedPaging struct{ d *PagedDataset }

func (p pagedPaging) HasNextPage() bool {
	p.d.mu.RLock()
	defer p.d.mu.RUnlock()
	return p.d.more
}

func (p pagedPaging) HasPreviousPage() bool {
	p.d.mu.RLock()
	defer p.d.mu.RUnlock()
	return p.d.page > 1
}

func (p pagedPaging) TotalResultCount() int {
	p.d.mu.RLock()
	defer p.d.mu.RUnlock()
	return p.d.total
}

func (p pagedPaging) LoadNextPage(ctx context.Context) error {
	return p.d.load(ctx, loadNext)
}

func (p pagedPaging) LoadPreviousPage(ctx context.Context) error {
	return p.d.load(ctx, loadPrevious)
}

type pagedRecord struct {
	id  string
	row map[string]any
}

func (r pagedRecord) ID() string { return r.id }

func (r pagedRecord) FormattedValue(column string) string {
	if s, ok := r.row[column+formattedSuffix].(string); ok {
		return s
	}
	switch v := r.row[column].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (r pagedRecord) RawValue(column string) any { return r.row[column] }

// extractPath navigates a dot-separated path in a map.
func extractPath(data map[string]any, path string) any {
	if path == "" || data == nil {
		return nil
	}
	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// toMapSlice converts a decoded JSON array of objects.
func toMapSlice(v any) []map[string]any {
	slice, ok := v.([]any)
	if !ok {
		return nil
	}
	result := make([]map[string]any, 0, len(slice))
	for _, item := range slice {
		if m, ok := item.(map[string]any); ok {
			result = append(result, m)
		}
	}
	return result
}
