package pagination

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/datagrid/model"
)

// QueryConfig identifies the query a QueryFetchSource pages.
type QueryConfig struct {
	Entity    string
	EntitySet string
	Query     string
	// Override replaces Query when non-empty.
	Override string
	IDField  string
}

// QueryFetchSource pages a declarative query through a RowQueryer, carrying
// the paging cookie from one page to the next and appending records.
//
// Every fetch is tagged with the generation current when it started.
// Refresh and LoadPreviousPage bump the generation, so responses that
// arrive afterwards for older requests are discarded.
type QueryFetchSource struct {
	queryer  model.RowQueryer
	cfg      QueryConfig
	pageSize int
	observer FetchObserver

	mu         sync.Mutex
	generation uint64
	cookie     string
	seen       map[string]struct{}
	state      model.PageResult
}

// NewQueryFetchSource creates a source for cfg. It holds no records until
// Refresh is called.
func NewQueryFetchSource(queryer model.RowQueryer, cfg QueryConfig, opts ...Option) *QueryFetchSource {
	o := buildOptions(opts)
	if cfg.IDField == "" {
		cfg.IDField = cfg.Entity + "id"
	}
	return &QueryFetchSource{
		queryer:  queryer,
		cfg:      cfg,
		pageSize: o.pageSize,
		observer: o.observer,
		seen:     make(map[string]struct{}),
		state:    model.PageResult{TotalRecordCount: model.UnknownTotal},
	}
}

// Query returns the effective query text.
func (s *QueryFetchSource) Query() string {
	if s.cfg.Override != "" {
		return s.cfg.Override
	}
	return s.cfg.Query
}

// PageSize returns the configured page size.
func (s *QueryFetchSource) PageSize() int { return s.pageSize }

// Snapshot returns a copy of the current state.
func (s *QueryFetchSource) Snapshot() model.PageResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneResult(s.state)
}

// LoadNextPage fetches the page after the current one with the stored
// cookie and appends its records.
func (s *QueryFetchSource) LoadNextPage(ctx context.Context) {
	s.mu.Lock()
	if s.state.Loading || !s.state.HasNextPage {
		s.mu.Unlock()
		return
	}
	s.state.Loading = true
	gen := s.generation
	page := s.state.Page + 1
	cookie := s.cookie
	s.mu.Unlock()

	s.fetch(ctx, gen, page, cookie, true)
}

// LoadPreviousPage re-fetches pages 1 through page-1 from scratch. The
// cookie only moves forward, so this costs one request per page. Loading
// stays set across the whole restart.
func (s *QueryFetchSource) LoadPreviousPage(ctx context.Context) {
	s.mu.Lock()
	if s.state.Loading || s.state.Page <= 1 {
		s.mu.Unlock()
		return
	}
	target := s.state.Page - 1
	gen := s.reset()
	s.mu.Unlock()

	cookie := ""
	for page := 1; page <= target; page++ {
		next, ok := s.fetch(ctx, gen, page, cookie, page == target)
		if !ok {
			return
		}
		cookie = next
	}
}

// Refresh discards all records and loads page 1 without a cookie.
func (s *QueryFetchSource) Refresh(ctx context.Context) {
	s.mu.Lock()
	gen := s.reset()
	s.mu.Unlock()

	s.fetch(ctx, gen, 1, "", true)
}

// reset clears the state for a fresh load and returns the new generation.
// Callers hold s.mu.
func (s *QueryFetchSource) reset() uint64 {
	s.generation++
	s.cookie = ""
	clear(s.seen)
	s.state = model.PageResult{
		Columns:          s.state.Columns,
		Loading:          true,
		TotalRecordCount: model.UnknownTotal,
	}
	return s.generation
}

// fetch requests one page and applies it if gen is still current. It
// returns the cookie for the following page and whether the caller should
// continue. Unless final is set, a page that has a successor keeps the
// source loading.
func (s *QueryFetchSource) fetch(ctx context.Context, gen uint64, page int, cookie string, final bool) (string, bool) {
	start := time.Now()
	res, err := s.queryer.RetrieveMultiple(ctx, model.RowQuery{
		Entity:    s.cfg.Entity,
		EntitySet: s.cfg.EntitySet,
		Query:     s.Query(),
		Page:      page,
		PageSize:  s.pageSize,
		Cookie:    cookie,
	})
	s.observer.OnFetch(ModeQuery, s.cfg.Entity, page, time.Since(start), err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		s.observer.OnStale(ModeQuery, s.cfg.Entity)
		return "", false
	}

	if err != nil {
		s.state.Records = nil
		s.state.Error = err.Error()
		s.state.Loading = false
		s.state.HasNextPage = false
		clear(s.seen)
		return "", false
	}

	if s.state.Columns == nil && len(res.Rows) > 0 {
		s.state.Columns = InferColumns(res.Rows[0], s.cfg.IDField)
	}
	for i, row := range res.Rows {
		rec := toRecord(row, s.cfg.Entity, s.cfg.IDField, (page-1)*s.pageSize+i)
		if _, dup := s.seen[rec.ID]; dup {
			continue
		}
		s.seen[rec.ID] = struct{}{}
		s.state.Records = append(s.state.Records, rec)
	}

	s.cookie = res.Cookie
	s.state.Page = page
	s.state.Error = ""
	s.state.HasNextPage = len(res.Rows) >= s.pageSize
	s.state.HasPreviousPage = page > 1
	s.state.Loading = !final && s.state.HasNextPage
	if res.TotalCount > 0 {
		s.state.TotalRecordCount = res.TotalCount
	} else {
		s.state.TotalRecordCount = model.UnknownTotal
	}
	return res.Cookie, s.state.Loading || final
}
