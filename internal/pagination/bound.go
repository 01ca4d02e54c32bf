package pagination

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/datagrid/model"
)

// BoundSource exposes a host dataset. Paging and refresh are delegated to
// the host; the source guards against overlapping page moves and converts
// host records.
//
// Refresh bumps the generation. A page move that completes under an older
// generation leaves page, error and loading state to the refresh.
type BoundSource struct {
	host     model.HostDataset
	observer FetchObserver

	mu         sync.Mutex
	generation uint64
	inFlight   bool
	page       int
	lastErr    string
}

// NewBoundSource wraps host.
func NewBoundSource(host model.HostDataset, opts ...Option) *BoundSource {
	o := buildOptions(opts)
	return &BoundSource{host: host, observer: o.observer, page: 1}
}

// Snapshot reads the host dataset. Formatted values are exposed under the
// column name and raw values under "<name>_raw".
func (s *BoundSource) Snapshot() model.PageResult {
	s.mu.Lock()
	inFlight, page, lastErr := s.inFlight, s.page, s.lastErr
	s.mu.Unlock()

	paging := s.host.Paging()
	res := model.PageResult{
		Columns:          s.host.Columns(),
		Loading:          inFlight || s.host.Loading(),
		TotalRecordCount: paging.TotalResultCount(),
		HasNextPage:      paging.HasNextPage(),
		HasPreviousPage:  paging.HasPreviousPage(),
		Page:             page,
	}
	if res.TotalRecordCount < 0 {
		res.TotalRecordCount = model.UnknownTotal
	}

	res.Error = s.host.Error()
	if res.Error == "" {
		res.Error = lastErr
	}
	if res.Error != "" {
		res.Loading = false
		return res
	}

	entity := s.host.EntityName()
	ids := s.host.SortedRecordIDs()
	res.Records = make([]model.Record, 0, len(ids))
	for _, id := range ids {
		hr, ok := s.host.Record(id)
		if !ok {
			continue
		}
		values := make(map[string]any, 2*len(res.Columns))
		for _, c := range res.Columns {
			values[c.Name] = hr.FormattedValue(c.Name)
			values[c.Name+model.RawSuffix] = hr.RawValue(c.Name)
		}
		res.Records = append(res.Records, model.Record{ID: hr.ID(), EntityName: entity, Values: values})
	}
	return res
}

// LoadNextPage asks the host for the next page.
func (s *BoundSource) LoadNextPage(ctx context.Context) {
	s.move(ctx, 1, model.HostPaging.HasNextPage, model.HostPaging.LoadNextPage)
}

// LoadPreviousPage asks the host for the previous page.
func (s *BoundSource) LoadPreviousPage(ctx context.Context) {
	s.move(ctx, -1, model.HostPaging.HasPreviousPage, model.HostPaging.LoadPreviousPage)
}

// Refresh asks the host to reload, superseding a page move in flight.
func (s *BoundSource) Refresh(ctx context.Context) {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.inFlight = true
	s.mu.Unlock()

	start := time.Now()
	err := s.host.Refresh(ctx)
	s.observer.OnFetch(ModeBound, s.host.EntityName(), 1, time.Since(start), err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		s.observer.OnStale(ModeBound, s.host.EntityName())
		return
	}
	s.inFlight = false
	s.page = 1
	s.lastErr = errText(err)
}

func (s *BoundSource) move(
	ctx context.Context,
	delta int,
	allowed func(model.HostPaging) bool,
	load func(model.HostPaging, context.Context) error,
) {
	s.mu.Lock()
	paging := s.host.Paging()
	if s.inFlight || s.host.Loading() || !allowed(paging) {
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	gen := s.generation
	page := s.page + delta
	s.mu.Unlock()

	start := time.Now()
	err := load(paging, ctx)
	s.observer.OnFetch(ModeBound, s.host.EntityName(), page, time.Since(start), err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		s.observer.OnStale(ModeBound, s.host.EntityName())
		return
	}
	s.inFlight = false
	s.lastErr = errText(err)
	if err == nil {
		s.page = max(1, page)
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
