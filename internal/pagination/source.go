// Package pagination adapts the two record sources a view can read from to
// one paging contract: a host-bound dataset whose paging the host owns, and
// a query-fetch source that pages a declarative query with a paging cookie.
//
// Sources never return fetch errors to their callers. A failed fetch clears
// the records, stores the error text in the snapshot and stops loading.
package pagination

import (
	"context"
	"time"

	"github.com/pitabwire/datagrid/model"
)

// Source modes reported to observers.
const (
	ModeBound = "bound"
	ModeQuery = "query"
)

// Source is a paged record source. All methods are safe for concurrent use.
type Source interface {
	// Snapshot returns the current records and paging state.
	Snapshot() model.PageResult
	// LoadNextPage appends the next page. It is a no-op while loading or
	// when no next page exists.
	LoadNextPage(ctx context.Context)
	// LoadPreviousPage moves back one page. It is a no-op on the first page.
	LoadPreviousPage(ctx context.Context)
	// Refresh reloads from the first page, superseding any fetch in flight.
	Refresh(ctx context.Context)
}

// FetchObserver is notified about page fetches.
type FetchObserver interface {
	OnFetch(mode, entity string, page int, d time.Duration, err error)
	// OnStale is called when a response arrives after a refresh superseded
	// the request and is discarded.
	OnStale(mode, entity string)
}

// Option configures a source.
type Option func(*options)

type options struct {
	observer FetchObserver
	pageSize int
}

// WithObserver sets the fetch observer.
func WithObserver(o FetchObserver) Option {
	return func(opts *options) { opts.observer = o }
}

// WithPageSize sets the page size. Values below 1 keep the default.
func WithPageSize(n int) Option {
	return func(opts *options) {
		if n > 0 {
			opts.pageSize = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{pageSize: model.DefaultPageSize, observer: nopObserver{}}
	for _, fn := range opts {
		fn(&o)
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	return o
}

type nopObserver struct{}

func (nopObserver) OnFetch(string, string, int, time.Duration, error) {}
func (nopObserver) OnStale(string, string)                            {}

func cloneResult(p model.PageResult) model.PageResult {
	out := p
	out.Records = append([]model.Record(nil), p.Records...)
	out.Columns = append([]model.Column(nil), p.Columns...)
	return out
}
