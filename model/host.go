package model

import "context"

// HostDataset is a dataset whose paging is owned by its host. The bound
// pagination source reads it and delegates page moves and refresh to it.
type HostDataset interface {
	EntityName() string
	Columns() []Column
	SortedRecordIDs() []string
	Record(id string) (HostRecord, bool)
	Paging() HostPaging
	Loading() bool
	// Error returns the host's current error text, "" when healthy.
	Error() string
	Refresh(ctx context.Context) error
}

// HostRecord exposes one record of a host dataset.
type HostRecord interface {
	ID() string
	FormattedValue(column string) string
	RawValue(column string) any
}

// HostPaging is the host's paging object.
type HostPaging interface {
	HasNextPage() bool
	HasPreviousPage() bool
	TotalResultCount() int
	LoadNextPage(ctx context.Context) error
	LoadPreviousPage(ctx context.Context) error
}

// RowQuery is one page request against a declarative query.
type RowQuery struct {
	Entity    string
	EntitySet string
	Query     string
	Page      int
	PageSize  int
	// Cookie is the paging cookie returned by the previous page, "" for the
	// first page.
	Cookie string
}

// RowPage is one page of raw rows plus the cookie for the next page.
type RowPage struct {
	Rows       []map[string]any
	Cookie     string
	TotalCount int
}

// RowQueryer executes declarative queries page by page.
type RowQueryer interface {
	RetrieveMultiple(ctx context.Context, q RowQuery) (RowPage, error)
}

// CreateOptions controls how a create form opens.
type CreateOptions struct {
	ParentEntity string `json:"parent_entity,omitempty"`
	ParentID     string `json:"parent_id,omitempty"`
	QuickCreate  bool   `json:"quick_create,omitempty"`
}

// ActionTransport performs the side effects of commands against the
// platform.
type ActionTransport interface {
	InvokeAction(ctx context.Context, name string, params map[string]any) (map[string]any, error)
	DeleteRecord(ctx context.Context, entity, id string) error
	ExecuteWorkflow(ctx context.Context, workflowID, recordID string) error
	OpenRecord(ctx context.Context, entity, id string) error
	OpenCreateForm(ctx context.Context, entity string, opts CreateOptions) error
}
