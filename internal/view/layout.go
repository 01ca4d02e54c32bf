package view

import (
	"github.com/pitabwire/datagrid/internal/scroll"
	"github.com/pitabwire/datagrid/internal/virtualization"
	"github.com/pitabwire/datagrid/model"
)

// EmptyPlaceholder is shown when a view has no records and is not loading.
const EmptyPlaceholder = "No records to display."

// Layout is the render model of a view. Exactly one of Grid, List and Cards
// is set, matching Mode.
type Layout struct {
	Mode           model.ViewMode          `json:"mode"`
	RecordCount    int                     `json:"record_count"`
	TotalCount     int                     `json:"total_count"`
	Loading        bool                    `json:"loading"`
	Error          string                  `json:"error,omitempty"`
	Empty          bool                    `json:"empty"`
	Placeholder    string                  `json:"placeholder,omitempty"`
	Virtualization virtualization.Decision `json:"virtualization"`
	Window         virtualization.Window   `json:"window"`
	LoadMore       scroll.LoadMore         `json:"load_more"`
	SelectedIDs    []string                `json:"selected_ids"`
	Grid           *GridLayout             `json:"grid,omitempty"`
	List           *ListLayout             `json:"list,omitempty"`
	Cards          *CardLayout             `json:"cards,omitempty"`
}

// Cell is one field value of a record.
type Cell struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
	Raw    any    `json:"raw,omitempty"`
}

// SortDirection is a grid sort direction.
type SortDirection string

const (
	SortAscending  SortDirection = "asc"
	SortDescending SortDirection = "desc"
)

// Header is a grid column header.
type Header struct {
	Name      string           `json:"name"`
	Label     string           `json:"label"`
	Type      model.ColumnType `json:"type"`
	Width     int              `json:"width"`
	Sortable  bool             `json:"sortable"`
	Resizable bool             `json:"resizable"`
	Sort      SortDirection    `json:"sort,omitempty"`
}

// Row is one grid row.
type Row struct {
	ID       string `json:"id"`
	Index    int    `json:"index"`
	Selected bool   `json:"selected"`
	Cells    []Cell `json:"cells"`
}

// GridLayout renders every visible column.
type GridLayout struct {
	Headers   []Header `json:"headers"`
	Rows      []Row    `json:"rows"`
	RowHeight int      `json:"row_height"`
}

// ListItem is one list entry: a bold primary line, a secondary line and
// trailing meta text.
type ListItem struct {
	ID        string `json:"id"`
	Index     int    `json:"index"`
	Selected  bool   `json:"selected"`
	Primary   string `json:"primary"`
	Secondary string `json:"secondary,omitempty"`
	Meta      string `json:"meta,omitempty"`
}

// ListLayout renders up to three columns per record.
type ListLayout struct {
	Items      []ListItem `json:"items"`
	ItemHeight int        `json:"item_height"`
}

// Card is one tile.
type Card struct {
	ID       string `json:"id"`
	Selected bool   `json:"selected"`
	Title    string `json:"title"`
	Fields   []Cell `json:"fields"`
}

// CardLayout renders tiles in an auto-filling grid.
type CardLayout struct {
	Cards []Card `json:"cards"`
}

// Per-renderer column limits.
const (
	maxListColumns = 3
	maxCardFields  = 3
)

// Column widths.
const (
	DefaultColumnWidth = 150
	MinColumnWidth     = 48
)
