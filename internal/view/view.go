// Package view holds the per-view state machine: selection, the scroll
// loader, sorting and column widths. Update turns an event into effects for
// the owner to run and Render turns the current source snapshot into a
// layout for the configured renderer.
package view

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/pitabwire/datagrid/internal/scroll"
	"github.com/pitabwire/datagrid/internal/virtualization"
	"github.com/pitabwire/datagrid/model"
)

// Config configures a view.
type Config struct {
	Mode           model.ViewMode
	ScrollBehavior model.ScrollBehavior
	Virtualization virtualization.Options
	// DisplayColumns orders and limits the rendered columns. Empty means all
	// visible columns in source order.
	DisplayColumns []string
}

// ConfigFrom builds a view config from a resolved entity configuration.
func ConfigFrom(rc model.ResolvedConfig) Config {
	return Config{
		Mode:           rc.ViewMode,
		ScrollBehavior: rc.ScrollBehavior,
		Virtualization: virtualization.Options{
			Disabled:  !rc.EnableVirtualization,
			Threshold: rc.VirtualizationThreshold,
		},
		DisplayColumns: rc.DisplayColumns,
	}
}

// View is the state of one rendered view. It is not safe for concurrent
// use.
type View struct {
	mode      model.ViewMode
	vopts     virtualization.Options
	display   []string
	loader    *scroll.Loader
	selection *Selection
	position  scroll.Position
	sortBy    string
	sortDir   SortDirection
	widths    map[string]int
}

// New creates a view.
func New(cfg Config) *View {
	mode := cfg.Mode
	if !mode.Valid() {
		mode = model.ViewGrid
	}
	return &View{
		mode:      mode,
		vopts:     cfg.Virtualization,
		display:   cfg.DisplayColumns,
		loader:    scroll.NewLoader(cfg.ScrollBehavior),
		selection: NewSelection(),
		widths:    make(map[string]int),
	}
}

// Mode returns the active renderer.
func (v *View) Mode() model.ViewMode { return v.mode }

// Loader returns the scroll loader.
func (v *View) Loader() *scroll.Loader { return v.loader }

// SelectedIDs returns the selected record ids in selection order.
func (v *View) SelectedIDs() []string { return v.selection.IDs() }

// ClearSelection deselects everything and reports whether that changed
// anything.
func (v *View) ClearSelection() bool { return v.selection.Clear() }

// Update applies msg given the current source snapshot and returns the
// effects to run.
func (v *View) Update(msg Msg, data model.PageResult) []Effect {
	switch m := msg.(type) {
	case ScrollMsg:
		v.position = m.Position
		if v.loader.Observe(m.Position, scroll.StatusOf(data)) {
			return []Effect{LoadNextPageEffect{}}
		}
	case FetchSettledMsg:
		v.loader.Settle(data.Loading)
	case ToggleSelectionMsg:
		v.selection.Toggle(m.ID)
		return v.selectionChanged()
	case SelectAllMsg:
		for _, r := range data.Records {
			v.selection.Add(r.ID)
		}
		return v.selectionChanged()
	case ClearSelectionMsg:
		if v.selection.Clear() {
			return v.selectionChanged()
		}
	case ClickMsg:
		switch m.Target {
		case TargetCheckbox:
			v.selection.Toggle(m.ID)
			return v.selectionChanged()
		case TargetRow:
			if _, ok := data.Record(m.ID); ok {
				return []Effect{OpenRecordEffect{ID: m.ID}}
			}
		}
	case LoadMoreMsg:
		if v.loader.Begin(scroll.StatusOf(data)) {
			return []Effect{LoadNextPageEffect{}}
		}
	case PreviousPageMsg:
		if data.HasPreviousPage && !data.Loading {
			return []Effect{LoadPreviousPageEffect{}}
		}
	case RefreshMsg:
		effects := []Effect{RefreshEffect{}}
		if v.selection.Clear() {
			effects = append(effects, SelectionChangedEffect{IDs: []string{}})
		}
		return effects
	case SortMsg:
		if m.Column == v.sortBy && v.sortDir == SortAscending {
			v.sortDir = SortDescending
		} else {
			v.sortBy, v.sortDir = m.Column, SortAscending
		}
	case ResizeColumnMsg:
		v.widths[m.Column] = max(m.Width, MinColumnWidth)
	case SetViewModeMsg:
		if m.Mode.Valid() {
			v.mode = m.Mode
		}
	}
	return nil
}

func (v *View) selectionChanged() []Effect {
	return []Effect{SelectionChangedEffect{IDs: v.selection.IDs()}}
}

// Render builds the layout for the active renderer.
func (v *View) Render(data model.PageResult) Layout {
	records := v.sorted(data.Records)
	columns := v.columns(data)
	n := len(records)

	decision := virtualization.Decide(n, v.vopts)
	l := Layout{
		Mode:           v.mode,
		RecordCount:    n,
		TotalCount:     data.TotalRecordCount,
		Loading:        data.Loading,
		Error:          data.Error,
		Virtualization: decision,
		LoadMore:       v.loader.Affordance(scroll.StatusOf(data)),
		SelectedIDs:    v.selection.IDs(),
	}
	if n == 0 && !data.Loading {
		l.Empty = true
		l.Placeholder = EmptyPlaceholder
	}

	switch v.mode {
	case model.ViewList:
		l.Window = virtualization.ComputeWindow(decision, n, v.position.ScrollTop, v.position.ViewportHeight)
		l.List = v.renderList(records[l.Window.Start:l.Window.End], l.Window.Start, columns, decision.ItemHeight)
	case model.ViewCard:
		l.Window = virtualization.Window{Start: 0, End: n}
		l.Cards = v.renderCards(records, columns)
	default:
		l.Window = virtualization.ComputeWindow(decision, n, v.position.ScrollTop, v.position.ViewportHeight)
		l.Grid = v.renderGrid(records[l.Window.Start:l.Window.End], l.Window.Start, columns, decision.ItemHeight)
	}
	return l
}

func (v *View) renderGrid(records []model.Record, offset int, columns []model.Column, rowHeight int) *GridLayout {
	g := &GridLayout{
		Headers:   make([]Header, 0, len(columns)),
		Rows:      make([]Row, 0, len(records)),
		RowHeight: rowHeight,
	}
	for _, c := range columns {
		h := Header{
			Name:      c.Name,
			Label:     c.DisplayName,
			Type:      c.Type,
			Width:     v.width(c),
			Sortable:  true,
			Resizable: true,
		}
		if c.Name == v.sortBy {
			h.Sort = v.sortDir
		}
		g.Headers = append(g.Headers, h)
	}
	for i, r := range records {
		row := Row{ID: r.ID, Index: offset + i, Selected: v.selection.Has(r.ID), Cells: make([]Cell, 0, len(columns))}
		for _, c := range columns {
			row.Cells = append(row.Cells, cell(r, c.Name))
		}
		g.Rows = append(g.Rows, row)
	}
	return g
}

func (v *View) renderList(records []model.Record, offset int, columns []model.Column, itemHeight int) *ListLayout {
	cols := columns[:min(len(columns), maxListColumns)]
	l := &ListLayout{Items: make([]ListItem, 0, len(records)), ItemHeight: itemHeight}
	for i, r := range records {
		item := ListItem{ID: r.ID, Index: offset + i, Selected: v.selection.Has(r.ID)}
		for j, c := range cols {
			switch j {
			case 0:
				item.Primary = r.Text(c.Name)
			case 1:
				item.Secondary = r.Text(c.Name)
			case 2:
				item.Meta = r.Text(c.Name)
			}
		}
		if item.Primary == "" {
			item.Primary = r.ID
		}
		l.Items = append(l.Items, item)
	}
	return l
}

func (v *View) renderCards(records []model.Record, columns []model.Column) *CardLayout {
	var title string
	fields := columns
	if len(columns) > 0 {
		title = columns[0].Name
		fields = columns[1:]
	}
	fields = fields[:min(len(fields), maxCardFields)]

	cl := &CardLayout{Cards: make([]Card, 0, len(records))}
	for _, r := range records {
		c := Card{ID: r.ID, Selected: v.selection.Has(r.ID), Title: r.ID, Fields: make([]Cell, 0, len(fields))}
		if title != "" {
			if t := r.Text(title); t != "" {
				c.Title = t
			}
		}
		for _, f := range fields {
			c.Fields = append(c.Fields, cell(r, f.Name))
		}
		cl.Cards = append(cl.Cards, c)
	}
	return cl
}

func cell(r model.Record, name string) Cell {
	c := Cell{Column: name, Value: r.Value(name)}
	if raw, ok := r.Values[name+model.RawSuffix]; ok {
		c.Raw = raw
	}
	return c
}

func (v *View) width(c model.Column) int {
	if w, ok := v.widths[c.Name]; ok {
		return w
	}
	if c.VisualSizeFactor > 0 {
		return max(int(float64(DefaultColumnWidth)*c.VisualSizeFactor), MinColumnWidth)
	}
	return DefaultColumnWidth
}

// columns returns the visible columns, with the primary column first, and
// applies the display column list when configured.
func (v *View) columns(data model.PageResult) []model.Column {
	visible := data.VisibleColumns()
	if len(v.display) > 0 {
		byName := make(map[string]model.Column, len(visible))
		for _, c := range visible {
			byName[c.Name] = c
		}
		out := make([]model.Column, 0, len(v.display))
		for _, name := range v.display {
			if c, ok := byName[name]; ok {
				out = append(out, c)
			}
		}
		return out
	}
	if i := slices.IndexFunc(visible, func(c model.Column) bool { return c.IsPrimary }); i > 0 {
		primary := visible[i]
		visible = append(visible[:i:i], visible[i+1:]...)
		visible = append([]model.Column{primary}, visible...)
	}
	return visible
}

// sorted returns records ordered by the sort column. Raw values are
// compared when both are numbers, display text otherwise. The sort is
// stable so equal keys keep source order.
func (v *View) sorted(records []model.Record) []model.Record {
	if v.sortBy == "" {
		return records
	}
	out := slices.Clone(records)
	slices.SortStableFunc(out, func(a, b model.Record) int {
		c := compareValues(a.RawValue(v.sortBy), b.RawValue(v.sortBy))
		if v.sortDir == SortDescending {
			return -c
		}
		return c
	})
	return out
}

func compareValues(a, b any) int {
	fa, aNum := number(a)
	fb, bNum := number(b)
	if aNum && bNum {
		return cmp.Compare(fa, fb)
	}
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
