package model

import "fmt"

// RawSuffix is appended to a field name to address the raw (unformatted)
// value of a record field.
const RawSuffix = "_raw"

// Record is one row of entity data. Values holds formatted values keyed by
// column name and, where the source distinguishes them, raw values under
// "<name>_raw". Records are immutable once produced.
type Record struct {
	ID         string         `json:"id"`
	EntityName string         `json:"entity_name"`
	Values     map[string]any `json:"values"`
}

// Value returns the display value of a field.
func (r Record) Value(name string) any {
	return r.Values[name]
}

// RawValue returns the raw value of a field, falling back to the display
// value when no raw companion exists.
func (r Record) RawValue(name string) any {
	if v, ok := r.Values[name+RawSuffix]; ok {
		return v
	}
	return r.Values[name]
}

// Text returns the display value of a field as a string.
func (r Record) Text(name string) string {
	v, ok := r.Values[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ColumnType is the data type of a column.
type ColumnType string

const (
	ColumnText     ColumnType = "text"
	ColumnNumber   ColumnType = "number"
	ColumnDate     ColumnType = "date"
	ColumnChoice   ColumnType = "choice"
	ColumnLookup   ColumnType = "lookup"
	ColumnBoolean  ColumnType = "boolean"
	ColumnCurrency ColumnType = "currency"
	ColumnUnknown  ColumnType = "unknown"
)

// Column describes one column of a result set. Names are unique within a
// column list.
type Column struct {
	Name             string     `json:"name"`
	DisplayName      string     `json:"display_name"`
	Type             ColumnType `json:"type"`
	IsKey            bool       `json:"is_key,omitempty"`
	IsPrimary        bool       `json:"is_primary,omitempty"`
	Hidden           bool       `json:"hidden,omitempty"`
	Secured          bool       `json:"secured,omitempty"`
	VisualSizeFactor float64    `json:"visual_size_factor,omitempty"`
}

// UnknownTotal is the TotalRecordCount of a source that does not know how
// many records exist.
const UnknownTotal = -1

// PageResult is a snapshot of a pagination source: the records loaded so far
// plus the paging state. While Loading is true no other page advance is in
// flight. When HasNextPage is false, loading the next page is a no-op.
type PageResult struct {
	Records          []Record `json:"records"`
	Columns          []Column `json:"columns"`
	Loading          bool     `json:"loading"`
	Error            string   `json:"error,omitempty"`
	TotalRecordCount int      `json:"total_record_count"`
	HasNextPage      bool     `json:"has_next_page"`
	HasPreviousPage  bool     `json:"has_previous_page"`
	Page             int      `json:"page"`
}

// Count returns the number of loaded records.
func (p PageResult) Count() int {
	return len(p.Records)
}

// Record returns the record with the given id.
func (p PageResult) Record(id string) (Record, bool) {
	for _, r := range p.Records {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// VisibleColumns returns the columns that are not hidden, in order.
func (p PageResult) VisibleColumns() []Column {
	out := make([]Column, 0, len(p.Columns))
	for _, c := range p.Columns {
		if !c.Hidden {
			out = append(out, c)
		}
	}
	return out
}
